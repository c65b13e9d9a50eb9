package main

import (
	"fmt"

	"medgate/internal/config"
	"medgate/internal/queue"
	"medgate/internal/safety"
	"medgate/internal/stage"
	"medgate/internal/workflow"
)

// registerStages binds an executor to every pipeline stage. Extraction,
// linking, and explanation run as configured external commands; the safety
// check always runs in-process.
func registerStages(manager *workflow.Manager, cfg *config.Config) error {
	commands := map[queue.StageKind][]string{
		queue.StageExtract: cfg.Stages.ExtractCommand,
		queue.StageLink:    cfg.Stages.LinkCommand,
		queue.StageExplain: cfg.Stages.ExplainCommand,
	}
	for kind, command := range commands {
		executor, err := stage.NewCommandExecutor(kind, command)
		if err != nil {
			return fmt.Errorf("configure %s stage: %w", kind, err)
		}
		manager.RegisterExecutor(kind, executor)
	}
	manager.RegisterExecutor(queue.StageSafety, safety.NewEvaluator())
	return nil
}
