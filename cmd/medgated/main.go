// Command medgated runs the clinical document pipeline daemon.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"medgate/internal/config"
	"medgate/internal/daemon"
	"medgate/internal/logging"
	"medgate/internal/pipeline"
	"medgate/internal/queue"
	"medgate/internal/workflow"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}

	store, err := queue.Open(cfg)
	if err != nil {
		logger.Error("open pipeline store", logging.Error(err))
		os.Exit(1)
	}

	orchestrator := pipeline.NewOrchestrator(store, cfg, logger)
	manager := workflow.NewManager(cfg, store, orchestrator, logger)
	if err := registerStages(manager, cfg); err != nil {
		logger.Error("register stages", logging.Error(err))
		os.Exit(1)
	}

	d, err := daemon.New(cfg, store, logger, manager)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		os.Exit(1)
	}
	defer d.Close()

	if err := d.Start(ctx); err != nil {
		logger.Error("daemon start", logging.Error(err))
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("medgated shutting down")
}
