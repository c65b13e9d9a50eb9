package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks configuration invariants that would otherwise surface as
// runtime misbehavior (zero workers, unbounded retries, a gate that accepts
// empty justifications).
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.StagingDir) == "" {
		problems = append(problems, "paths.staging_dir must not be empty")
	}
	if strings.TrimSpace(c.Pipeline.Version) == "" {
		problems = append(problems, "pipeline.version must not be empty")
	}
	if c.Pipeline.Workers < 1 {
		problems = append(problems, "pipeline.workers must be at least 1")
	}
	if c.Pipeline.MaxAttempts < 1 {
		problems = append(problems, "pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.RetryBackoffSecs < 0 {
		problems = append(problems, "pipeline.retry_backoff_seconds must not be negative")
	}
	if c.Pipeline.StageTimeoutSecs < 1 {
		problems = append(problems, "pipeline.stage_timeout_seconds must be at least 1")
	}
	if c.Pipeline.QueuePollSecs < 1 {
		problems = append(problems, "pipeline.queue_poll_seconds must be at least 1")
	}
	if c.Gate.MinJustificationChars < 1 {
		problems = append(problems, "gate.min_justification_chars must be at least 1")
	}

	if len(problems) == 0 {
		return nil
	}
	if len(problems) == 1 {
		return errors.New(problems[0])
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
}
