// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"testing"

	"medgate/internal/config"
)

// NewConfig returns a validated configuration rooted in temporary directories.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()

	defaults := config.Default()
	cfg := &defaults
	base := t.TempDir()
	cfg.Paths.DataDir = base + "/data"
	cfg.Paths.StagingDir = base + "/staging"
	cfg.Paths.LogDir = base + "/logs"
	cfg.Pipeline.Workers = 1
	cfg.Pipeline.QueuePollSecs = 1
	cfg.Pipeline.RetryBackoffSecs = 1

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate config: %v", err)
	}
	return cfg
}
