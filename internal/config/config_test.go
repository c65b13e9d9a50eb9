package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"medgate/internal/config"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, _, exists, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if exists {
		t.Fatal("reported a nonexistent file as present")
	}
	if cfg.Pipeline.Workers != 2 || cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("defaults = %+v", cfg.Pipeline)
	}
	if cfg.Gate.MinJustificationChars != 20 {
		t.Fatalf("gate defaults = %+v", cfg.Gate)
	}
}

func TestLoadOverridesAndExpandsPaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "medgate.toml")
	content := `
[paths]
data_dir = "~/medgate-data"

[pipeline]
workers = 4
max_attempts = 5

[stages]
extract_command = ["medgate-extract", "--ocr"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !exists || resolved != path {
		t.Fatalf("resolved=%q exists=%v", resolved, exists)
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.MaxAttempts != 5 {
		t.Fatalf("pipeline = %+v", cfg.Pipeline)
	}
	if strings.HasPrefix(cfg.Paths.DataDir, "~") || !filepath.IsAbs(cfg.Paths.DataDir) {
		t.Fatalf("data dir not expanded: %q", cfg.Paths.DataDir)
	}
	if len(cfg.Stages.ExtractCommand) != 2 || cfg.Stages.ExtractCommand[0] != "medgate-extract" {
		t.Fatalf("stages = %+v", cfg.Stages)
	}
	// Untouched sections keep their defaults.
	if cfg.Pipeline.QueuePollSecs != 5 {
		t.Fatalf("poll = %d", cfg.Pipeline.QueuePollSecs)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := config.Default()
	cfg.Pipeline.Workers = 0
	cfg.Gate.MinJustificationChars = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"pipeline.workers", "gate.min_justification_chars"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("create sample: %v", err)
	}
	if _, _, exists, err := config.Load(path); err != nil || !exists {
		t.Fatalf("load sample: exists=%v err=%v", exists, err)
	}
}
