package main

import (
	"strings"
	"sync"

	"medgate/internal/approval"
	"medgate/internal/config"
	"medgate/internal/logging"
	"medgate/internal/pipeline"
	"medgate/internal/queue"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, _, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withStore opens the pipeline store for the duration of one command. The
// store serializes concurrent writers, so reading alongside a running daemon
// is safe.
func (c *commandContext) withStore(fn func(*config.Config, *queue.Store) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(cfg, store)
}

func (c *commandContext) withOrchestrator(fn func(*pipeline.Orchestrator, *queue.Store) error) error {
	return c.withStore(func(cfg *config.Config, store *queue.Store) error {
		return fn(pipeline.NewOrchestrator(store, cfg, logging.NewNop()), store)
	})
}

func (c *commandContext) withGate(fn func(*approval.Gate, *queue.Store) error) error {
	return c.withStore(func(cfg *config.Config, store *queue.Store) error {
		return fn(approval.NewGate(store, cfg, logging.NewNop()), store)
	})
}
