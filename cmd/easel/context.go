package main

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"easel/internal/config"
	"easel/internal/generate"
	"easel/internal/lineage"
	"easel/internal/logging"
	"easel/internal/markers"
	"easel/internal/session"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *slog.Logger
	loggerErr  error
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

func (c *commandContext) ensureLogger() (*slog.Logger, error) {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil {
			c.loggerErr = err
			return
		}
		logger, err := logging.New(logging.Options{
			Level:  cfg.Logging.Level,
			Format: cfg.Logging.Format,
		})
		if err != nil {
			c.loggerErr = err
			return
		}
		c.logger = logger
	})
	return c.logger, c.loggerErr
}

// pipeline bundles the coordinator with the collaborators the commands need
// to close or query afterwards.
type pipeline struct {
	coordinator *session.Coordinator
	store       *lineage.Store
}

func (p *pipeline) Close() {
	if p.store != nil {
		_ = p.store.Close()
	}
}

// buildPipeline wires a coordinator around the configured generation backend,
// the lineage store, and file-backed document collaborators.
func (c *commandContext) buildPipeline(adjust ...func(*session.Options)) (*pipeline, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.ensureLogger()
	if err != nil {
		return nil, err
	}
	store, err := lineage.Open(cfg)
	if err != nil {
		return nil, err
	}
	extractor, err := markers.NewExtractor(cfg.Markers.Patterns...)
	if err != nil {
		store.Close()
		return nil, err
	}

	opts := session.Options{
		Logger:        logger,
		Generator:     generate.NewClient(cfg.Generation),
		Extractor:     extractor,
		Registrar:     store,
		Source:        fileSource{},
		Applier:       &fileApplier{logger: logger, store: store},
		MaxConcurrent: cfg.Workflow.MaxConcurrent,
		PollInterval:  time.Duration(cfg.Workflow.PollIntervalMS) * time.Millisecond,
		WaitTimeout:   time.Duration(cfg.Workflow.WaitTimeoutSeconds) * time.Second,
	}
	for _, fn := range adjust {
		fn(&opts)
	}

	coordinator, err := session.NewCoordinator(opts)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &pipeline{coordinator: coordinator, store: store}, nil
}

// openStore opens the lineage store without the rest of the pipeline, for
// read-only commands.
func (c *commandContext) openStore() (*lineage.Store, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return lineage.Open(cfg)
}
