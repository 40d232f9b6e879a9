package main

import (
	"context"
	"sync"

	"github.com/nikhilbhutani/jobpipeline/internal/app"
	"github.com/nikhilbhutani/jobpipeline/internal/config"
	"github.com/nikhilbhutani/jobpipeline/internal/notify"
	"github.com/nikhilbhutani/jobpipeline/internal/retention"
)

// commandContext loads configuration once and connects to the backends
// only for commands that need them.
type commandContext struct {
	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		app.SetupLogging(cfg.LogLevel)
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) withServices(ctx context.Context, fn func(*app.Services) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	svc, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(svc)
}

// withSweeper runs fn against a sweeper whose events are flushed before the
// connections close.
func (c *commandContext) withSweeper(ctx context.Context, fn func(*retention.Sweeper) error) error {
	return c.withServices(ctx, func(svc *app.Services) error {
		cfg := svc.Config
		notifier := notify.NewNotifier(notify.NewRedisPublisher(svc.Redis), cfg.Worker.NotifyBuffer)
		defer notifier.Close()

		return fn(retention.NewSweeper(svc.Jobs, svc.Queue, svc.Files, notifier, retention.Config{
			TempTTL:      cfg.Retention.TempTTL,
			AudioJobTTL:  cfg.Retention.AudioJobTTL,
			StaleAfter:   cfg.Jobs.StaleAfter,
			MaxAttempts:  cfg.Jobs.MaxAttempts,
			RequeueAfter: cfg.Jobs.RequeueAfter,
			RequeueBatch: cfg.Jobs.RequeueBatch,

			FailedUploadTTL:    cfg.Retention.FailedUploadTTL,
			DeletionRetries:    cfg.Retention.DeletionRetries,
			DeletionRetryAfter: cfg.Retention.DeletionRetryAfter,
		}))
	})
}
