// Package worker drains the processing queue in-process. Lambda relies on
// request-driven and scheduled drains instead; the dev server runs this.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"zela-agent/internal/usecase"
)

const (
	DefaultPollInterval     = 2 * time.Second
	DefaultMaintainInterval = 5 * time.Minute
	DefaultBatch            = 10
)

type Processor interface {
	Drain(ctx context.Context, limit int) (int, error)
	Maintain(ctx context.Context) (usecase.MaintenanceReport, error)
}

type Config struct {
	PollInterval     time.Duration
	MaintainInterval time.Duration
	Batch            int
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaintainInterval <= 0 {
		c.MaintainInterval = DefaultMaintainInterval
	}
	if c.Batch <= 0 {
		c.Batch = DefaultBatch
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Start runs the drain and maintenance loops until ctx is done. The
// returned channel is closed once the goroutine has exited.
func Start(ctx context.Context, p Processor, cfg Config) <-chan struct{} {
	cfg = cfg.withDefaults()
	done := make(chan struct{})
	poll := time.NewTicker(cfg.PollInterval)
	maintain := time.NewTicker(cfg.MaintainInterval)

	go func() {
		defer close(done)
		defer poll.Stop()
		defer maintain.Stop()
		cfg.Logger.Info("queue worker started", "poll_interval", cfg.PollInterval, "maintain_interval", cfg.MaintainInterval)

		for {
			select {
			case <-poll.C:
				drainAll(ctx, p, cfg)
			case <-maintain.C:
				report, err := p.Maintain(ctx)
				if err != nil {
					cfg.Logger.Error("queue worker maintenance failed", "err", err)
				}
				cfg.Logger.Info("queue worker maintenance", "report", report)
			case <-ctx.Done():
				cfg.Logger.Info("queue worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

// drainAll keeps draining full batches so a backlog is not limited to one
// batch per tick.
func drainAll(ctx context.Context, p Processor, cfg Config) {
	for ctx.Err() == nil {
		n, err := p.Drain(ctx, cfg.Batch)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				cfg.Logger.Error("queue worker drain failed", "processed", n, "err", err)
			}
			return
		}
		if n < cfg.Batch {
			return
		}
	}
}
