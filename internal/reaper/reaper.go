// Package reaper enforces task expiry and selection-log retention on a
// fixed tick.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/taskrelay/internal/events"
	"github.com/mattjoyce/taskrelay/internal/log"
)

const DefaultInterval = 30 * time.Second

type Config struct {
	Interval time.Duration
	// LogRetention is how long selection-log rows are kept. Zero keeps them forever.
	LogRetention time.Duration
}

// Reaper periodically expires overdue tasks and prunes old selection logs.
type Reaper struct {
	cfg    Config
	tasks  TaskExpirer
	logs   LogPruner
	events events.Publisher
	logger *slog.Logger
	now    func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Reaper. logs may be nil when selection logs are disabled.
func New(cfg Config, tasks TaskExpirer, logs LogPruner, hub events.Publisher, logger *slog.Logger) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = log.Get()
	}
	return &Reaper{
		cfg:    cfg,
		tasks:  tasks,
		logs:   logs,
		events: hub,
		logger: logger.With("component", "reaper"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start runs one pass immediately, then one per interval, until ctx is
// cancelled or Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	r.logger.Info("starting reaper", "interval", r.cfg.Interval, "log_retention", r.cfg.LogRetention)
	r.wg.Add(1)
	go r.tickLoop(ctx)
}

// Stop waits for the tick loop to exit.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	r.logger.Info("reaper stopped")
}

func (r *Reaper) tickLoop(ctx context.Context) {
	defer r.wg.Done()

	r.tick(ctx)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.tick(ctx)
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick runs one reaping pass. Failures are logged and retried next tick.
func (r *Reaper) tick(ctx context.Context) {
	now := r.now().UTC()
	r.logger.Debug("reaper tick")

	expired, err := r.tasks.ExpireOverdue(ctx)
	if err != nil {
		r.logger.Error("failed to expire overdue tasks", "error", err)
	}

	pruned := 0
	if r.logs != nil && r.cfg.LogRetention > 0 {
		pruned, err = r.logs.Prune(ctx, now.Add(-r.cfg.LogRetention))
		if err != nil {
			r.logger.Error("failed to prune selection logs", "error", err)
		} else if pruned > 0 {
			r.logger.Info("pruned selection logs", "count", pruned)
		}
	}

	r.events.Publish(events.ReaperTick, "", map[string]any{
		"at":      now,
		"expired": expired,
		"pruned":  pruned,
	})
}
