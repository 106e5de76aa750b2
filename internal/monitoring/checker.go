// Package monitoring watches for runs that stopped reporting progress.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/runsync/internal/config"
	"github.com/sells-group/runsync/internal/model"
	"github.com/sells-group/runsync/internal/store"
)

// RunLister is the store subset the checker reads.
type RunLister interface {
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error)
}

// Checker periodically logs PROCESSING runs that have not been updated
// within the stall window. It never changes run state.
type Checker struct {
	runs RunLister
	cfg  config.MonitoringConfig
	now  func() time.Time
}

// NewChecker creates a background stall checker.
func NewChecker(runs RunLister, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		runs: runs,
		cfg:  cfg,
		now:  time.Now,
	}
}

func (c *Checker) stallAfter() time.Duration {
	if c.cfg.StallAfterMins <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(c.cfg.StallAfterMins) * time.Minute
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting stall checker",
		zap.Duration("interval", interval),
		zap.Duration("stall_after", c.stallAfter()),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stall checker stopped")
			return
		case <-ticker.C:
			if _, err := c.Check(ctx); err != nil {
				log.Error("monitoring: stall check failed", zap.Error(err))
			}
		}
	}
}

// Check returns the stalled runs found by one pass, logging each of them.
func (c *Checker) Check(ctx context.Context) ([]model.Run, error) {
	cutoff := c.now().Add(-c.stallAfter())
	stalled, err := c.runs.ListRuns(ctx, store.RunFilter{
		Status:        model.RunStatusProcessing,
		UpdatedBefore: cutoff,
		Limit:         500,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list processing runs")
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	if len(stalled) == 0 {
		log.Debug("monitoring: no stalled runs")
		return nil, nil
	}
	for _, r := range stalled {
		log.Warn("pipeline run appears stalled",
			zap.String("run_id", r.ID),
			zap.Int("current_stage", r.CurrentStage),
			zap.Time("updated_at", r.UpdatedAt),
			zap.Duration("idle", c.now().Sub(r.UpdatedAt)),
		)
	}
	return stalled, nil
}
