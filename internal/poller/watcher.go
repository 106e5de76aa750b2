package poller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/runsync/internal/model"
)

// staleTracker counts consecutive polls without an increase in completed
// stages. It fires once per stall when the count reaches the threshold.
type staleTracker struct {
	threshold int
	last      int
	unchanged int
}

func newStaleTracker(threshold, seed int) *staleTracker {
	return &staleTracker{threshold: threshold, last: seed}
}

func (s *staleTracker) observe(completed int) (int, bool) {
	if completed > s.last {
		s.last = completed
		s.unchanged = 0
		return 0, false
	}
	s.unchanged++
	return s.unchanged, s.threshold > 0 && s.unchanged == s.threshold
}

// Watcher observes a run that is already processing and warns when it stops
// making progress. Staleness is advisory: the watcher keeps polling.
type Watcher struct {
	fetcher   Fetcher
	interval  time.Duration
	threshold int
	obs       Observer
}

// NewWatcher creates a Watcher using the interval and stale threshold in cfg.
// A non-positive interval falls back to 5s.
func NewWatcher(f Fetcher, cfg Config, obs Observer) *Watcher {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		fetcher:   f,
		interval:  interval,
		threshold: cfg.StaleThreshold,
		obs:       obs,
	}
}

// Watch polls until the run leaves PROCESSING, the run disappears, or ctx is
// done. completed is the number of completed stages already observed.
func (w *Watcher) Watch(ctx context.Context, runID string, completed int) error {
	if runID == "" {
		return ErrInvalidRunID
	}
	interval := w.interval

	log := zap.L().With(zap.String("component", "poller.watcher"), zap.String("run_id", runID))
	log.Info("watching run progress",
		zap.Duration("interval", interval),
		zap.Int("stale_threshold", w.threshold),
		zap.Int("completed", completed),
	)

	tracker := newStaleTracker(w.threshold, completed)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("watcher stopped")
			return ctx.Err()
		case <-ticker.C:
			done, err := w.check(ctx, log, runID, tracker)
			if err != nil || done {
				return err
			}
		}
	}
}

func (w *Watcher) check(ctx context.Context, log *zap.Logger, runID string, tracker *staleTracker) (bool, error) {
	snap, err := w.fetcher.FetchStatus(ctx, runID)
	if ctx.Err() != nil {
		return true, ctx.Err()
	}
	if errors.Is(err, ErrStatusNotFound) {
		return true, ErrRunNotFound
	}
	if err != nil {
		log.Warn("watcher: status check failed", zap.Error(err))
		w.obs.retry(0, w.interval, err)
		return false, nil
	}

	w.obs.update(snap)
	if snap.RunStatus() != model.RunStatusProcessing {
		log.Info("run left processing", zap.String("status", snap.Status))
		return true, nil
	}

	if n, ok := tracker.observe(snap.CompletedStages()); ok {
		log.Warn("pipeline appears stuck", zap.Int("unchanged_polls", n))
		w.obs.stale(n)
	}
	return false, nil
}
