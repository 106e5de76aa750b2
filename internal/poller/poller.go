// Package poller follows a run's status until it finishes, tolerating the
// startup window in which the run is not yet queryable and backing off on
// transport failures.
package poller

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/runsync/internal/model"
	"github.com/sells-group/runsync/internal/resilience"
)

// Terminal errors returned by Run.
var (
	ErrInvalidRunID   = errors.New("poller: invalid run id")
	ErrTimeout        = errors.New("poller: maximum runtime exceeded")
	ErrRunNotFound    = errors.New("poller: run not found")
	ErrNetwork        = errors.New("poller: network error")
	ErrRunFailed      = errors.New("poller: run failed")
	ErrRunCancelled   = errors.New("poller: run cancelled")
	ErrStatusNotFound = errors.New("poller: status not found")
)

// Config holds the poll schedule.
type Config struct {
	InitialDelay    time.Duration
	Interval        time.Duration
	NotFoundDelay   time.Duration
	NotFoundRetries int
	BaseBackoff     time.Duration
	MaxRetries      int
	MaxRuntime      time.Duration
	StaleThreshold  int
}

// DefaultConfig returns the schedule the web client uses: first poll after
// 2s, then every 5s, for at most 35 minutes.
func DefaultConfig() Config {
	return Config{
		InitialDelay:    2 * time.Second,
		Interval:        5 * time.Second,
		NotFoundDelay:   time.Second,
		NotFoundRetries: 5,
		BaseBackoff:     5 * time.Second,
		MaxRetries:      3,
		MaxRuntime:      35 * time.Minute,
		StaleThreshold:  12,
	}
}

// Observer receives progress notifications. Any field may be nil.
type Observer struct {
	OnUpdate func(snap *model.StatusSnapshot)
	OnStale  func(unchangedPolls int)
	OnRetry  func(attempt int, delay time.Duration, err error)
}

func (o Observer) update(snap *model.StatusSnapshot) {
	if o.OnUpdate != nil {
		o.OnUpdate(snap)
	}
}

func (o Observer) stale(polls int) {
	if o.OnStale != nil {
		o.OnStale(polls)
	}
}

func (o Observer) retry(attempt int, delay time.Duration, err error) {
	if o.OnRetry != nil {
		o.OnRetry(attempt, delay, err)
	}
}

// Result is the outcome of a finished poll loop.
type Result struct {
	RunID    string
	Status   model.RunStatus
	Snapshot *model.StatusSnapshot
	Polls    int
	Elapsed  time.Duration
}

// Option customizes a Poller.
type Option func(*Poller)

// WithObserver registers progress callbacks.
func WithObserver(o Observer) Option {
	return func(p *Poller) { p.obs = o }
}

// WithClock replaces the wall clock and sleep function.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(p *Poller) {
		p.now = now
		p.sleep = sleep
	}
}

// Poller drives a single run's status loop.
type Poller struct {
	fetcher Fetcher
	cfg     Config
	backoff resilience.Backoff
	obs     Observer
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error
	log     *zap.Logger
}

// New creates a Poller.
func New(f Fetcher, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		fetcher: f,
		cfg:     cfg,
		backoff: resilience.Backoff{
			Base:       cfg.BaseBackoff,
			Multiplier: 2,
			Max:        24 * time.Hour,
		},
		now:   time.Now,
		sleep: resilience.Sleep,
		log:   zap.L().With(zap.String("component", "poller")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Backoff returns the delay before retry attempt n (1-based).
func (p *Poller) Backoff(attempt int) time.Duration {
	return p.backoff.Delay(attempt - 1)
}

// Run polls until the run completes, fails, or a terminal error occurs.
// Cancelling ctx stops the loop; a response that arrives after cancellation
// is dropped without reaching the observer.
func (p *Poller) Run(ctx context.Context, runID string) (*Result, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, ErrInvalidRunID
	}
	log := p.log.With(zap.String("run_id", runID))

	start := p.now()
	res := &Result{RunID: runID}
	finish := func(err error) (*Result, error) {
		res.Elapsed = p.now().Sub(start)
		if res.Snapshot != nil {
			res.Status = res.Snapshot.RunStatus()
		}
		return res, err
	}

	if err := p.sleep(ctx, p.cfg.InitialDelay); err != nil {
		return finish(err)
	}

	var (
		notFound    int
		failures    int
		provisioned bool
		stale       = newStaleTracker(p.cfg.StaleThreshold, 0)
	)
	for {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		if p.now().Sub(start) > p.cfg.MaxRuntime {
			log.Warn("poll timed out", zap.Duration("max_runtime", p.cfg.MaxRuntime))
			return finish(ErrTimeout)
		}

		snap, err := p.fetcher.FetchStatus(ctx, runID)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return finish(ctxErr)
		}

		switch {
		case errors.Is(err, ErrStatusNotFound):
			notFound++
			if provisioned || notFound > p.cfg.NotFoundRetries {
				log.Warn("run not found", zap.Int("attempts", notFound))
				return finish(ErrRunNotFound)
			}
			log.Debug("run not yet queryable", zap.Int("attempt", notFound))
			if err := p.sleep(ctx, p.cfg.NotFoundDelay); err != nil {
				return finish(err)
			}
			continue

		case err != nil:
			failures++
			if failures > p.cfg.MaxRetries {
				log.Error("giving up after repeated failures", zap.Int("attempts", failures), zap.Error(err))
				return finish(eris.Wrapf(ErrNetwork, "after %d attempts: %v", failures, err))
			}
			delay := p.Backoff(failures)
			log.Warn("status poll failed, backing off",
				zap.Int("attempt", failures),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			p.obs.retry(failures, delay, err)
			if err := p.sleep(ctx, delay); err != nil {
				return finish(err)
			}
			continue
		}

		provisioned = true
		failures = 0
		res.Polls++
		res.Snapshot = snap
		p.obs.update(snap)

		switch snap.RunStatus() {
		case model.RunStatusFailed:
			return finish(ErrRunFailed)
		case model.RunStatusCancelled:
			return finish(ErrRunCancelled)
		case model.RunStatusCompleted:
			log.Info("run completed", zap.Int("polls", res.Polls), zap.Int("stage", snap.CurrentStage))
			return finish(nil)
		}

		if n, ok := stale.observe(snap.CompletedStages()); ok {
			log.Warn("pipeline appears stuck", zap.Int("unchanged_polls", n))
			p.obs.stale(n)
		}

		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return finish(err)
		}
	}
}
