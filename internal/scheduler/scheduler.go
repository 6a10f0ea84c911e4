// Package scheduler repeats collection cycles on a fixed cadence.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Cycler runs one collection cycle. RunCycle must return once ctx is done.
type Cycler interface {
	RunCycle(ctx context.Context)
}

// CyclerFunc adapts a function to Cycler.
type CyclerFunc func(ctx context.Context)

// RunCycle implements Cycler.
func (f CyclerFunc) RunCycle(ctx context.Context) { f(ctx) }

// Clock is the time source used for deadlines and waits.
type Clock interface {
	Now() time.Time
	// After delivers on the returned channel once d has elapsed. d <= 0
	// delivers immediately.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Scheduler drives a Cycler either once or periodically.
type Scheduler struct {
	cycler       Cycler
	interval     time.Duration
	cycleTimeout time.Duration
	clock        Clock
	logger       *slog.Logger
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(clock Clock) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// New validates the cadence and builds a Scheduler. A zero cycleTimeout
// bounds each cycle by the interval.
func New(cycler Cycler, interval, cycleTimeout time.Duration, logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	if cycler == nil {
		return nil, errors.New("cycler is required")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if cycleTimeout == 0 {
		cycleTimeout = interval
	}
	if cycleTimeout < 0 || cycleTimeout > interval {
		return nil, errors.New("cycle timeout must be > 0 and <= interval")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{
		cycler:       cycler,
		interval:     interval,
		cycleTimeout: cycleTimeout,
		clock:        realClock{},
		logger:       logger.With("component", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunOnce runs exactly one cycle.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.logger.Info("running single collection cycle")
	s.runCycle(ctx)
}

// Run repeats cycles until ctx is canceled. Cycle starts are anchored to
// the time Run was called: the k-th cycle is due at start + k*interval.
// A cycle that overruns its slot is followed immediately by the next one.
func (s *Scheduler) Run(ctx context.Context) error {
	start := s.clock.Now()
	next := start.Add(s.interval)
	s.logger.Info("scheduler started", "interval", s.interval, "cycle_timeout", s.cycleTimeout)

	for {
		s.runCycle(ctx)
		if ctx.Err() != nil {
			break
		}

		wait := next.Sub(s.clock.Now())
		if wait < 0 {
			s.logger.Warn("collection cycle overran interval", "behind", -wait)
			wait = 0
		}

		select {
		case <-ctx.Done():
		case <-s.clock.After(wait):
		}
		if ctx.Err() != nil {
			break
		}
		next = next.Add(s.interval)
	}

	s.logger.Info("scheduler stopping", "reason", context.Cause(ctx))
	return nil
}

func (s *Scheduler) runCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
	defer cancel()
	s.cycler.RunCycle(cycleCtx)
}
