package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrInterval is returned for a non-positive interval.
var ErrInterval = errors.New("scheduler interval must be positive")

// BeatFunc is invoked on every beat.
type BeatFunc func(ctx context.Context, at time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
}

// Scheduler fires beats at a fixed cadence.
type Scheduler struct {
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, ErrInterval
	}
	return &Scheduler{
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Run blocks, invoking beat at each interval until ctx is cancelled. A failed
// beat is logged and the cadence continues.
func (s *Scheduler) Run(ctx context.Context, beat BeatFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := sleep(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	next := s.nextBeat(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.nextBeat(s.now())
			delay = next.Sub(s.now())
		}

		s.logger.Debug().Time("next_beat", next).Msg("waiting for next beat")
		if err := sleep(ctx, delay); err != nil {
			return err
		}

		at := s.beatStart(next)
		if err := beat(ctx, at); err != nil {
			s.logger.Error().Err(err).Time("beat", at).Msg("beat failed")
		}

		next = next.Add(s.opts.Interval)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextBeat(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	at := now.Truncate(s.opts.Interval)
	if !at.After(now) {
		at = at.Add(s.opts.Interval)
	}
	return at
}

func (s *Scheduler) beatStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
