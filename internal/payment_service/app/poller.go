package app

import (
	"context"
	"time"
)

// Poller repeatedly reads a value until Done reports it resolved or MaxAttempts reads have been made.
// Reads are strictly sequential; the next read never starts before the previous one returns.
type Poller[T any] struct {
	Interval    time.Duration
	MaxAttempts int

	// Read fetches the current value. Errors are reported to OnReadError and polling continues.
	Read func(ctx context.Context) (T, error)
	// Done classifies a value as resolved.
	Done func(T) bool

	OnProgress  func(attempt int, value T)
	OnReadError func(attempt int, err error)

	// Fallback runs exactly once when every attempt came back unresolved. Optional.
	Fallback func(ctx context.Context) (T, bool, error)
}

// PollResult describes how a Run ended.
type PollResult[T any] struct {
	Value        T
	Resolved     bool
	Attempts     int
	FromFallback bool
}

// Run polls until resolution, exhaustion or ctx cancellation. The only errors returned are the
// context's error and the fallback's error.
func (p Poller[T]) Run(ctx context.Context) (PollResult[T], error) {
	var res PollResult[T]

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, p.Interval); err != nil {
				return res, err
			}
		}
		res.Attempts = attempt

		v, err := p.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			if p.OnReadError != nil {
				p.OnReadError(attempt, err)
			}
			continue
		}
		res.Value = v
		if p.Done(v) {
			res.Resolved = true
			return res, nil
		}
		if p.OnProgress != nil {
			p.OnProgress(attempt, v)
		}
	}

	if p.Fallback == nil {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	v, ok, err := p.Fallback(ctx)
	if err != nil {
		return res, err
	}
	if ok {
		res.Value = v
		res.Resolved = true
		res.FromFallback = true
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
