package controlplane

import (
	"context"
	"time"

	"github.com/ahkfinance/devicelock/internal/clock"
)

// Backoff is a capped exponential delay schedule: Initial, Initial*2, ... Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// DefaultBackoff is 1s, 2s, 4s, 8s ... capped at 60s.
var DefaultBackoff = Backoff{Initial: time.Second, Max: time.Minute}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Sleep waits for the attempt's delay or until ctx is done.
func (b Backoff) Sleep(ctx context.Context, clk clock.Clock, attempt int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clk.After(b.Delay(attempt)):
		return nil
	}
}

// Retry calls fn until it succeeds or ctx ends. It never gives up on its own.
func Retry(ctx context.Context, clk clock.Clock, b Backoff, fn func(ctx context.Context) error, onErr func(attempt int, err error)) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if onErr != nil {
			onErr(attempt, err)
		}
		if serr := b.Sleep(ctx, clk, attempt); serr != nil {
			return serr
		}
	}
}
