// Package backoff computes retry delays and waits them out.
package backoff

import (
	"context"
	"time"
)

// Config bounds an exponential schedule. Zero values fall back to 100ms and 5s.
type Config struct {
	Initial time.Duration
	Max     time.Duration
}

// Exponential doubles from Initial per attempt and caps at Max.
// Attempts below 1 return Initial.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxDelay := 100*time.Millisecond, 5*time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxDelay = cfg.Max
		}
	}
	if initial >= maxDelay {
		return maxDelay
	}

	d := initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Linear returns step * attempt. Attempts below 1 count as 1.
// No jitter, no cap: callers bound the attempt count.
func Linear(attempt int, step time.Duration) time.Duration {
	return step * time.Duration(max(attempt, 1))
}

// Wait blocks for d or until ctx ends, whichever is first.
// It returns ctx.Err() when interrupted.
func Wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
