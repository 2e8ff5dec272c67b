package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRateLimited is returned before the underlying provider is contacted.
var ErrRateLimited = errors.New("rate limit exceeded; try again later")

// RateLimiter caps delivery attempts per destination inside a window.
// Defaults match the MFA delivery channels: 3 sends per 5 minutes.
type RateLimiter struct {
	store  CounterStore
	prefix string
	window time.Duration
	max    int64
}

func NewRateLimiter(store CounterStore, prefix string, window time.Duration, max int) *RateLimiter {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if max <= 0 {
		max = 3
	}
	return &RateLimiter{store: store, prefix: prefix, window: window, max: int64(max)}
}

// Allow records one attempt for destination and reports whether it is within
// the window budget. A store failure is surfaced as-is so the caller can
// decide whether to fail open or closed.
func (l *RateLimiter) Allow(ctx context.Context, destination string) error {
	count, err := l.store.Incr(ctx, l.key(destination), l.window)
	if err != nil {
		return err
	}
	if count > l.max {
		return ErrRateLimited
	}
	return nil
}

func (l *RateLimiter) Reset(ctx context.Context, destination string) error {
	return l.store.Reset(ctx, l.key(destination))
}

func (l *RateLimiter) key(destination string) string {
	return fmt.Sprintf("ratelimit:%s:%s", l.prefix, destination)
}
