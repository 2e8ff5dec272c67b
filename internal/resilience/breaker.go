// Package resilience wraps calls to external delivery providers with a
// circuit breaker and per-destination rate limiting.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/authvault/backend/pkg/logger"
)

// ErrCircuitOpen is returned when the breaker rejects a call without
// invoking the wrapped function.
var ErrCircuitOpen = errors.New("circuit breaker is open: provider unavailable")

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	RecoveryTimeout  time.Duration // time OPEN before probing
	SuccessThreshold int           // successes in HALF_OPEN before closing
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// Breaker protects one external provider. Each provider gets its own
// breaker so one outage does not block the others.
type Breaker struct {
	mu sync.Mutex

	name   string
	config BreakerConfig

	state           BreakerState
	failureCount    int
	successCount    int
	lastFailureTime time.Time

	now func() time.Time
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{
		name:   name,
		config: cfg.withDefaults(),
		state:  StateClosed,
		now:    time.Now,
	}
}

// Execute runs fn under breaker protection. While OPEN, calls are rejected
// with ErrCircuitOpen until the recovery timeout elapses; then a probe call
// is let through in HALF_OPEN.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn(ctx)
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.lastFailureTime) < b.config.RecoveryTimeout {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.successCount = 0
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failureCount++
		b.lastFailureTime = b.now()

		if b.state == StateHalfOpen {
			// Probe failed; reopen immediately.
			b.setState(StateOpen)
		} else if b.failureCount >= b.config.FailureThreshold {
			b.setState(StateOpen)
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.setState(StateClosed)
			b.failureCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) setState(next BreakerState) {
	if b.state == next {
		return
	}
	logger.Info("circuit_breaker_transition", map[string]interface{}{
		"breaker": b.name,
		"from":    b.state.String(),
		"to":      next.String(),
	})
	b.state = next
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}
