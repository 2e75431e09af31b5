// Package breaker implements a three-state circuit breaker
// (CLOSED -> OPEN -> HALF_OPEN -> CLOSED) gating calls to a single
// downstream. It generalizes the two-state CircuitClosed/CircuitOpen
// breaker this codebase's ancestor carried: that version collapsed
// "probe the downstream again" into plain CLOSED, which let a flaky
// downstream flap the breaker under a burst of concurrent callers. The
// explicit HALF_OPEN state admits exactly one probe at a time.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is one of the three breaker states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// ErrOpen is returned when a call is rejected because the breaker is open.
var ErrOpen = errors.New("breaker: circuit open")

// Config configures a Breaker.
type Config struct {
	FailureThreshold int           // consecutive failures to trip CLOSED -> OPEN
	ResetTimeout     time.Duration // how long OPEN waits before admitting a probe
	SuccessThreshold int           // consecutive HALF_OPEN successes to close
	CallTimeout      time.Duration // per-call deadline applied in CLOSED and HALF_OPEN
}

// Breaker is a three-state failure gate around a single downstream.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	nextAttempt time.Time
	probing     bool
	now         func() time.Time
}

// New constructs a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 60 * time.Second
	}
	return &Breaker{cfg: cfg, state: Closed, now: time.Now}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.probing = false
}

// admit decides whether a call may proceed now, claiming the single
// HALF_OPEN probe slot if this call is the one that earns it.
func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case Open:
		if now.Before(b.nextAttempt) {
			return ErrOpen
		}
		if b.probing {
			return ErrOpen
		}
		b.state = HalfOpen
		b.probing = true
		b.successes = 0
		return nil
	case HalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default: // Closed
		return nil
	}
}

func (b *Breaker) recordResult(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == HalfOpen {
		b.probing = false
	}

	if err != nil {
		b.failures++
		if b.state == HalfOpen {
			b.openLocked()
			return
		}
		if b.failures >= b.cfg.FailureThreshold {
			b.openLocked()
		}
		return
	}

	switch b.state {
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	default:
		b.failures = 0
	}
}

func (b *Breaker) openLocked() {
	b.state = Open
	b.nextAttempt = b.now().Add(b.cfg.ResetTimeout)
	b.probing = false
	b.successes = 0
}

// Execute runs fn under the breaker's admission control and per-call
// deadline, recording the outcome. If the breaker rejects the call,
// ErrOpen is returned without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	b.recordResult(err)
	return err
}
