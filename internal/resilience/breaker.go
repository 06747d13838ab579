// Package resilience guards calls to the judgment backends.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while a breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// Breaker opens after a run of consecutive failures and rejects calls until
// the cool-down elapses. One trial call is then let through: success closes
// the breaker, failure reopens it.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool

	onChange func(name string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithStateChange registers a callback invoked on every transition. It is
// called with the breaker lock held and must not call back into the breaker.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// failures and stays open for cooldown. A non-positive maxFailures disables
// the breaker.
func NewBreaker(name string, maxFailures int, cooldown time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// State returns the current position, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open. A caller cancelling ctx is not
// counted as a backend failure; a deadline expiring while the backend
// is still working is.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if b == nil || b.maxFailures <= 0 {
		return fn(ctx)
	}
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false

	switch {
	case err == nil:
		b.failures = 0
		b.transition(StateClosed)
	case errors.Is(ctx.Err(), context.Canceled) && errors.Is(err, context.Canceled):
		// Release the trial slot without judging the backend.
	default:
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.transition(StateOpen)
		}
	}
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(StateHalfOpen)
		b.trial = true
		return true
	case StateHalfOpen:
		// Only one trial call at a time.
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
	return false
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
