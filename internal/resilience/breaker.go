package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when a key has accumulated too many recent
// failures. Callers must treat it as an immediate reject, never a retry.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Breaker tracks recent failures per operation key over a trailing window
// and fails fast once a key reaches the threshold. State is created lazily
// on first failure and expires lazily on read, so a key can never stay open
// once its failures age out. One Breaker is shared by all runners.
type Breaker struct {
	threshold int
	window    time.Duration
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*breakerState
}

type breakerState struct {
	failures    int
	lastFailure time.Time
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock overrides the time source, for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// NewBreaker builds a Breaker with the given threshold and failure window.
func NewBreaker(threshold int, window time.Duration, opts ...BreakerOption) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	b := &Breaker{
		threshold: threshold,
		window:    window,
		now:       time.Now,
		states:    make(map[string]*breakerState),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether calls for key may proceed. It returns a wrapped
// ErrCircuitOpen when the key is open. Stale state is evicted here rather
// than by a background sweep.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[key]
	if !ok {
		return nil
	}
	if b.now().Sub(state.lastFailure) >= b.window {
		delete(b.states, key)
		return nil
	}
	if state.failures >= b.threshold {
		return fmt.Errorf("%w for %q: %d failures in the last %s", ErrCircuitOpen, key, state.failures, b.window)
	}
	return nil
}

// RecordFailure bumps the failure count for key and refreshes its window.
// Counts that aged out are restarted rather than accumulated.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, ok := b.states[key]
	if !ok || now.Sub(state.lastFailure) >= b.window {
		b.states[key] = &breakerState{failures: 1, lastFailure: now}
		return
	}
	state.failures++
	state.lastFailure = now
}

// RecordSuccess closes the circuit for key.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, key)
}

// Failures returns the current recent-failure count for key.
func (b *Breaker) Failures(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[key]
	if !ok || b.now().Sub(state.lastFailure) >= b.window {
		return 0
	}
	return state.failures
}

// Guard runs op for key behind the breaker: it fails fast when the key is
// open and records the outcome otherwise. The attempt count from op is
// passed through so callers can report it on error records.
func Guard[T any](b *Breaker, key string, op func() (T, int, error)) (T, int, error) {
	var zero T
	if err := b.Allow(key); err != nil {
		return zero, 0, err
	}
	val, attempts, err := op()
	if err != nil {
		b.RecordFailure(key)
		return zero, attempts, err
	}
	b.RecordSuccess(key)
	return val, attempts, nil
}
