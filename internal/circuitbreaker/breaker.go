// Package circuitbreaker implements a thread-safe circuit breaker per
// upstream provider. When a provider keeps failing, its breaker trips
// after a configurable number of consecutive counted failures and
// short-circuits dispatches for a cooldown period before probing again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// Closed is the normal operating state: all calls are allowed.
	Closed State = iota
	// Open means the circuit has tripped: calls short-circuit without
	// upstream contact.
	Open
	// HalfOpen allows a single probe call through to test recovery.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultCooldown         = 60 * time.Second
)

// Breaker is a goroutine-safe circuit breaker tracking consecutive
// counted failures and transitioning between Closed, Open and HalfOpen.
// The caller decides which outcomes count: timeouts, transport errors
// and upstream 5xx do; caller cancellation and 4xx input faults do not.
type Breaker struct {
	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	probeActive      bool
	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	lastTripped      time.Time
	onStateChange    func(from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureThreshold sets the number of consecutive counted failures
// required to trip the breaker from Closed to Open. The default is 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the number of consecutive probe successes
// required to close the breaker from HalfOpen. The default is 2.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before transitioning
// to HalfOpen. The default is 60 seconds.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a callback that fires on every state
// transition. The callback is invoked while the breaker's mutex is held,
// so it must not call back into the breaker.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// WithClock overrides the breaker's clock for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.nowFunc = now
	}
}

// New creates a Breaker in the Closed state with the given options.
func New(opts ...Option) *Breaker {
	b := &Breaker{
		state:            Closed,
		failureThreshold: defaultFailureThreshold,
		successThreshold: defaultSuccessThreshold,
		cooldown:         defaultCooldown,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Allow reports whether the next call may proceed upstream.
//
// In Closed state it always returns true. In Open state it returns false
// until the cooldown has elapsed, at which point it transitions to
// HalfOpen and admits a single probe. In HalfOpen state it admits one
// probe at a time: while a probe is outstanding, every other call is
// short-circuited.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if !b.nowFunc().Before(b.lastTripped.Add(b.cooldown)) {
			b.setState(HalfOpen)
			b.successCount = 0
			b.probeActive = true
			return true
		}
		return false
	case HalfOpen:
		if b.probeActive {
			return false
		}
		b.probeActive = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call. In HalfOpen it completes the
// outstanding probe; after successThreshold consecutive probe successes
// the breaker closes. In Closed it resets the failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == HalfOpen {
		b.probeActive = false
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.setState(Closed)
			b.successCount = 0
		}
	}
}

// RecordNeutral records a call whose outcome neither trips nor heals the
// circuit (caller cancellation, input faults). Its only effect is to
// release an outstanding half-open probe slot so the next probe can run.
func (b *Breaker) RecordNeutral() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.probeActive = false
	}
}

// RecordFailure records a counted failure. In Closed state it increments
// the consecutive-failure counter and trips the breaker at the
// threshold. In HalfOpen (probe failed) it immediately reopens.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold {
			b.setState(Open)
			b.lastTripped = b.nowFunc()
		}
	case HalfOpen:
		b.probeActive = false
		b.successCount = 0
		b.setState(Open)
		b.lastTripped = b.nowFunc()
	}
}

// CurrentState returns the current breaker state. Note: in Open state
// this does NOT check the cooldown timer; use Allow() for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
