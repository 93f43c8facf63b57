package circuitbreaker

import "sync"

// Set holds one breaker per destination (provider ID). Breakers are
// created lazily with the set's options so every destination starts
// Closed with identical thresholds.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     []Option
	onChange func(dest string, from, to State)
}

// NewSet creates a keyed breaker set. opts apply to every breaker the
// set creates.
func NewSet(opts ...Option) *Set {
	return &Set{
		breakers: make(map[string]*Breaker),
		opts:     opts,
	}
}

// OnStateChange registers a listener for transitions on any destination.
// Must be called before the set hands out breakers; existing breakers do
// not pick the listener up.
func (s *Set) OnStateChange(fn func(dest string, from, to State)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// For returns the breaker for a destination, creating it on first use.
func (s *Set) For(dest string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[dest]
	if !ok {
		opts := s.opts
		if s.onChange != nil {
			fn := s.onChange
			opts = append(opts[:len(opts):len(opts)], WithOnStateChange(func(from, to State) {
				fn(dest, from, to)
			}))
		}
		b = New(opts...)
		s.breakers[dest] = b
	}
	return b
}

// IsOpen reports whether the destination's circuit is currently Open.
// Destinations without a breaker yet report false.
func (s *Set) IsOpen(dest string) bool {
	s.mu.Lock()
	b, ok := s.breakers[dest]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return b.CurrentState() == Open
}

// States snapshots every destination's current state.
func (s *Set) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.breakers))
	for dest, b := range s.breakers {
		out[dest] = b.CurrentState()
	}
	return out
}
