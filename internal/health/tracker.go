// Package health tracks runtime state per upstream endpoint: a rolling
// latency window, an in-flight counter and a health bit. State is keyed
// by (provider ID, endpoint ID); endpoints hold no back-pointers.
package health

import (
	"sync"
	"time"

	"github.com/jordanhubbard/modelmux/internal/fault"
)

// Key addresses one endpoint's runtime state.
type Key struct {
	Provider string
	Endpoint string
}

// Config holds tracker thresholds.
type Config struct {
	// WindowSize is the number of recent calls kept per endpoint.
	WindowSize int
	// UnhealthyRun is how many consecutive failed calls flip the health bit.
	UnhealthyRun int
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{WindowSize: 100, UnhealthyRun: 3}
}

// window is a fixed-size circular buffer with a monotonic write cursor.
// Averages are computed in place without allocation.
type window struct {
	elapsed []float64
	success []bool
	cursor  uint64 // total writes; cursor % len is the next slot
}

func newWindow(size int) *window {
	return &window{elapsed: make([]float64, size), success: make([]bool, size)}
}

func (w *window) append(elapsedMs float64, ok bool) {
	i := w.cursor % uint64(len(w.elapsed))
	w.elapsed[i] = elapsedMs
	w.success[i] = ok
	w.cursor++
}

func (w *window) size() int {
	if w.cursor < uint64(len(w.elapsed)) {
		return int(w.cursor)
	}
	return len(w.elapsed)
}

func (w *window) avgLatency() (float64, bool) {
	n := w.size()
	if n == 0 {
		return 0, false
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += w.elapsed[i]
	}
	return sum / float64(n), true
}

func (w *window) successRate() (float64, bool) {
	n := w.size()
	if n == 0 {
		return 0, false
	}
	ok := 0
	for i := 0; i < n; i++ {
		if w.success[i] {
			ok++
		}
	}
	return float64(ok) / float64(n), true
}

// endpointState is all runtime state for one endpoint. Guarded by its own
// mutex so endpoints never contend with each other.
type endpointState struct {
	mu          sync.Mutex
	win         *window
	inFlight    int
	consecFails int
	healthy     bool
	lastChange  time.Time
	lastChosen  time.Time
}

// Tracker is the concurrent-safe registry of endpoint runtime state.
type Tracker struct {
	cfg Config

	// prior supplies a latency estimate for endpoints with an empty
	// window (typically the provider's catalog prior).
	prior func(Key) float64

	// onHealthChange fires outside the endpoint lock when the bit flips.
	onHealthChange func(Key, bool)

	mu        sync.RWMutex
	endpoints map[Key]*endpointState

	nowFunc func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithPrior supplies latency priors for empty windows.
func WithPrior(fn func(Key) float64) Option {
	return func(t *Tracker) { t.prior = fn }
}

// WithOnHealthChange registers a callback for health-bit transitions.
func WithOnHealthChange(fn func(Key, bool)) Option {
	return func(t *Tracker) { t.onHealthChange = fn }
}

// NewTracker creates a tracker with the given config.
func NewTracker(cfg Config, opts ...Option) *Tracker {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.UnhealthyRun <= 0 {
		cfg.UnhealthyRun = DefaultConfig().UnhealthyRun
	}
	t := &Tracker{
		cfg:       cfg,
		endpoints: make(map[Key]*endpointState),
		nowFunc:   time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) state(k Key) *endpointState {
	t.mu.RLock()
	s, ok := t.endpoints[k]
	t.mu.RUnlock()
	if ok {
		return s
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok = t.endpoints[k]; ok {
		return s
	}
	s = &endpointState{win: newWindow(t.cfg.WindowSize), healthy: true}
	t.endpoints[k] = s
	return s
}

// BeginCall increments the endpoint's in-flight counter. Every BeginCall
// must be paired with exactly one EndCall on all completion paths.
func (t *Tracker) BeginCall(k Key) {
	s := t.state(k)
	s.mu.Lock()
	s.inFlight++
	s.lastChosen = t.nowFunc()
	s.mu.Unlock()
}

// EndCall decrements in-flight and folds the call result into the rolling
// window. Timeouts and errors count toward the unhealthy run; caller
// cancellation does not, and short-circuited calls never reach here.
func (t *Tracker) EndCall(k Key, outcome fault.Outcome, elapsedMs float64) {
	s := t.state(k)

	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}

	counted := outcome == fault.OutcomeTimeout || outcome == fault.OutcomeError
	ok := outcome == fault.OutcomeSuccess
	if ok || counted {
		s.win.append(elapsedMs, ok)
	}

	var flipped bool
	var nowHealthy bool
	switch {
	case ok:
		s.consecFails = 0
		if !s.healthy {
			s.healthy = true
			s.lastChange = t.nowFunc()
			flipped, nowHealthy = true, true
		}
	case counted:
		s.consecFails++
		if s.healthy && s.consecFails >= t.cfg.UnhealthyRun {
			s.healthy = false
			s.lastChange = t.nowFunc()
			flipped, nowHealthy = true, false
		}
	}
	s.mu.Unlock()

	if flipped && t.onHealthChange != nil {
		t.onHealthChange(k, nowHealthy)
	}
}

// RecordProbe folds a reachability probe into the health bit without
// touching the latency window or in-flight counter. An unreachable probe
// flips the endpoint unhealthy immediately; a reachable one clears it.
func (t *Tracker) RecordProbe(k Key, reachable bool) {
	s := t.state(k)

	s.mu.Lock()
	var flipped bool
	if reachable {
		s.consecFails = 0
		if !s.healthy {
			s.healthy = true
			s.lastChange = t.nowFunc()
			flipped = true
		}
	} else if s.healthy {
		s.healthy = false
		s.lastChange = t.nowFunc()
		flipped = true
	}
	s.mu.Unlock()

	if flipped && t.onHealthChange != nil {
		t.onHealthChange(k, reachable)
	}
}

// InFlight returns the endpoint's current in-flight count.
func (t *Tracker) InFlight(k Key) int {
	s := t.state(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// AvgLatency returns the arithmetic mean over the endpoint's window, or
// the configured prior when the window is empty.
func (t *Tracker) AvgLatency(k Key) float64 {
	s := t.state(k)
	s.mu.Lock()
	avg, ok := s.win.avgLatency()
	s.mu.Unlock()
	if ok {
		return avg
	}
	if t.prior != nil {
		return t.prior(k)
	}
	return 0
}

// Healthy returns the endpoint's health bit. Unknown endpoints are
// assumed healthy.
func (t *Tracker) Healthy(k Key) bool {
	s := t.state(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

// LastChosen returns when the endpoint last entered a call, for the
// balancer's least-recently-tried fallback.
func (t *Tracker) LastChosen(k Key) time.Time {
	s := t.state(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChosen
}

// HealthScore aggregates a provider's endpoints into a [0,1] score for
// ranking: the success fraction over the combined windows, or 1.0 when no
// samples exist yet.
func (t *Tracker) HealthScore(providerID string) float64 {
	t.mu.RLock()
	states := make([]*endpointState, 0, 4)
	for k, s := range t.endpoints {
		if k.Provider == providerID {
			states = append(states, s)
		}
	}
	t.mu.RUnlock()

	var sum float64
	n := 0
	for _, s := range states {
		s.mu.Lock()
		if rate, ok := s.win.successRate(); ok {
			sum += rate
			n++
		}
		s.mu.Unlock()
	}
	if n == 0 {
		return 1.0
	}
	return sum / float64(n)
}

// EndpointStatus is a point-in-time view of one endpoint's runtime state.
type EndpointStatus struct {
	Provider     string    `json:"provider"`
	Endpoint     string    `json:"endpoint"`
	Healthy      bool      `json:"healthy"`
	InFlight     int       `json:"in_flight"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	LastChange   time.Time `json:"last_change,omitempty"`
}

// Status snapshots every known endpoint, for the /health surface.
func (t *Tracker) Status() []EndpointStatus {
	t.mu.RLock()
	keys := make([]Key, 0, len(t.endpoints))
	for k := range t.endpoints {
		keys = append(keys, k)
	}
	t.mu.RUnlock()

	out := make([]EndpointStatus, 0, len(keys))
	for _, k := range keys {
		s := t.state(k)
		s.mu.Lock()
		avg, _ := s.win.avgLatency()
		out = append(out, EndpointStatus{
			Provider:     k.Provider,
			Endpoint:     k.Endpoint,
			Healthy:      s.healthy,
			InFlight:     s.inFlight,
			AvgLatencyMs: avg,
			LastChange:   s.lastChange,
		})
		s.mu.Unlock()
	}
	return out
}
