// Package balance picks a concrete endpoint for each upstream call.
// Selection state is per provider: an atomic round-robin cursor and a
// process-seeded PRNG for the probabilistic strategies.
package balance

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/fault"
	"github.com/jordanhubbard/modelmux/internal/health"
)

// Strategy names an endpoint selection policy.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastConnections Strategy = "least_connections"
	Weighted         Strategy = "weighted"
	Random           Strategy = "random"
)

// ValidStrategy reports whether s is a known strategy name.
func ValidStrategy(s Strategy) bool {
	switch s {
	case RoundRobin, LeastConnections, Weighted, Random:
		return true
	}
	return false
}

// ErrAllEndpointsUnhealthy is surfaced alongside a best-effort endpoint
// when every endpoint of a provider is marked unhealthy. The dispatcher
// may still attempt the returned endpoint.
var ErrAllEndpointsUnhealthy = fault.New(fault.KindTransport, "all endpoints unhealthy")

// Balancer chooses endpoints using health tracker state.
type Balancer struct {
	tracker *health.Tracker

	mu      sync.Mutex
	cursors map[string]*atomic.Uint64 // provider ID -> round-robin cursor

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a balancer backed by the given tracker. The PRNG is seeded
// per process; callers never depend on determinism.
func New(tracker *health.Tracker, seed int64) *Balancer {
	return &Balancer{
		tracker: tracker,
		cursors: make(map[string]*atomic.Uint64),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Choose picks an endpoint for the provider under the given strategy.
//
// When every endpoint is unhealthy, the least recently tried one is
// returned together with ErrAllEndpointsUnhealthy so the caller can
// decide whether to attempt it anyway.
func (b *Balancer) Choose(p catalog.Provider, strategy Strategy) (catalog.Endpoint, error) {
	if len(p.Endpoints) == 0 {
		return catalog.Endpoint{}, fault.New(fault.KindUnknownProvider, "provider %q has no endpoints", p.ID)
	}
	if len(p.Endpoints) == 1 {
		ep := p.Endpoints[0]
		if !b.tracker.Healthy(health.Key{Provider: p.ID, Endpoint: ep.ID}) {
			return ep, ErrAllEndpointsUnhealthy
		}
		return ep, nil
	}

	healthy := make([]catalog.Endpoint, 0, len(p.Endpoints))
	for _, ep := range p.Endpoints {
		if b.tracker.Healthy(health.Key{Provider: p.ID, Endpoint: ep.ID}) {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		return b.leastRecentlyTried(p), ErrAllEndpointsUnhealthy
	}

	switch strategy {
	case LeastConnections:
		return b.leastConnections(p.ID, healthy), nil
	case Weighted:
		return b.weighted(healthy), nil
	case Random:
		return healthy[b.intn(len(healthy))], nil
	default: // RoundRobin
		return b.roundRobin(p, healthy), nil
	}
}

// roundRobin advances the provider's monotonic cursor over the full
// endpoint list, skipping unhealthy entries for at most one full pass.
func (b *Balancer) roundRobin(p catalog.Provider, healthy []catalog.Endpoint) catalog.Endpoint {
	cur := b.cursor(p.ID)
	n := len(p.Endpoints)
	for i := 0; i < n; i++ {
		idx := int((cur.Add(1) - 1) % uint64(n))
		ep := p.Endpoints[idx]
		if b.tracker.Healthy(health.Key{Provider: p.ID, Endpoint: ep.ID}) {
			return ep
		}
	}
	// Healthy set changed under us; fall back to its first member.
	return healthy[0]
}

// leastConnections returns the endpoint with the fewest in-flight calls,
// breaking ties by lower average latency, then lexicographic ID.
func (b *Balancer) leastConnections(providerID string, eps []catalog.Endpoint) catalog.Endpoint {
	best := eps[0]
	bestKey := health.Key{Provider: providerID, Endpoint: best.ID}
	bestIn, bestLat := b.tracker.InFlight(bestKey), b.tracker.AvgLatency(bestKey)
	for _, ep := range eps[1:] {
		k := health.Key{Provider: providerID, Endpoint: ep.ID}
		in, lat := b.tracker.InFlight(k), b.tracker.AvgLatency(k)
		if in < bestIn ||
			(in == bestIn && lat < bestLat) ||
			(in == bestIn && lat == bestLat && ep.ID < best.ID) {
			best, bestIn, bestLat = ep, in, lat
		}
	}
	return best
}

// weighted picks proportionally to endpoint weight; weights <= 0 count
// as 1.
func (b *Balancer) weighted(eps []catalog.Endpoint) catalog.Endpoint {
	var total float64
	for _, ep := range eps {
		total += weightOf(ep)
	}
	b.rngMu.Lock()
	r := b.rng.Float64() * total
	b.rngMu.Unlock()
	for _, ep := range eps {
		r -= weightOf(ep)
		if r < 0 {
			return ep
		}
	}
	return eps[len(eps)-1]
}

func (b *Balancer) leastRecentlyTried(p catalog.Provider) catalog.Endpoint {
	eps := make([]catalog.Endpoint, len(p.Endpoints))
	copy(eps, p.Endpoints)
	sort.Slice(eps, func(i, j int) bool {
		ti := b.tracker.LastChosen(health.Key{Provider: p.ID, Endpoint: eps[i].ID})
		tj := b.tracker.LastChosen(health.Key{Provider: p.ID, Endpoint: eps[j].ID})
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		return eps[i].ID < eps[j].ID
	})
	return eps[0]
}

func (b *Balancer) cursor(providerID string) *atomic.Uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.cursors[providerID]
	if !ok {
		c = &atomic.Uint64{}
		b.cursors[providerID] = c
	}
	return c
}

func (b *Balancer) intn(n int) int {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Intn(n)
}

func weightOf(ep catalog.Endpoint) float64 {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}
