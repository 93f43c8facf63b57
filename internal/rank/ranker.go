// Package rank scores and orders candidate providers for a classified
// request. Scoring combines capability match, cost, latency, live health
// and a quality prior into a single [0,1] score; preference flags shift
// the weight profile. Providers with an open circuit or no capability
// overlap are excluded rather than down-ranked, except that when every
// capability-eligible provider is short-circuited the full set is
// ranked anyway so dispatch can report the open circuits.
package rank

import (
	"fmt"
	"sort"

	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/fault"
	"github.com/jordanhubbard/modelmux/internal/intent"
)

// Weights is the scoring profile. The fields are applied as-is; callers
// configuring custom weights are responsible for keeping the sum near 1
// so scores stay in [0,1] (the ranker clamps regardless).
type Weights struct {
	Capability float64
	Cost       float64
	Latency    float64
	Health     float64
	Quality    float64
}

// DefaultWeights is the baseline profile with capability dominant.
var DefaultWeights = Weights{
	Capability: 0.40,
	Cost:       0.15,
	Latency:    0.15,
	Health:     0.15,
	Quality:    0.15,
}

// Preferences bias the weight profile toward one axis.
type Preferences struct {
	PreferSpeed   bool `json:"prefer_speed,omitempty"`
	PreferCost    bool `json:"prefer_cost,omitempty"`
	PreferQuality bool `json:"prefer_quality,omitempty"`
}

// apply returns the effective profile for the given preferences.
func (p Preferences) apply(w Weights) Weights {
	if p.PreferSpeed {
		w.Latency = 0.35
		w.Capability = 0.30
	}
	if p.PreferCost {
		w.Cost = 0.35
		w.Capability = 0.30
	}
	if p.PreferQuality {
		w.Quality = 0.35
	}
	return w
}

// Ranking is one scored candidate. Fallbacks lists the IDs of the
// candidates ranked below this one, in order, with no duplicates.
type Ranking struct {
	ProviderID       string   `json:"provider_id"`
	ModelID          string   `json:"model_id"`
	Score            float64  `json:"score"`
	CapabilityMatch  float64  `json:"capability_match"`
	CostComponent    float64  `json:"cost_component"`
	LatencyComponent float64  `json:"latency_component"`
	HealthComponent  float64  `json:"health_component"`
	QualityComponent float64  `json:"quality_component"`
	Reason           string   `json:"reason"`
	Fallbacks        []string `json:"fallbacks"`
}

// HealthScorer supplies the live health component. Scores are in [0,1]
// with 1.0 meaning "no data yet", so fresh providers are not penalized.
type HealthScorer interface {
	HealthScore(providerID string) float64
}

// CircuitGate reports whether dispatch to a destination is currently
// short-circuited.
type CircuitGate interface {
	IsOpen(dest string) bool
}

// Ranker orders providers for a classified request.
type Ranker struct {
	weights  Weights
	tracker  HealthScorer
	breakers CircuitGate
}

// Option configures a Ranker.
type Option func(*Ranker)

// WithWeights overrides the default scoring profile.
func WithWeights(w Weights) Option {
	return func(r *Ranker) { r.weights = w }
}

// New creates a Ranker. tracker and breakers may be nil, in which case
// the health component defaults to 1.0 and no circuit filtering occurs;
// production wiring always supplies both.
func New(tracker HealthScorer, breakers CircuitGate, opts ...Option) *Ranker {
	r := &Ranker{
		weights:  DefaultWeights,
		tracker:  tracker,
		breakers: breakers,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Rank scores the candidates and returns them ordered best-first.
// Disabled providers and providers with zero capability overlap against
// a non-empty required set are excluded; an empty result after those
// filters is a NoEligibleProvider fault, never an empty slice.
// Providers with an open circuit are excluded too, unless that filter
// alone would empty the set: then every capability-eligible provider is
// ranked, and dispatch consults the breaker and reports ShortCircuited
// without upstream contact.
func (r *Ranker) Rank(in intent.Intent, requiredCaps catalog.CapabilitySet, prefs Preferences, candidates []catalog.Provider) ([]Ranking, error) {
	w := prefs.apply(r.weights)

	capable := make([]catalog.Provider, 0, len(candidates))
	for _, p := range candidates {
		if !p.Enabled {
			continue
		}
		if len(requiredCaps) > 0 && p.CapabilitySet().Intersection(requiredCaps) == 0 {
			continue
		}
		capable = append(capable, p)
	}
	if len(capable) == 0 {
		return nil, fault.New(fault.KindNoEligibleProvider, "no provider satisfies intent %q with %d required capabilities", in, len(requiredCaps))
	}

	eligible := capable
	if r.breakers != nil {
		closed := make([]catalog.Provider, 0, len(capable))
		for _, p := range capable {
			if !r.breakers.IsOpen(p.ID) {
				closed = append(closed, p)
			}
		}
		if len(closed) > 0 {
			eligible = closed
		}
	}

	// Cost and latency normalize over the eligible set, so a single
	// expensive outlier does not flatten everyone else's components.
	var maxCost, maxLatency float64
	for _, p := range eligible {
		if p.CostPer1K > maxCost {
			maxCost = p.CostPer1K
		}
		if p.P95LatencyMs > maxLatency {
			maxLatency = p.P95LatencyMs
		}
	}

	rankings := make([]Ranking, 0, len(eligible))
	for _, p := range eligible {
		capMatch := 1.0
		if len(requiredCaps) > 0 {
			capMatch = float64(p.CapabilitySet().Intersection(requiredCaps)) / float64(len(requiredCaps))
		}
		costComp := 1 - safeNorm(p.CostPer1K, maxCost)
		latComp := 1 - safeNorm(p.P95LatencyMs, maxLatency)
		healthComp := 1.0
		if r.tracker != nil {
			healthComp = clamp(r.tracker.HealthScore(p.ID), 0, 1)
		}
		qualComp := clamp(p.QualityPrior, 0, 1)

		score := w.Capability*capMatch + w.Cost*costComp + w.Latency*latComp + w.Health*healthComp + w.Quality*qualComp
		rankings = append(rankings, Ranking{
			ProviderID:       p.ID,
			ModelID:          SelectModel(p, requiredCaps),
			Score:            clamp(score, 0, 1),
			CapabilityMatch:  capMatch,
			CostComponent:    costComp,
			LatencyComponent: latComp,
			HealthComponent:  healthComp,
			QualityComponent: qualComp,
			Reason: fmt.Sprintf("caps %.0f%%, cost $%.4f/1k, p95 %.0fms, health %.2f, quality %.2f",
				capMatch*100, p.CostPer1K, p.P95LatencyMs, healthComp, qualComp),
		})
	}

	byID := make(map[string]catalog.Provider, len(eligible))
	for _, p := range eligible {
		byID[p.ID] = p
	}
	sort.SliceStable(rankings, func(i, j int) bool {
		a, b := rankings[i], rankings[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		pa, pb := byID[a.ProviderID], byID[b.ProviderID]
		if pa.P95LatencyMs != pb.P95LatencyMs {
			return pa.P95LatencyMs < pb.P95LatencyMs
		}
		if pa.CostPer1K != pb.CostPer1K {
			return pa.CostPer1K < pb.CostPer1K
		}
		return a.ProviderID < b.ProviderID
	})

	// Each entry's fallback list is everyone ranked below it.
	for i := range rankings {
		fb := make([]string, 0, len(rankings)-i-1)
		for _, other := range rankings[i+1:] {
			fb = append(fb, other.ProviderID)
		}
		rankings[i].Fallbacks = fb
	}
	return rankings, nil
}

// SelectModel picks the provider's model for the required capabilities:
// the first listed model whose combined tags cover the set, falling back
// to the provider's default model.
func SelectModel(p catalog.Provider, requiredCaps catalog.CapabilitySet) string {
	if len(requiredCaps) == 0 {
		return p.DefaultModel()
	}
	base := p.CapabilitySet()
	for _, m := range p.Models {
		combined := base.Clone()
		for _, c := range m.Capabilities {
			combined[c] = true
		}
		covered := true
		for c := range requiredCaps {
			if !combined.Has(c) {
				covered = false
				break
			}
		}
		if covered {
			return m.ID
		}
	}
	return p.DefaultModel()
}

func safeNorm(v, max float64) float64 {
	if max <= 0 {
		return 0
	}
	return clamp(v/max, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
