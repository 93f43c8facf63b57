package catalog

// Capability tags what a provider or model can do. The set is closed;
// new tags require a coordinated change to the ranker's capability table.
type Capability string

const (
	CapStreaming       Capability = "streaming"
	CapVision          Capability = "vision"
	CapAudio           Capability = "audio"
	CapFunctionCalling Capability = "function_calling"
	CapLongContext     Capability = "long_context"
	CapFast            Capability = "fast"
	CapReasoning       Capability = "reasoning"
	CapCodeGeneration  Capability = "code_generation"
	CapLocal           Capability = "local"
	CapCheap           Capability = "cheap"
)

// ValidCapability reports whether the tag belongs to the closed set.
func ValidCapability(c Capability) bool {
	switch c {
	case CapStreaming, CapVision, CapAudio, CapFunctionCalling, CapLongContext,
		CapFast, CapReasoning, CapCodeGeneration, CapLocal, CapCheap:
		return true
	}
	return false
}

// CapabilitySet is a set of capability tags.
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from tags.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports membership.
func (s CapabilitySet) Has(c Capability) bool { return s[c] }

// Intersection counts tags present in both sets.
func (s CapabilitySet) Intersection(other CapabilitySet) int {
	n := 0
	for c := range other {
		if s[c] {
			n++
		}
	}
	return n
}

// Clone returns an independent copy.
func (s CapabilitySet) Clone() CapabilitySet {
	out := make(CapabilitySet, len(s))
	for c, ok := range s {
		if ok {
			out[c] = true
		}
	}
	return out
}

// Slice returns the tags in unspecified order.
func (s CapabilitySet) Slice() []Capability {
	out := make([]Capability, 0, len(s))
	for c, ok := range s {
		if ok {
			out = append(out, c)
		}
	}
	return out
}

// Endpoint is a concrete addressable target within a provider. Runtime
// state (latency window, in-flight, health) lives in the health tracker,
// keyed by (provider ID, endpoint ID); endpoints carry none of it.
type Endpoint struct {
	ID     string  `json:"id"`
	URL    string  `json:"url"`
	Weight float64 `json:"weight,omitempty"` // used by the weighted balancer; <=0 means 1
}

// Model describes a model offered by a provider.
type Model struct {
	ID            string        `json:"id"`
	ProviderID    string        `json:"provider_id"`
	ContextTokens int           `json:"context_tokens"`
	Capabilities  []Capability  `json:"capabilities,omitempty"` // added beyond the provider's
	CostPer1K     float64       `json:"cost_per_1k"`
	P50LatencyMs  float64       `json:"p50_latency_ms"`
	P95LatencyMs  float64       `json:"p95_latency_ms"`
	QualityPrior  float64       `json:"quality_prior"` // in [0,1]
}

// Provider describes an upstream vendor: its capability tags, models,
// endpoints, and cost/latency priors used before runtime stats exist.
type Provider struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Capabilities []Capability `json:"capabilities"`
	Models       []Model      `json:"models"`
	Endpoints    []Endpoint   `json:"endpoints"`
	CostPer1K    float64      `json:"cost_per_1k"`
	P50LatencyMs float64      `json:"p50_latency_ms"`
	P95LatencyMs float64      `json:"p95_latency_ms"`
	QualityPrior float64      `json:"quality_prior"`
	Enabled      bool         `json:"enabled"`
}

// CapabilitySet returns the provider's tags as a set.
func (p Provider) CapabilitySet() CapabilitySet {
	return NewCapabilitySet(p.Capabilities...)
}

// DefaultModel returns the first listed model ID, or "" when the provider
// advertises none.
func (p Provider) DefaultModel() string {
	if len(p.Models) == 0 {
		return ""
	}
	return p.Models[0].ID
}
