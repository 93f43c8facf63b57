// Package metrics exposes the routing core's Prometheus instrumentation
// on a private registry, keeping the scrape surface free of whatever the
// embedding process registers globally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jordanhubbard/modelmux/internal/circuitbreaker"
	"github.com/jordanhubbard/modelmux/internal/dispatch"
	"github.com/jordanhubbard/modelmux/internal/fault"
)

type Registry struct {
	reg *prometheus.Registry

	UpstreamCallsTotal *prometheus.CounterVec
	UpstreamLatency    *prometheus.HistogramVec
	UpstreamTokens     *prometheus.CounterVec
	CircuitState       *prometheus.GaugeVec
	ShortCircuits      *prometheus.CounterVec
	FusedConfidence    prometheus.Histogram
	FanOutLegs         prometheus.Histogram
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		UpstreamCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_upstream_calls_total",
			Help: "Upstream calls by provider, model and outcome",
		}, []string{"provider", "model", "outcome"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelmux_upstream_latency_ms",
			Help:    "Upstream call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"provider", "model"}),
		UpstreamTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_upstream_tokens_total",
			Help: "Tokens streamed from upstream providers",
		}, []string{"provider", "model"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelmux_circuit_state",
			Help: "Circuit state per provider (0=closed, 1=open, 2=half_open)",
		}, []string{"provider"}),
		ShortCircuits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modelmux_short_circuits_total",
			Help: "Dispatches rejected by an open circuit",
		}, []string{"provider"}),
		FusedConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelmux_fused_confidence",
			Help:    "Confidence of fused ensemble responses",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		FanOutLegs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modelmux_fanout_legs",
			Help:    "Number of concurrent legs per fan-out group",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 12, 16},
		}),
	}
	reg.MustRegister(
		m.UpstreamCallsTotal,
		m.UpstreamLatency,
		m.UpstreamTokens,
		m.CircuitState,
		m.ShortCircuits,
		m.FusedConfidence,
		m.FanOutLegs,
	)
	return m
}

// ObserveCall implements dispatch.Observer.
func (m *Registry) ObserveCall(c dispatch.Call) {
	m.UpstreamCallsTotal.WithLabelValues(c.ProviderID, c.ModelID, string(c.Outcome)).Inc()
	m.UpstreamLatency.WithLabelValues(c.ProviderID, c.ModelID).Observe(float64(c.ElapsedMs))
	if c.Tokens > 0 {
		m.UpstreamTokens.WithLabelValues(c.ProviderID, c.ModelID).Add(float64(c.Tokens))
	}
	if c.Outcome == fault.OutcomeShortCircuited {
		m.ShortCircuits.WithLabelValues(c.ProviderID).Inc()
	}
}

// SetCircuitState records a breaker transition for the provider.
func (m *Registry) SetCircuitState(providerID string, s circuitbreaker.State) {
	m.CircuitState.WithLabelValues(providerID).Set(float64(s))
}

// ObserveFusion records a fused response's confidence and group size.
func (m *Registry) ObserveFusion(confidence float64, legs int) {
	m.FusedConfidence.Observe(confidence)
	m.FanOutLegs.Observe(float64(legs))
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
