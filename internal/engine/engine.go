// Package engine is the public entry point of the routing core. It
// glues classification, ranking, dispatch, fan-out and fusion behind
// three operations: Complete, Stream and AutoSelect.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/circuitbreaker"
	"github.com/jordanhubbard/modelmux/internal/dispatch"
	"github.com/jordanhubbard/modelmux/internal/fanout"
	"github.com/jordanhubbard/modelmux/internal/fault"
	"github.com/jordanhubbard/modelmux/internal/fusion"
	"github.com/jordanhubbard/modelmux/internal/health"
	"github.com/jordanhubbard/modelmux/internal/intent"
	"github.com/jordanhubbard/modelmux/internal/provider"
	"github.com/jordanhubbard/modelmux/internal/rank"
)

// Request is a caller's completion request.
type Request struct {
	Prompt               string               `json:"prompt"`
	RequiredCapabilities []catalog.Capability `json:"required_capabilities,omitempty"`
	PreferSpeed          bool                 `json:"prefer_speed,omitempty"`
	PreferCost           bool                 `json:"prefer_cost,omitempty"`
	PreferQuality        bool                 `json:"prefer_quality,omitempty"`
	Providers            []string             `json:"providers,omitempty"`
	Temperature          float64              `json:"temperature,omitempty"`
	MaxTokens            int                  `json:"max_tokens,omitempty"`
	// TimeoutMs bounds the whole operation. Zero means the caller's
	// context deadline (or the per-call default) governs.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

func (r Request) preferences() rank.Preferences {
	return rank.Preferences{
		PreferSpeed:   r.PreferSpeed,
		PreferCost:    r.PreferCost,
		PreferQuality: r.PreferQuality,
	}
}

func (r Request) params() provider.Params {
	return provider.Params{Temperature: r.Temperature, MaxTokens: r.MaxTokens}
}

// Selection is AutoSelect's result: the winning ranking plus the ordered
// alternates, with the classification that produced them.
type Selection struct {
	Intent               intent.Intent        `json:"intent"`
	Confidence           float64              `json:"confidence"`
	RequiredCapabilities []catalog.Capability `json:"required_capabilities"`
	Selected             rank.Ranking         `json:"selected"`
	Alternates           []rank.Ranking       `json:"alternates"`
}

// FusionObserver receives the confidence and group size of every fused
// response, for metrics.
type FusionObserver interface {
	ObserveFusion(confidence float64, legs int)
}

// Engine wires the routing core together.
type Engine struct {
	catalog    *catalog.Catalog
	ranker     *rank.Ranker
	dispatcher *dispatch.Dispatcher
	fan        *fanout.FanOut
	fanMode    fanout.Mode
	quorum     int
	fusionObs  FusionObserver // optional
	logger     *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithFanOutMode sets the completion policy for multi-provider requests.
// The default is all; quorum is only consulted for the quorum mode.
func WithFanOutMode(m fanout.Mode, quorum int) Option {
	return func(e *Engine) {
		if fanout.ValidMode(m) {
			e.fanMode = m
			e.quorum = quorum
		}
	}
}

// WithFusionObserver attaches a fusion metrics sink.
func WithFusionObserver(o FusionObserver) Option {
	return func(e *Engine) { e.fusionObs = o }
}

// New creates an Engine.
func New(cat *catalog.Catalog, ranker *rank.Ranker, d *dispatch.Dispatcher, fan *fanout.FanOut, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		catalog:    cat,
		ranker:     ranker,
		dispatcher: d,
		fan:        fan,
		fanMode:    fanout.All,
		logger:     logger,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// validate rejects malformed requests before any provider work happens.
func validate(req Request) error {
	if req.Prompt == "" {
		return fault.New(fault.KindInvalidRequest, "prompt must not be empty")
	}
	for _, c := range req.RequiredCapabilities {
		if !catalog.ValidCapability(c) {
			return fault.New(fault.KindInvalidRequest, "unknown capability %q", c)
		}
	}
	if req.TimeoutMs < 0 {
		return fault.New(fault.KindInvalidRequest, "timeout_ms must be non-negative")
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return fault.New(fault.KindInvalidRequest, "temperature must be in [0, 2]")
	}
	if req.MaxTokens < 0 {
		return fault.New(fault.KindInvalidRequest, "max_tokens must be non-negative")
	}
	return nil
}

// resolve classifies the prompt, merges caller-required capabilities
// into the classifier's set, and gathers the candidate providers:
// the explicit list when given, the whole catalog otherwise.
func (e *Engine) resolve(req Request) (intent.Classification, catalog.CapabilitySet, []catalog.Provider, error) {
	cls := intent.Classify(req.Prompt)

	caps := cls.RequiredCaps.Clone()
	for _, c := range req.RequiredCapabilities {
		caps[c] = true
	}

	var candidates []catalog.Provider
	if len(req.Providers) > 0 {
		candidates = make([]catalog.Provider, 0, len(req.Providers))
		for _, id := range req.Providers {
			p, err := e.catalog.Get(id)
			if err != nil {
				return cls, nil, nil, err
			}
			candidates = append(candidates, p)
		}
	} else {
		candidates = e.catalog.List()
	}
	return cls, caps, candidates, nil
}

// AutoSelect returns the ranking for a request without dispatching,
// letting a caller review the choice before invoking Complete.
func (e *Engine) AutoSelect(_ context.Context, req Request) (Selection, error) {
	if err := validate(req); err != nil {
		return Selection{}, err
	}
	cls, caps, candidates, err := e.resolve(req)
	if err != nil {
		return Selection{}, err
	}
	rankings, err := e.ranker.Rank(cls.Intent, caps, req.preferences(), candidates)
	if err != nil {
		return Selection{}, err
	}
	return Selection{
		Intent:               cls.Intent,
		Confidence:           cls.Confidence,
		RequiredCapabilities: caps.Slice(),
		Selected:             rankings[0],
		Alternates:           rankings[1:],
	}, nil
}

// Complete resolves a single-shot completion. With zero or one explicit
// providers the top-ranked candidate handles the request, falling back
// to the next-ranked alternate once when the circuit short-circuits.
// With several explicit providers the request fans out to all of them
// and the responses are fused.
func (e *Engine) Complete(ctx context.Context, req Request) (fusion.FusedResponse, error) {
	if err := validate(req); err != nil {
		return fusion.FusedResponse{}, err
	}
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	if len(req.Providers) > 1 {
		return e.completeFanOut(ctx, req)
	}

	cls, caps, candidates, err := e.resolve(req)
	if err != nil {
		return fusion.FusedResponse{}, err
	}
	rankings, err := e.ranker.Rank(cls.Intent, caps, req.preferences(), candidates)
	if err != nil {
		return fusion.FusedResponse{}, err
	}

	resp := e.dispatchRanked(ctx, req, rankings[0])
	if resp.Err != nil && resp.Err.Kind == fault.KindShortCircuited && len(rankings) > 1 {
		// One alternate attempt; a second short-circuit surfaces.
		e.logger.Info("short-circuited, trying alternate",
			slog.String("provider", rankings[0].ProviderID),
			slog.String("alternate", rankings[1].ProviderID),
		)
		resp = e.dispatchRanked(ctx, req, rankings[1])
	}
	if resp.Err != nil {
		return fusion.FusedResponse{}, resp.Err
	}
	return e.fuse([]dispatch.Response{resp})
}

func (e *Engine) fuse(responses []dispatch.Response) (fusion.FusedResponse, error) {
	fused, err := fusion.Fuse(responses)
	if err != nil {
		return fusion.FusedResponse{}, err
	}
	if e.fusionObs != nil {
		e.fusionObs.ObserveFusion(fused.Confidence, len(responses))
	}
	return fused, nil
}

func (e *Engine) dispatchRanked(ctx context.Context, req Request, rk rank.Ranking) dispatch.Response {
	p, err := e.catalog.Get(rk.ProviderID)
	if err != nil {
		// The provider was removed between ranking and dispatch.
		return dispatch.Response{
			ProviderID: rk.ProviderID,
			Outcome:    fault.OutcomeError,
			Err:        fault.Wrap(fault.KindUnknownProvider, err),
		}
	}
	return e.dispatcher.Dispatch(ctx, p, rk.ModelID, req.Prompt, req.params()).Collect()
}

func (e *Engine) completeFanOut(ctx context.Context, req Request) (fusion.FusedResponse, error) {
	_, caps, candidates, err := e.resolve(req)
	if err != nil {
		return fusion.FusedResponse{}, err
	}

	legs := make([]fanout.Request, 0, len(candidates))
	for _, p := range candidates {
		legs = append(legs, fanout.Request{
			Provider: p,
			Model:    rank.SelectModel(p, caps),
			Prompt:   req.Prompt,
			Params:   req.params(),
		})
	}
	res, err := e.fan.Run(ctx, legs, e.fanMode, e.quorum)
	if err != nil {
		return fusion.FusedResponse{}, err
	}
	return e.fuse(res.Responses)
}

// Stream dispatches to a single selected provider and returns its token
// stream. Fan-out streaming is rejected: merging token streams across
// heterogeneous vocabularies has no defined semantics. The caller's ctx
// carries the deadline and cancels the upstream call.
func (e *Engine) Stream(ctx context.Context, req Request) (*dispatch.Stream, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	if len(req.Providers) > 1 {
		return nil, fault.New(fault.KindInvalidRequest, "streaming requires a single provider, got %d", len(req.Providers))
	}
	cls, caps, candidates, err := e.resolve(req)
	if err != nil {
		return nil, err
	}
	rankings, err := e.ranker.Rank(cls.Intent, caps, req.preferences(), candidates)
	if err != nil {
		return nil, err
	}
	p, err := e.catalog.Get(rankings[0].ProviderID)
	if err != nil {
		return nil, err
	}
	return e.dispatcher.Dispatch(ctx, p, rankings[0].ModelID, req.Prompt, req.params()), nil
}

// ProviderStatus is one provider's row in the health report.
type ProviderStatus struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Enabled     bool    `json:"enabled"`
	Circuit     string  `json:"circuit"`
	HealthScore float64 `json:"health_score"`
}

// Aggregate health statuses for the GET /health payload.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusDown     = "down"
)

// HealthReport is the GET /health payload: an aggregate status plus
// per-provider circuit and health score and per-endpoint runtime state.
type HealthReport struct {
	Status    string                  `json:"status"`
	Providers []ProviderStatus        `json:"providers"`
	Endpoints []health.EndpointStatus `json:"endpoints"`
}

// Health snapshots provider and endpoint state. Providers that have not
// dispatched yet report a closed circuit and a full health score. The
// aggregate status is ok when every circuit is closed and every tracked
// endpoint is healthy, down when no provider can be dispatched to, and
// degraded in between.
func (e *Engine) Health() HealthReport {
	states := e.dispatcher.Breakers().States()
	tracker := e.dispatcher.Tracker()

	providers := e.catalog.List()
	report := HealthReport{
		Providers: make([]ProviderStatus, 0, len(providers)),
		Endpoints: tracker.Status(),
	}
	open := 0
	for _, p := range providers {
		circuit := circuitbreaker.Closed
		if st, ok := states[p.ID]; ok {
			circuit = st
		}
		if circuit == circuitbreaker.Open {
			open++
		}
		report.Providers = append(report.Providers, ProviderStatus{
			ID:          p.ID,
			Name:        p.Name,
			Enabled:     p.Enabled,
			Circuit:     circuit.String(),
			HealthScore: tracker.HealthScore(p.ID),
		})
	}
	unhealthy := 0
	for _, ep := range report.Endpoints {
		if !ep.Healthy {
			unhealthy++
		}
	}
	switch {
	case len(providers) == 0 || open == len(providers):
		report.Status = StatusDown
	case open > 0 || unhealthy > 0:
		report.Status = StatusDegraded
	default:
		report.Status = StatusOK
	}
	return report
}
