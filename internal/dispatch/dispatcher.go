// Package dispatch issues upstream calls: it consults the circuit
// breaker, picks an endpoint through the balancer, tracks in-flight and
// latency state, forwards tokens to the caller, and retries transient
// failures on another endpoint of the same provider. Cross-provider
// fallback is the caller's choice, not the dispatcher's.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/modelmux/internal/balance"
	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/circuitbreaker"
	"github.com/jordanhubbard/modelmux/internal/fault"
	"github.com/jordanhubbard/modelmux/internal/health"
	"github.com/jordanhubbard/modelmux/internal/provider"
	"github.com/jordanhubbard/modelmux/internal/tracing"
)

// DefaultCallTimeout bounds a single upstream call when the caller's
// deadline is further away.
const DefaultCallTimeout = 60 * time.Second

// Call is the record of one upstream attempt, consumed by observers
// (metrics) after completion.
type Call struct {
	ID         string
	ProviderID string
	ModelID    string
	EndpointID string
	Start      time.Time
	Outcome    fault.Outcome
	Tokens     int
	ElapsedMs  int64
}

// Observer receives completed call records.
type Observer interface {
	ObserveCall(Call)
}

// Config holds dispatcher policy.
type Config struct {
	// MaxRetries is the number of same-provider endpoint retries after a
	// timeout or transient error. Default 1.
	MaxRetries int
	// CallTimeout caps a single upstream call. Default 60s.
	CallTimeout time.Duration
	// Strategy is the endpoint selection policy.
	Strategy balance.Strategy
}

// Dispatcher executes upstream calls.
type Dispatcher struct {
	cfg      Config
	adapters *provider.Registry
	balancer *balance.Balancer
	tracker  *health.Tracker
	breakers *circuitbreaker.Set
	logger   *slog.Logger
	observer Observer // optional
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver attaches a call observer (metrics).
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// New creates a Dispatcher.
func New(cfg Config, adapters *provider.Registry, balancer *balance.Balancer, tracker *health.Tracker, breakers *circuitbreaker.Set, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if !balance.ValidStrategy(cfg.Strategy) {
		cfg.Strategy = balance.RoundRobin
	}
	d := &Dispatcher{
		cfg:      cfg,
		adapters: adapters,
		balancer: balancer,
		tracker:  tracker,
		breakers: breakers,
		logger:   logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Breakers exposes the breaker set for ranking and health reporting.
func (d *Dispatcher) Breakers() *circuitbreaker.Set { return d.breakers }

// Tracker exposes the health tracker for ranking and health reporting.
func (d *Dispatcher) Tracker() *health.Tracker { return d.tracker }

// Adapters exposes the adapter registry.
func (d *Dispatcher) Adapters() *provider.Registry { return d.adapters }

// Dispatch starts an upstream call and returns its token stream
// immediately. The stream always terminates with exactly one end or
// error event; cancelling ctx cancels the upstream call promptly and the
// in-flight counter is restored on every completion path.
func (d *Dispatcher) Dispatch(ctx context.Context, p catalog.Provider, model, prompt string, params provider.Params) *Stream {
	s := newStream(ctx, p.ID, model)
	go d.run(ctx, s, p, model, prompt, params)
	return s
}

func (d *Dispatcher) run(ctx context.Context, s *Stream, p catalog.Provider, model, prompt string, params provider.Params) {
	start := time.Now()

	adapter, ok := d.adapters.Get(p.ID)
	if !ok {
		s.finish(errEvent(fault.New(fault.KindUnknownProvider, "no adapter registered for provider %q", p.ID), start))
		return
	}

	// A deadline already in the past never contacts upstream.
	if dl, ok := ctx.Deadline(); ok && !dl.After(time.Now()) {
		s.finish(errEvent(fault.New(fault.KindTimeout, "deadline already exceeded"), start))
		return
	}

	breaker := d.breakers.For(p.ID)
	if !breaker.Allow() {
		if d.observer != nil {
			d.observer.ObserveCall(Call{
				ID:         uuid.NewString(),
				ProviderID: p.ID,
				ModelID:    model,
				Start:      start,
				Outcome:    fault.OutcomeShortCircuited,
			})
		}
		s.finish(errEvent(fault.New(fault.KindShortCircuited, "circuit open for provider %q", p.ID), start))
		return
	}

	attempts := 1 + d.cfg.MaxRetries
	var lastErr *fault.Error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			s.finish(errEvent(fault.Wrap(fault.KindCancelled, ctx.Err()), start))
			return
		}

		ferr, tokens, done := d.attempt(ctx, s, adapter, p, model, prompt, params, start)
		if done {
			return
		}
		lastErr = ferr

		// Retry only pre-token failures on timeout/transient kinds; once
		// tokens reached the caller the stream cannot be restarted.
		if tokens > 0 || !fault.Retryable(ferr.Kind) {
			break
		}
		// A failure in this loop may have tripped the circuit; an open
		// breaker stops the retries before the next upstream contact.
		if breaker.CurrentState() == circuitbreaker.Open {
			break
		}
		d.logger.Warn("retrying on next endpoint",
			slog.String("provider", p.ID),
			slog.String("model", model),
			slog.String("kind", string(ferr.Kind)),
			slog.Int("attempt", attempt+1),
		)
	}
	s.finish(errEvent(lastErr, start))
}

// attempt runs one upstream call. It returns done=true when the stream
// was terminated (success, cancellation, or a mid-stream failure);
// otherwise the returned fault drives the retry decision.
func (d *Dispatcher) attempt(ctx context.Context, s *Stream, adapter provider.Adapter, p catalog.Provider, model, prompt string, params provider.Params, start time.Time) (ferr *fault.Error, tokens int, done bool) {
	breaker := d.breakers.For(p.ID)

	endpoint, lbErr := d.balancer.Choose(p, d.cfg.Strategy)
	if lbErr != nil {
		// All endpoints unhealthy: note it and still attempt one call.
		d.logger.Warn("all endpoints unhealthy, attempting anyway",
			slog.String("provider", p.ID),
			slog.String("endpoint", endpoint.ID),
		)
	}
	s.EndpointID = endpoint.ID
	tracing.AnnotateDispatch(ctx, p.ID, model, endpoint.ID)
	key := health.Key{Provider: p.ID, Endpoint: endpoint.ID}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()

	callStart := time.Now()
	outcome := fault.OutcomeError

	d.tracker.BeginCall(key)
	defer func() {
		// The counter must be restored on every path, panics included.
		elapsed := time.Since(callStart)
		d.tracker.EndCall(key, outcome, float64(elapsed.Milliseconds()))
		if d.observer != nil {
			d.observer.ObserveCall(Call{
				ID:         uuid.NewString(),
				ProviderID: p.ID,
				ModelID:    model,
				EndpointID: endpoint.ID,
				Start:      callStart,
				Outcome:    outcome,
				Tokens:     tokens,
				ElapsedMs:  elapsed.Milliseconds(),
			})
		}
	}()

	ts, err := adapter.Invoke(callCtx, endpoint, model, prompt, params)
	if err != nil {
		kind := adapter.ClassifyError(err)
		outcome = fault.OutcomeForKind(kind)
		d.recordBreaker(breaker, kind)
		if kind == fault.KindCancelled {
			s.finish(errEvent(fault.Wrap(kind, err), start))
			return nil, 0, true
		}
		return fault.Wrap(kind, err), 0, false
	}
	defer func() { _ = ts.Close() }()

	var total int
	for {
		chunk, rerr := ts.Recv()
		if rerr != nil {
			kind := adapter.ClassifyError(rerr)
			outcome = fault.OutcomeForKind(kind)
			d.recordBreaker(breaker, kind)
			if tokens > 0 || kind == fault.KindCancelled || !fault.Retryable(kind) {
				s.finish(errEvent(fault.Wrap(kind, rerr), start))
				return nil, tokens, true
			}
			return fault.Wrap(kind, rerr), tokens, false
		}
		if chunk.Text != "" {
			tokens++
			s.emit(Event{Type: EventToken, Text: chunk.Text})
		}
		if chunk.Done {
			if chunk.TotalTokens > 0 {
				total = chunk.TotalTokens
			}
			break
		}
	}

	outcome = fault.OutcomeSuccess
	breaker.RecordSuccess()
	if total == 0 {
		total = tokens
	}
	s.finish(Event{
		Type:        EventEnd,
		Outcome:     fault.OutcomeSuccess,
		TotalTokens: total,
		ElapsedMs:   time.Since(start).Milliseconds(),
	})
	return nil, tokens, true
}

// recordBreaker maps a failed call's kind onto the breaker. Timeouts,
// transport errors and upstream 5xx count; cancellation and input faults
// only release a half-open probe slot.
func (d *Dispatcher) recordBreaker(b *circuitbreaker.Breaker, kind fault.Kind) {
	if fault.CountsAsCircuitFailure(kind) {
		b.RecordFailure()
		return
	}
	b.RecordNeutral()
}

func errEvent(fe *fault.Error, start time.Time) Event {
	return Event{
		Type:      EventError,
		Outcome:   fault.OutcomeForKind(fe.Kind),
		ElapsedMs: time.Since(start).Milliseconds(),
		Err:       fe,
	}
}
