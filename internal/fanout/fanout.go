// Package fanout executes several upstream calls concurrently and
// gathers their collected responses. Modes control how early the group
// stops: all waits for everyone, first_success and quorum cancel the
// stragglers once enough successes have arrived.
package fanout

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/dispatch"
	"github.com/jordanhubbard/modelmux/internal/fault"
	"github.com/jordanhubbard/modelmux/internal/provider"
)

// Mode selects the completion policy for a fan-out group.
type Mode string

const (
	// All awaits every call and returns every response, errors included.
	All Mode = "all"
	// FirstSuccess returns once any call succeeds; the rest are cancelled.
	FirstSuccess Mode = "first_success"
	// Quorum returns once K calls succeed; the rest are cancelled.
	Quorum Mode = "quorum"
)

// ValidMode reports whether m names a known mode.
func ValidMode(m Mode) bool {
	switch m {
	case All, FirstSuccess, Quorum:
		return true
	}
	return false
}

// Request is one leg of a fan-out group.
type Request struct {
	Provider catalog.Provider
	Model    string
	Prompt   string
	Params   provider.Params
}

// Result holds the collected responses. Responses[i] corresponds to the
// i-th request regardless of completion order; legs cancelled by an
// early-stopping mode carry a cancelled outcome.
type Result struct {
	Responses []dispatch.Response
	Successes int
}

// FanOut runs groups of dispatcher calls.
type FanOut struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// New creates a FanOut over the given dispatcher.
func New(d *dispatch.Dispatcher, logger *slog.Logger) *FanOut {
	return &FanOut{dispatcher: d, logger: logger}
}

// Run executes the requests concurrently under the given mode. quorum is
// only consulted for the Quorum mode and is clamped to [1, len(reqs)].
// The group inherits ctx's deadline; each leg additionally carries the
// dispatcher's per-call timeout. Run blocks until every leg has
// terminated so in-flight counters are settled when it returns.
func (f *FanOut) Run(ctx context.Context, reqs []Request, mode Mode, quorum int) (Result, error) {
	if len(reqs) == 0 {
		return Result{}, fault.New(fault.KindInvalidRequest, "fan-out requires at least one request")
	}
	if !ValidMode(mode) {
		return Result{}, fault.New(fault.KindInvalidRequest, "unknown fan-out mode %q", mode)
	}

	// needed is the success count that stops the group early. All never
	// stops early, so its threshold is unreachable.
	var needed int64
	switch mode {
	case FirstSuccess:
		needed = 1
	case Quorum:
		needed = int64(quorum)
		if needed < 1 {
			needed = 1
		}
		if needed > int64(len(reqs)) {
			needed = int64(len(reqs))
		}
	default:
		needed = int64(len(reqs)) + 1
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	responses := make([]dispatch.Response, len(reqs))
	var successes atomic.Int64

	g := new(errgroup.Group)
	for i, req := range reqs {
		g.Go(func() error {
			resp := f.dispatcher.Dispatch(gctx, req.Provider, req.Model, req.Prompt, req.Params).Collect()
			responses[i] = resp
			if resp.Outcome == fault.OutcomeSuccess {
				if successes.Add(1) >= needed {
					cancel()
				}
			} else if resp.Err != nil {
				f.logger.Debug("fan-out leg failed",
					slog.String("provider", req.Provider.ID),
					slog.String("kind", string(resp.Err.Kind)),
				)
			}
			return nil
		})
	}
	_ = g.Wait()

	return Result{
		Responses: responses,
		Successes: int(successes.Load()),
	}, nil
}
