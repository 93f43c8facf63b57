package fanout

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jordanhubbard/modelmux/internal/balance"
	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/circuitbreaker"
	"github.com/jordanhubbard/modelmux/internal/dispatch"
	"github.com/jordanhubbard/modelmux/internal/fault"
	"github.com/jordanhubbard/modelmux/internal/health"
	"github.com/jordanhubbard/modelmux/internal/provider"
)

type fakeStream struct {
	ctx    context.Context
	chunks []provider.Chunk
	i      int
	delay  time.Duration
}

func (s *fakeStream) Recv() (provider.Chunk, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return provider.Chunk{}, s.ctx.Err()
		}
	}
	if s.i >= len(s.chunks) {
		return provider.Chunk{}, io.EOF
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

func (s *fakeStream) Close() error { return nil }

type fakeAdapter struct {
	id        string
	chunks    []provider.Chunk
	delay     time.Duration
	invokeErr error
}

func (a *fakeAdapter) ID() string { return a.id }

func (a *fakeAdapter) Invoke(ctx context.Context, _ catalog.Endpoint, _, _ string, _ provider.Params) (provider.TokenStream, error) {
	if a.invokeErr != nil {
		return nil, a.invokeErr
	}
	return &fakeStream{ctx: ctx, chunks: a.chunks, delay: a.delay}, nil
}

func (a *fakeAdapter) ClassifyError(err error) fault.Kind {
	return provider.ClassifyHTTPError(err)
}

func textChunks(words ...string) []provider.Chunk {
	chunks := make([]provider.Chunk, 0, len(words)+1)
	for _, w := range words {
		chunks = append(chunks, provider.Chunk{Text: w})
	}
	return append(chunks, provider.Chunk{Done: true})
}

func testProvider(id string) catalog.Provider {
	return catalog.Provider{
		ID:        id,
		Name:      id,
		Models:    []catalog.Model{{ID: id + "-m", ProviderID: id}},
		Endpoints: []catalog.Endpoint{{ID: "ep1", URL: "http://" + id}},
		Enabled:   true,
	}
}

func newTestFanOut(t *testing.T, adapters ...provider.Adapter) *FanOut {
	t.Helper()
	reg := provider.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	tracker := health.NewTracker(health.Config{})
	balancer := balance.New(tracker, 1)
	breakers := circuitbreaker.NewSet()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := dispatch.New(dispatch.Config{}, reg, balancer, tracker, breakers, logger)
	return New(d, logger)
}

func requestFor(id string) Request {
	p := testProvider(id)
	return Request{Provider: p, Model: p.DefaultModel(), Prompt: "hi"}
}

func TestRunAllPreservesOrder(t *testing.T) {
	f := newTestFanOut(t,
		&fakeAdapter{id: "alpha", chunks: textChunks("a1 ", "a2"), delay: 20 * time.Millisecond},
		&fakeAdapter{id: "beta", chunks: textChunks("b1")},
	)
	res, err := f.Run(context.Background(), []Request{requestFor("alpha"), requestFor("beta")}, All, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(res.Responses))
	}
	if res.Responses[0].ProviderID != "alpha" || res.Responses[1].ProviderID != "beta" {
		t.Fatalf("response order must follow request order, got %q then %q",
			res.Responses[0].ProviderID, res.Responses[1].ProviderID)
	}
	if res.Successes != 2 {
		t.Fatalf("expected 2 successes, got %d", res.Successes)
	}
	if res.Responses[0].Text != "a1 a2" {
		t.Errorf("unexpected text %q", res.Responses[0].Text)
	}
}

func TestRunAllIncludesFailedLegs(t *testing.T) {
	f := newTestFanOut(t,
		&fakeAdapter{id: "good", chunks: textChunks("ok")},
		&fakeAdapter{id: "bad", invokeErr: &provider.StatusError{StatusCode: 500, Body: "boom"}},
	)
	res, err := f.Run(context.Background(), []Request{requestFor("good"), requestFor("bad")}, All, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Successes != 1 {
		t.Fatalf("expected 1 success, got %d", res.Successes)
	}
	failed := res.Responses[1]
	if failed.Err == nil || failed.Err.Kind != fault.KindUpstream5xx {
		t.Fatalf("expected upstream_5xx on the failed leg, got %+v", failed.Err)
	}
}

func TestRunFirstSuccessCancelsStragglers(t *testing.T) {
	f := newTestFanOut(t,
		&fakeAdapter{id: "fast", chunks: textChunks("quick")},
		&fakeAdapter{id: "slow", chunks: textChunks("late"), delay: 10 * time.Second},
	)
	start := time.Now()
	res, err := f.Run(context.Background(), []Request{requestFor("fast"), requestFor("slow")}, FirstSuccess, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("first_success took %v, straggler was not cancelled", elapsed)
	}
	if res.Successes != 1 {
		t.Fatalf("expected 1 success, got %d", res.Successes)
	}
	if res.Responses[0].Outcome != fault.OutcomeSuccess {
		t.Fatalf("fast leg should succeed, got %q", res.Responses[0].Outcome)
	}
	if res.Responses[1].Outcome != fault.OutcomeCancelled {
		t.Fatalf("slow leg should be cancelled, got %q", res.Responses[1].Outcome)
	}
}

func TestRunQuorumStopsAtK(t *testing.T) {
	f := newTestFanOut(t,
		&fakeAdapter{id: "q1", chunks: textChunks("one")},
		&fakeAdapter{id: "q2", chunks: textChunks("two")},
		&fakeAdapter{id: "q3", chunks: textChunks("three"), delay: 10 * time.Second},
	)
	start := time.Now()
	res, err := f.Run(context.Background(),
		[]Request{requestFor("q1"), requestFor("q2"), requestFor("q3")}, Quorum, 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("quorum took %v, straggler was not cancelled", elapsed)
	}
	if res.Successes < 2 {
		t.Fatalf("expected at least 2 successes, got %d", res.Successes)
	}
	if res.Responses[2].Outcome != fault.OutcomeCancelled {
		t.Fatalf("third leg should be cancelled, got %q", res.Responses[2].Outcome)
	}
}

func TestRunRejectsEmptyAndUnknownMode(t *testing.T) {
	f := newTestFanOut(t)
	if _, err := f.Run(context.Background(), nil, All, 0); fault.KindOf(err) != fault.KindInvalidRequest {
		t.Fatalf("empty request list: expected invalid_request, got %v", err)
	}
	if _, err := f.Run(context.Background(), []Request{requestFor("x")}, Mode("bogus"), 0); fault.KindOf(err) != fault.KindInvalidRequest {
		t.Fatalf("unknown mode: expected invalid_request, got %v", err)
	}
}

func TestRunGroupDeadline(t *testing.T) {
	f := newTestFanOut(t,
		&fakeAdapter{id: "stuck", chunks: textChunks("never"), delay: 10 * time.Second},
	)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	res, err := f.Run(ctx, []Request{requestFor("stuck")}, All, 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Successes != 0 {
		t.Fatalf("expected 0 successes, got %d", res.Successes)
	}
	out := res.Responses[0].Outcome
	if out != fault.OutcomeCancelled && out != fault.OutcomeTimeout {
		t.Fatalf("expected cancelled or timeout outcome, got %q", out)
	}
}
