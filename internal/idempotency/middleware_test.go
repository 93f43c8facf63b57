package idempotency

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Middleware HTTP tests
// ---------------------------------------------------------------------------

func postComplete(body string) *http.Request {
	return httptest.NewRequest(http.MethodPost, "/v1/complete", strings.NewReader(body))
}

// TestMiddleware_NoIdempotencyKeyHeader verifies that a request without an
// Idempotency-Key header passes through to the handler normally with no
// caching side-effects.
func TestMiddleware_NoIdempotencyKeyHeader(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var callCount int
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, postComplete(`{"prompt":"hi"}`))

	if callCount != 1 {
		t.Fatalf("expected handler called once, got %d", callCount)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != `{"status":"ok"}` {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
	if rec.Header().Get("Idempotency-Replay") != "" {
		t.Fatal("should not have Idempotency-Replay header when no key is provided")
	}

	// A second request without a key should also pass through (no caching).
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, postComplete(`{"prompt":"hi"}`))

	if callCount != 2 {
		t.Fatalf("expected handler called twice (no caching without key), got %d", callCount)
	}
}

// TestMiddleware_FirstRequestWithKey verifies that the first request carrying
// an Idempotency-Key header passes through to the handler with its body
// intact, and that the response is cached with the body's digest.
func TestMiddleware_FirstRequestWithKey(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var callCount int
	var seenBody string
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		b, _ := io.ReadAll(r.Body)
		seenBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"cmp_123"}`))
	}))

	req := postComplete(`{"prompt":"write a haiku"}`)
	req.Header.Set("Idempotency-Key", "first-key-001")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if callCount != 1 {
		t.Fatalf("expected handler called once, got %d", callCount)
	}
	if seenBody != `{"prompt":"write a haiku"}` {
		t.Fatalf("handler must see the full request body, got %q", seenBody)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec.Header().Get("Idempotency-Replay") != "" {
		t.Fatal("first request should not have Idempotency-Replay header")
	}

	cached, ok := c.Get("first-key-001")
	if !ok {
		t.Fatal("expected cache record for first-key-001")
	}
	if string(cached.Body) != `{"id":"cmp_123"}` {
		t.Fatalf("cached body mismatch: %s", cached.Body)
	}
	if cached.StatusCode != http.StatusCreated {
		t.Fatalf("cached status mismatch: %d", cached.StatusCode)
	}
	if cached.BodyDigest != Digest([]byte(`{"prompt":"write a haiku"}`)) {
		t.Fatal("cached record must carry the request body digest")
	}
}

// TestMiddleware_DuplicateRequestReturnsCached verifies that a second request
// with the same Idempotency-Key and the same body replays the cached
// response, does NOT invoke the handler again, and sets the
// Idempotency-Replay: true header.
func TestMiddleware_DuplicateRequestReturnsCached(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var callCount int
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Request-Id", "original-req")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"cmp_456"}`))
	}))

	// First request -- handler executes.
	req1 := postComplete(`{"prompt":"hi"}`)
	req1.Header.Set("Idempotency-Key", "dup-key-001")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	if callCount != 1 {
		t.Fatalf("expected handler called once, got %d", callCount)
	}

	// Duplicate request -- handler must NOT execute again.
	req2 := postComplete(`{"prompt":"hi"}`)
	req2.Header.Set("Idempotency-Key", "dup-key-001")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if callCount != 1 {
		t.Fatalf("expected handler NOT called again, got %d calls", callCount)
	}
	if rec2.Code != http.StatusCreated {
		t.Fatalf("expected cached status 201, got %d", rec2.Code)
	}
	body2, _ := io.ReadAll(rec2.Result().Body)
	if string(body2) != `{"id":"cmp_456"}` {
		t.Fatalf("unexpected cached body: %s", body2)
	}
	if rec2.Header().Get("Idempotency-Replay") != "true" {
		t.Fatal("replayed response must have Idempotency-Replay: true")
	}
	if rec2.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected cached Content-Type, got: %s", rec2.Header().Get("Content-Type"))
	}
	if rec2.Header().Get("X-Request-Id") != "original-req" {
		t.Fatalf("expected cached X-Request-Id, got: %s", rec2.Header().Get("X-Request-Id"))
	}
}

// TestMiddleware_KeyReuseWithDifferentBodyRejected verifies that reusing an
// Idempotency-Key with a different request body is rejected with 422 instead
// of replaying the completion produced for a different prompt.
func TestMiddleware_KeyReuseWithDifferentBodyRejected(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var callCount int
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"text":"haiku about rivers"}`))
	}))

	req1 := postComplete(`{"prompt":"haiku about rivers"}`)
	req1.Header.Set("Idempotency-Key", "reused-key")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	// Same key, different prompt.
	req2 := postComplete(`{"prompt":"summarize this contract"}`)
	req2.Header.Set("Idempotency-Key", "reused-key")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if callCount != 1 {
		t.Fatalf("expected handler called once, got %d", callCount)
	}
	if rec2.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for key reuse with different body, got %d", rec2.Code)
	}
	if rec2.Header().Get("Idempotency-Replay") != "" {
		t.Fatal("a rejected reuse must not be marked as a replay")
	}
	if !strings.Contains(rec2.Body.String(), "invalid_request") {
		t.Fatalf("expected an invalid_request error envelope, got: %s", rec2.Body.String())
	}

	// The original record stays intact and still replays for the original body.
	req3 := postComplete(`{"prompt":"haiku about rivers"}`)
	req3.Header.Set("Idempotency-Key", "reused-key")
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, req3)
	if rec3.Header().Get("Idempotency-Replay") != "true" {
		t.Fatal("original body must still replay after a rejected reuse")
	}
}

// TestMiddleware_UpstreamFailureNotCached verifies that 5xx responses are not
// stored, so a retried request with the same key dispatches again.
func TestMiddleware_UpstreamFailureNotCached(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var callCount int
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		if callCount == 1 {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"kind":"upstream_5xx","message":"bad gateway"}}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"text":"recovered"}`))
	}))

	req1 := postComplete(`{"prompt":"hi"}`)
	req1.Header.Set("Idempotency-Key", "retry-key")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 from first attempt, got %d", rec1.Code)
	}

	// Retry with the same key and body must reach the handler again.
	req2 := postComplete(`{"prompt":"hi"}`)
	req2.Header.Set("Idempotency-Key", "retry-key")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if callCount != 2 {
		t.Fatalf("expected handler called twice (5xx not cached), got %d", callCount)
	}
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 from retry, got %d", rec2.Code)
	}
	if rec2.Header().Get("Idempotency-Replay") != "" {
		t.Fatal("a fresh retry must not be marked as a replay")
	}
}

// TestMiddleware_DifferentKeysGetSeparateResponses verifies that requests with
// different idempotency keys each execute the handler independently and cache
// their own responses.
func TestMiddleware_DifferentKeysGetSeparateResponses(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var callCount int
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"call":` + string(rune('0'+callCount)) + `}`))
	}))

	req1 := postComplete(`{"prompt":"hi"}`)
	req1.Header.Set("Idempotency-Key", "key-a")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	req2 := postComplete(`{"prompt":"hi"}`)
	req2.Header.Set("Idempotency-Key", "key-b")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if callCount != 2 {
		t.Fatalf("expected handler called twice for different keys, got %d", callCount)
	}

	// Replay key-a -- handler must not be called.
	req3 := postComplete(`{"prompt":"hi"}`)
	req3.Header.Set("Idempotency-Key", "key-a")
	rec3 := httptest.NewRecorder()
	handler.ServeHTTP(rec3, req3)

	if callCount != 2 {
		t.Fatalf("expected handler NOT called again for key-a replay, got %d", callCount)
	}
	if rec3.Header().Get("Idempotency-Replay") != "true" {
		t.Fatal("replayed key-a response should have Idempotency-Replay: true")
	}

	// Replay key-b -- handler must not be called.
	req4 := postComplete(`{"prompt":"hi"}`)
	req4.Header.Set("Idempotency-Key", "key-b")
	rec4 := httptest.NewRecorder()
	handler.ServeHTTP(rec4, req4)

	if callCount != 2 {
		t.Fatalf("expected handler NOT called again for key-b replay, got %d", callCount)
	}
	if rec4.Header().Get("Idempotency-Replay") != "true" {
		t.Fatal("replayed key-b response should have Idempotency-Replay: true")
	}
}

// TestMiddleware_ResponseBodyAndStatusPreserved verifies that a cached replay
// returns exactly the same status code, body, and headers as the original
// response.
func TestMiddleware_ResponseBodyAndStatusPreserved(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	const wantStatus = http.StatusAccepted
	const wantBody = `{"result":"created","count":42}`
	const wantContentType = "application/json; charset=utf-8"

	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", wantContentType)
		w.Header().Set("X-Custom", "custom-value")
		w.WriteHeader(wantStatus)
		_, _ = w.Write([]byte(wantBody))
	}))

	// Original request.
	req1 := postComplete(`{"prompt":"hi"}`)
	req1.Header.Set("Idempotency-Key", "preserve-test")
	rec1 := httptest.NewRecorder()
	handler.ServeHTTP(rec1, req1)

	// Replayed request.
	req2 := postComplete(`{"prompt":"hi"}`)
	req2.Header.Set("Idempotency-Key", "preserve-test")
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)

	if rec2.Code != wantStatus {
		t.Fatalf("status: want %d, got %d", wantStatus, rec2.Code)
	}
	body2, _ := io.ReadAll(rec2.Result().Body)
	if string(body2) != wantBody {
		t.Fatalf("body: want %q, got %q", wantBody, string(body2))
	}
	if got := rec2.Header().Get("Content-Type"); got != wantContentType {
		t.Fatalf("Content-Type: want %q, got %q", wantContentType, got)
	}
	if got := rec2.Header().Get("X-Custom"); got != "custom-value" {
		t.Fatalf("X-Custom: want %q, got %q", "custom-value", got)
	}
	if rec2.Header().Get("Idempotency-Replay") != "true" {
		t.Fatal("replayed response must have Idempotency-Replay: true")
	}
}

// TestMiddleware_ConcurrentRequestsSameKey verifies that concurrent requests
// sharing the same idempotency key do not race and that subsequent replays
// return the cached response. Run with -race to detect data races.
func TestMiddleware_ConcurrentRequestsSameKey(t *testing.T) {
	c := New(time.Minute, 100)
	defer c.Stop()

	var handlerCalls atomic.Int64
	handler := Middleware(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"concurrent"}`))
	}))

	const goroutines = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			req := postComplete(`{"prompt":"hi"}`)
			req.Header.Set("Idempotency-Key", "concurrent-key")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			// Every response must have status 201 and the correct body,
			// regardless of whether it was served fresh or from cache.
			if rec.Code != http.StatusCreated {
				t.Errorf("expected 201, got %d", rec.Code)
			}
			body, _ := io.ReadAll(rec.Result().Body)
			if string(body) != `{"id":"concurrent"}` {
				t.Errorf("unexpected body: %s", body)
			}
		}()
	}

	wg.Wait()

	// The handler must have been invoked at least once (it may be more than
	// once due to the race between Get and Put not being atomic, which is
	// acceptable for idempotency caches). Critically, the race detector must
	// not report any data races.
	calls := handlerCalls.Load()
	if calls < 1 {
		t.Fatalf("expected handler called at least once, got %d", calls)
	}
	t.Logf("handler invoked %d time(s) across %d concurrent requests", calls, goroutines)
}
