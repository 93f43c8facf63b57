// Package provider defines the adapter contract the core consumes.
// Concrete vendor adapters live outside the core; the package also ships
// shared HTTP/SSE plumbing and a neutral adapter for endpoints that speak
// modelmux's own upstream protocol.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/fault"
)

// Params are the decoding parameters forwarded to the upstream model.
type Params struct {
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Chunk is one unit received from an upstream token stream. Done marks
// the end-of-stream chunk, which may carry finish metadata and no text.
type Chunk struct {
	Text         string
	Done         bool
	FinishReason string
	TotalTokens  int
}

// TokenStream iterates chunks from an upstream call. Recv returns io.EOF
// after the Done chunk has been delivered. Implementations must honor
// cancellation of the context passed to Invoke.
type TokenStream interface {
	Recv() (Chunk, error)
	Close() error
}

// Adapter is the pluggable upstream capability. Adapters must honor the
// deadline and cancellation on ctx, and must return errors classifiable
// by ClassifyError into the core taxonomy.
type Adapter interface {
	ID() string
	Invoke(ctx context.Context, endpoint catalog.Endpoint, model, prompt string, params Params) (TokenStream, error)
	ClassifyError(err error) fault.Kind
}

// StatusError captures an HTTP status code from an upstream response.
// Adapters return it so error classification can inspect the status.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value when it is a plain
// number of seconds.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}

// ClassifyHTTPError maps transport and status errors onto the core
// taxonomy. Adapters built on the package's HTTP helpers can delegate
// their ClassifyError to it.
func ClassifyHTTPError(err error) fault.Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fault.KindTimeout
	case errors.Is(err, context.Canceled):
		return fault.KindCancelled
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode >= 500:
			return fault.KindUpstream5xx
		case se.StatusCode == 400 || se.StatusCode == 422:
			return fault.KindInvalidRequest
		case se.StatusCode >= 400:
			return fault.KindUpstream4xx
		}
	}
	return fault.KindTransport
}

// Registry maps provider IDs to their adapters. Registration typically
// happens at boot, but the registry is safe for concurrent use so
// adapters can be swapped alongside catalog updates.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its own ID, replacing any previous one.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.ID()] = a
}

// Get returns the adapter for a provider ID.
func (r *Registry) Get(providerID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[providerID]
	return a, ok
}

// IDs lists registered provider IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	return out
}

// Len returns the number of registered adapters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
