package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jordanhubbard/modelmux/internal/catalog"
	"github.com/jordanhubbard/modelmux/internal/fault"
)

// SSEAdapter speaks the neutral modelmux upstream protocol: POST
// {"model","prompt","temperature","max_tokens","stream":true} to the
// endpoint URL, reading back an SSE stream of `data: {"text":...}` lines
// terminated by `data: [DONE]`. Vendor-specific wire formats are out of
// scope for the core; vendor adapters implement Adapter out of tree.
type SSEAdapter struct {
	id     string
	client *http.Client
}

// SSEOption configures an SSEAdapter.
type SSEOption func(*SSEAdapter)

// WithTimeout sets the HTTP client timeout. This is a transport-level
// ceiling; per-call deadlines come from the dispatcher's context.
func WithTimeout(d time.Duration) SSEOption {
	return func(a *SSEAdapter) {
		a.client.Timeout = d
	}
}

// NewSSE creates an adapter for the given provider ID.
func NewSSE(id string, opts ...SSEOption) *SSEAdapter {
	a := &SSEAdapter{
		id:     id,
		client: &http.Client{},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *SSEAdapter) ID() string { return a.id }

// invokePayload is the upstream request body.
type invokePayload struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Stream      bool    `json:"stream"`
}

// sseEvent is one upstream data payload.
type sseEvent struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	TotalTokens  int    `json:"total_tokens,omitempty"`
}

// Invoke opens the upstream stream. Cancellation of ctx aborts the
// underlying request and surfaces as a read error on the stream.
func (a *SSEAdapter) Invoke(ctx context.Context, endpoint catalog.Endpoint, model, prompt string, params Params) (TokenStream, error) {
	payload := invokePayload{
		Model:       model,
		Prompt:      prompt,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Stream:      true,
	}
	body, err := DoStreamRequest(ctx, a.client, endpoint.URL, payload, nil)
	if err != nil {
		return nil, err
	}
	return &sseStream{
		body:    body,
		scanner: bufio.NewScanner(body),
	}, nil
}

// ClassifyError delegates to the shared HTTP classifier.
func (a *SSEAdapter) ClassifyError(err error) fault.Kind {
	return ClassifyHTTPError(err)
}

// sseStream reads `data:` lines off an SSE body.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	done    bool
}

func (s *sseStream) Recv() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.done = true
			return Chunk{Done: true}, nil
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Skip malformed keep-alives and comments.
			continue
		}
		if ev.FinishReason != "" {
			s.done = true
			return Chunk{
				Done:         true,
				Text:         ev.Text,
				FinishReason: ev.FinishReason,
				TotalTokens:  ev.TotalTokens,
			}, nil
		}
		return Chunk{Text: ev.Text}, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, err
	}
	// Upstream closed without a [DONE]; treat as a clean end of stream.
	s.done = true
	return Chunk{Done: true}, nil
}

func (s *sseStream) Close() error {
	return s.body.Close()
}
