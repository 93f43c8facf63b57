package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/modelmux/internal/dispatch"
	"github.com/jordanhubbard/modelmux/internal/engine"
	"github.com/jordanhubbard/modelmux/internal/fault"
	"github.com/jordanhubbard/modelmux/internal/provider"
)

type tokenEvent struct {
	Text string `json:"text"`
}

type endEvent struct {
	Outcome     fault.Outcome `json:"outcome"`
	TotalTokens int           `json:"total_tokens"`
	ElapsedMs   int64         `json:"elapsed_ms"`
}

type errorEvent struct {
	Kind    fault.Kind `json:"kind"`
	Message string     `json:"message"`
}

// StreamHandler serves POST /v1/stream: tokens from a single selected
// provider as SSE events. The stream carries token events followed by
// exactly one end or error event. Client disconnect cancels the
// upstream call through the request context.
func StreamHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		var req engine.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		ctx := provider.WithRequestID(r.Context(), middleware.GetReqID(r.Context()))
		s, err := d.Engine.Stream(ctx, req)
		if err != nil {
			faultError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Provider", s.ProviderID)
		w.Header().Set("X-Model", s.ModelID)
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		for e := range s.Events() {
			switch e.Type {
			case dispatch.EventToken:
				writeSSE(w, flusher, "token", tokenEvent{Text: e.Text})
			case dispatch.EventEnd:
				writeSSE(w, flusher, "end", endEvent{
					Outcome:     e.Outcome,
					TotalTokens: e.TotalTokens,
					ElapsedMs:   e.ElapsedMs,
				})
			case dispatch.EventError:
				writeSSE(w, flusher, "error", errorEvent{
					Kind:    e.Err.Kind,
					Message: e.Err.Message,
				})
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
