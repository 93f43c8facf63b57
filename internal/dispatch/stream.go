package dispatch

import (
	"context"

	"github.com/jordanhubbard/modelmux/internal/fault"
)

// EventType identifies a stream event.
type EventType string

const (
	// EventToken carries a text fragment from the upstream model.
	EventToken EventType = "token"
	// EventEnd terminates the stream with the call's final outcome.
	EventEnd EventType = "end"
	// EventError terminates the stream with a structured error.
	EventError EventType = "error"
)

// Event is a single item on a token stream. Token events carry Text; the
// terminal end/error event carries the outcome, totals and any error.
type Event struct {
	Type        EventType     `json:"type"`
	Text        string        `json:"text,omitempty"`
	Outcome     fault.Outcome `json:"outcome,omitempty"`
	TotalTokens int           `json:"total_tokens,omitempty"`
	ElapsedMs   int64         `json:"elapsed_ms,omitempty"`
	Err         *fault.Error  `json:"-"`
}

// Stream delivers upstream tokens to a caller in arrival order, followed
// by exactly one terminal event (end or error), after which the channel
// is closed.
type Stream struct {
	ProviderID string
	ModelID    string
	EndpointID string

	ctx    context.Context
	events chan Event
}

func newStream(ctx context.Context, providerID, modelID string) *Stream {
	return &Stream{
		ProviderID: providerID,
		ModelID:    modelID,
		ctx:        ctx,
		events:     make(chan Event, 16),
	}
}

// Events returns the receive side of the stream.
func (s *Stream) Events() <-chan Event { return s.events }

// emit delivers an event; the dispatcher goroutine is the only sender.
// A send never outlives the call's context, so an abandoned stream
// cannot block the dispatcher.
func (s *Stream) emit(e Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
	}
}

// finish sends the terminal event and closes the stream. When the call's
// context is already cancelled the terminal event is delivered on a
// best-effort basis; Collect treats a close without a terminal event as
// cancellation.
func (s *Stream) finish(e Event) {
	select {
	case s.events <- e:
	case <-s.ctx.Done():
		select {
		case s.events <- e:
		default:
		}
	}
	close(s.events)
}

// Response is a fully collected upstream result.
type Response struct {
	Text       string        `json:"text"`
	ProviderID string        `json:"provider_id"`
	ModelID    string        `json:"model_id"`
	Tokens     int           `json:"tokens"`
	ElapsedMs  int64         `json:"elapsed_ms"`
	Outcome    fault.Outcome `json:"outcome"`
	Quality    float64       `json:"quality"`
	Err        *fault.Error  `json:"-"`
}

// Collect drains the stream into a Response. It blocks until the stream's
// terminal event arrives; cancellation is driven by the dispatcher, which
// always terminates the stream.
func (s *Stream) Collect() Response {
	resp := Response{ProviderID: s.ProviderID, ModelID: s.ModelID}
	var text []byte
	tokens := 0
	for e := range s.events {
		switch e.Type {
		case EventToken:
			text = append(text, e.Text...)
			tokens++
		case EventEnd:
			resp.Outcome = e.Outcome
			resp.ElapsedMs = e.ElapsedMs
			if e.TotalTokens > 0 {
				tokens = e.TotalTokens
			}
		case EventError:
			resp.Outcome = e.Outcome
			resp.ElapsedMs = e.ElapsedMs
			resp.Err = e.Err
		}
	}
	resp.Text = string(text)
	resp.Tokens = tokens
	if resp.Outcome == "" {
		// Stream closed without a terminal event: the call's context was
		// cancelled while the terminal send was dropped.
		resp.Outcome = fault.OutcomeCancelled
		resp.Err = fault.New(fault.KindCancelled, "stream abandoned before terminal event")
	}
	return resp
}
