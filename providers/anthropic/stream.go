package anthropic

import (
	"encoding/json"
	"fmt"

	"github.com/asymetry-ai/asymetry-sdk/providers"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// EventStream decodes Messages API events from an SSE body.
type EventStream struct {
	sse *providers.SSEReader
	cur StreamEvent
	err error
}

// NewEventStream reads events from sse.
func NewEventStream(sse *providers.SSEReader) *EventStream {
	return &EventStream{sse: sse}
}

// Next advances to the next event. Error events are delivered to the caller
// like any other event; the stream ends after them.
func (s *EventStream) Next() bool {
	if s.err != nil || s.cur.Type == "error" || !s.sse.Next() {
		return false
	}
	var ev StreamEvent
	if err := json.Unmarshal(s.sse.Current().Data, &ev); err != nil {
		s.err = types.NewError(types.ErrStreamInterrupted, fmt.Sprintf("decode event: %v", err)).
			WithCause(err).
			WithProvider(string(types.ProviderAnthropic))
		return false
	}
	if ev.Type == "" {
		ev.Type = s.sse.Current().Event
	}
	s.cur = ev
	return true
}

// Current returns the event Next advanced to.
func (s *EventStream) Current() StreamEvent {
	return s.cur
}

// Err returns the decode, transport or in-band error that ended the stream.
func (s *EventStream) Err() error {
	if s.err != nil {
		return s.err
	}
	if err := s.sse.Err(); err != nil {
		return types.NewError(types.ErrStreamInterrupted, err.Error()).
			WithCause(err).
			WithProvider(string(types.ProviderAnthropic))
	}
	if s.cur.Type == "error" {
		return streamError(s.cur.Error)
	}
	return nil
}

// Close releases the response body.
func (s *EventStream) Close() error {
	return s.sse.Close()
}
