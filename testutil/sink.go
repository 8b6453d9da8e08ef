package testutil

import (
	"sync"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

// RecordingSink records every span handed to it. It is safe for concurrent
// use.
type RecordingSink struct {
	mu    sync.Mutex
	spans []*types.SpanContext
}

// NewRecordingSink creates an empty sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Enqueue records item. Nil items are ignored.
func (s *RecordingSink) Enqueue(item *types.SpanContext) {
	if item == nil {
		return
	}
	s.mu.Lock()
	s.spans = append(s.spans, item)
	s.mu.Unlock()
}

// Spans returns a copy of the recorded spans in arrival order.
func (s *RecordingSink) Spans() []*types.SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.SpanContext(nil), s.spans...)
}

// Len returns the number of recorded spans.
func (s *RecordingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spans)
}

// Last returns the most recent span, or nil.
func (s *RecordingSink) Last() *types.SpanContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.spans) == 0 {
		return nil
	}
	return s.spans[len(s.spans)-1]
}

// Reset forgets all recorded spans.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	s.spans = nil
	s.mu.Unlock()
}
