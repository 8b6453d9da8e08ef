package spanqueue

import "github.com/asymetry-ai/asymetry-sdk/types"

// Sink is the producer side of the queue. Producers depend on Sink so tests
// and disabled configurations can substitute it.
type Sink interface {
	Enqueue(item *types.SpanContext)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(item *types.SpanContext)

func (f SinkFunc) Enqueue(item *types.SpanContext) {
	f(item)
}

// Discard is a Sink that drops everything.
var Discard Sink = SinkFunc(func(*types.SpanContext) {})
