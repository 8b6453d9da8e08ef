// Package stream reconstructs a complete LLM response from the incremental
// events of a streaming call and records it as exactly one span.
package stream

// EventKind classifies a normalized stream event. Provider adapters map
// their wire chunks onto these kinds.
type EventKind int

const (
	// EventMessageStart carries provider ids and, for some providers, the
	// input token count.
	EventMessageStart EventKind = iota + 1
	// EventContentDelta appends Text to output slot Index.
	EventContentDelta
	// EventToolCallDelta appends name or argument fragments to the tool call
	// at Index.
	EventToolCallDelta
	// EventToolCallStop marks the tool call at Index complete.
	EventToolCallStop
	// EventUsage reports token counts. Later reports overwrite earlier ones
	// field by field.
	EventUsage
	// EventStop records the finish reason of output slot Index. It is not
	// terminal: usage may still follow.
	EventStop
	// EventDone is the provider's explicit end of stream.
	EventDone
	// EventError reports a provider error inside the stream.
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventMessageStart:
		return "message_start"
	case EventContentDelta:
		return "content_delta"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventToolCallStop:
		return "tool_call_stop"
	case EventUsage:
		return "usage"
	case EventStop:
		return "stop"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	}
	return "unknown"
}

// Terminal reports whether the event ends the stream.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventError
}

// Usage holds reported token counts; nil fields were not reported.
type Usage struct {
	InputTokens  *int
	OutputTokens *int
	TotalTokens  *int
}

// Count returns a pointer to n for building Usage literals.
func Count(n int) *int {
	return &n
}

// Event is one normalized stream event.
type Event struct {
	Kind  EventKind
	Index int

	// EventMessageStart
	ResponseID string
	Model      string

	// EventContentDelta
	Text string

	// EventToolCallDelta
	ToolCallID string
	ToolName   string
	Arguments  string

	// EventMessageStart and EventUsage
	Usage Usage

	// EventStop
	FinishReason string

	// EventError
	Err error
}
