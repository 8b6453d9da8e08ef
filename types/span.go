package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// SpanType classifies the unit of work a span records.
type SpanType string

const (
	SpanTypeGeneration SpanType = "generation"
	SpanTypeAgent      SpanType = "agent"
	SpanTypeTool       SpanType = "tool"
	SpanTypeGuardrail  SpanType = "guardrail"
	SpanTypeCustom     SpanType = "custom"
	SpanTypeWorkflow   SpanType = "workflow"
	SpanTypeInternal   SpanType = "internal"
	SpanTypeClient     SpanType = "client"
	SpanTypeServer     SpanType = "server"
)

// Valid reports whether t is one of the known span types.
func (t SpanType) Valid() bool {
	switch t {
	case SpanTypeGeneration, SpanTypeAgent, SpanTypeTool, SpanTypeGuardrail, SpanTypeCustom,
		SpanTypeWorkflow, SpanTypeInternal, SpanTypeClient, SpanTypeServer:
		return true
	}
	return false
}

// Status is the outcome of a span or request.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusError      Status = "error"
	StatusInProgress Status = "in_progress"
)

// Attribute is a single key/value pair. Value is a scalar or any
// JSON-serializable structure.
type Attribute struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// Attr is shorthand for building an Attribute.
func Attr(key string, value any) Attribute {
	return Attribute{Key: key, Value: value}
}

// Attributes is an insertion-ordered attribute map. Setting an existing key
// replaces its value in place and keeps its original position.
type Attributes []Attribute

// Set adds or replaces key.
func (a *Attributes) Set(key string, value any) {
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Attribute{Key: key, Value: value})
}

// Get returns the value stored under key.
func (a Attributes) Get(key string) (any, bool) {
	for _, kv := range a {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return nil, false
}

// Keys returns the keys in insertion order.
func (a Attributes) Keys() []string {
	keys := make([]string, len(a))
	for i, kv := range a {
		keys[i] = kv.Key
	}
	return keys
}

// Clone returns a shallow copy that can be modified independently.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	out := make(Attributes, len(a))
	copy(out, a)
	return out
}

// MarshalJSON encodes the attributes as a JSON object in insertion order.
func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", kv.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object keeping the document's key order.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*a = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("attributes: expected object, got %v", tok)
	}
	out := Attributes{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("attributes: expected string key, got %v", tok)
		}
		var val any
		if err := dec.Decode(&val); err != nil {
			return fmt.Errorf("attribute %q: %w", key, err)
		}
		out = append(out, Attribute{Key: key, Value: val})
	}
	*a = out
	return nil
}

// Event is a timestamped annotation on a span.
type Event struct {
	Name       string     `json:"name"`
	Timestamp  time.Time  `json:"timestamp"`
	Attributes Attributes `json:"attributes,omitempty"`
}

// Span is one timed unit of work. Times carry Go's monotonic reading when
// produced by time.Now, so durations are immune to wall-clock jumps.
type Span struct {
	TraceID      string     `json:"trace_id"`
	SpanID       string     `json:"span_id"`
	ParentSpanID string     `json:"parent_span_id,omitempty"`
	Name         string     `json:"name"`
	Type         SpanType   `json:"span_type"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      time.Time  `json:"end_time"`
	Status       Status     `json:"status"`
	Attributes   Attributes `json:"attributes,omitempty"`
	Events       []Event    `json:"events,omitempty"`
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool {
	return s.ParentSpanID == ""
}

// Duration returns EndTime - StartTime, or zero while the span is open.
func (s *Span) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// Validate checks the invariants a finalized span must satisfy.
func (s *Span) Validate() error {
	if s.TraceID == "" || s.SpanID == "" {
		return NewError(ErrInvalidSpan, "span is missing trace or span id")
	}
	if !s.Type.Valid() {
		return NewError(ErrInvalidSpan, fmt.Sprintf("unknown span type %q", s.Type))
	}
	if s.Status != StatusInProgress && s.EndTime.Before(s.StartTime) {
		return NewError(ErrInvalidSpan, "span ends before it starts")
	}
	return nil
}
