// Package tracing records application spans around arbitrary code. Spans
// nest through context.Context: a span started from a context that already
// carries one becomes its child, and provider calls made with that context
// are linked to it.
package tracing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/spanqueue"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// Attribute keys set by the tracer.
const (
	AttrArgs         = "args"
	AttrErrorMessage = "error.message"
	AttrErrorType    = "error.type"
)

type activeSpanKey struct{}

// Tracer starts spans and hands finished ones to a sink. A nil *Tracer is
// valid and records nothing.
type Tracer struct {
	sink   spanqueue.Sink
	logger *zap.Logger
	now    func() time.Time
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) TracerOption {
	return func(t *Tracer) { t.now = now }
}

// NewTracer creates a Tracer.
func NewTracer(sink spanqueue.Sink, logger *zap.Logger, opts ...TracerOption) *Tracer {
	if sink == nil {
		sink = spanqueue.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracer{
		sink:   sink,
		logger: logger.With(zap.String("component", "tracer")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type startConfig struct {
	spanType types.SpanType
	attrs    types.Attributes
	args     []any
}

// StartOption configures a span at start.
type StartOption func(*startConfig)

// WithSpanType sets the span type. Defaults to custom.
func WithSpanType(t types.SpanType) StartOption {
	return func(c *startConfig) { c.spanType = t }
}

// WithKind sets the span type from a kind name: internal, client or server.
// Unknown kinds are ignored.
func WithKind(kind string) StartOption {
	return func(c *startConfig) {
		switch types.SpanType(kind) {
		case types.SpanTypeInternal, types.SpanTypeClient, types.SpanTypeServer:
			c.spanType = types.SpanType(kind)
		}
	}
}

// WithAttributes sets initial attributes.
func WithAttributes(attrs ...types.Attribute) StartOption {
	return func(c *startConfig) {
		for _, kv := range attrs {
			c.attrs.Set(kv.Key, kv.Value)
		}
	}
}

// WithArgs records args as a JSON attribute.
func WithArgs(args ...any) StartOption {
	return func(c *startConfig) { c.args = args }
}

// WithRemoteParent returns a context whose spans continue a trace started
// elsewhere.
func WithRemoteParent(ctx context.Context, traceID, spanID string) context.Context {
	return types.WithSpanID(types.WithTraceID(ctx, traceID), spanID)
}

// Start opens a span named name. The returned context carries it.
func (t *Tracer) Start(ctx context.Context, name string, opts ...StartOption) (context.Context, *ActiveSpan) {
	if t == nil {
		return ctx, nil
	}
	cfg := startConfig{spanType: types.SpanTypeCustom}
	for _, opt := range opts {
		opt(&cfg)
	}

	traceID, ok := types.TraceID(ctx)
	if !ok {
		traceID = types.NewTraceID()
	}
	parent, _ := types.SpanID(ctx)

	attrs := cfg.attrs.Clone()
	if cfg.args != nil {
		if data, err := json.Marshal(cfg.args); err == nil {
			attrs.Set(AttrArgs, string(data))
		} else {
			attrs.Set(AttrArgs, fmt.Sprint(cfg.args...))
		}
	}

	s := &ActiveSpan{
		tracer: t,
		span: types.Span{
			TraceID:      traceID,
			SpanID:       types.NewSpanID(),
			ParentSpanID: parent,
			Name:         name,
			Type:         cfg.spanType,
			StartTime:    t.now(),
			Status:       types.StatusInProgress,
			Attributes:   attrs,
		},
	}

	ctx = types.WithSpanID(types.WithTraceID(ctx, traceID), s.span.SpanID)
	return context.WithValue(ctx, activeSpanKey{}, s), s
}

// Observe runs fn inside a child span. fn's error is recorded and returned
// unchanged. A panic is recorded as an error and re-raised.
func (t *Tracer) Observe(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...StartOption) (err error) {
	ctx, span := t.Start(ctx, name, opts...)
	defer func() {
		if r := recover(); r != nil {
			span.End(fmt.Errorf("panic: %v", r))
			panic(r)
		}
		span.End(err)
	}()
	return fn(ctx)
}

// ActiveSpan is a span that has started and not yet ended. Its methods are
// safe for concurrent use and do nothing on a nil receiver or after End.
type ActiveSpan struct {
	tracer *Tracer

	mu    sync.Mutex
	span  types.Span
	ended bool
}

// SpanFromContext returns the span carried by ctx, or nil.
func SpanFromContext(ctx context.Context) *ActiveSpan {
	s, _ := ctx.Value(activeSpanKey{}).(*ActiveSpan)
	return s
}

// TraceID returns the span's trace id.
func (s *ActiveSpan) TraceID() string {
	if s == nil {
		return ""
	}
	return s.span.TraceID
}

// SpanID returns the span's id.
func (s *ActiveSpan) SpanID() string {
	if s == nil {
		return ""
	}
	return s.span.SpanID
}

// SetAttribute sets an attribute, replacing an existing value for key.
func (s *ActiveSpan) SetAttribute(key string, value any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.span.Attributes.Set(key, value)
	}
}

// AddEvent records a timestamped event.
func (s *ActiveSpan) AddEvent(name string, attrs ...types.Attribute) {
	if s == nil {
		return
	}
	now := s.tracer.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.span.Events = append(s.span.Events, types.Event{
			Name:       name,
			Timestamp:  now,
			Attributes: types.Attributes(attrs).Clone(),
		})
	}
}

// End finishes the span and enqueues it. err marks it failed. Only the first
// call has an effect.
func (s *ActiveSpan) End(err error) {
	if s == nil {
		return
	}
	end := s.tracer.now()

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	span := s.span
	span.Attributes = s.span.Attributes.Clone()
	span.EndTime = end
	span.Status = types.StatusSuccess
	if err != nil {
		span.Status = types.StatusError
		span.Attributes.Set(AttrErrorMessage, err.Error())
		span.Attributes.Set(AttrErrorType, errorType(err))
	}
	s.mu.Unlock()

	s.tracer.sink.Enqueue(&types.SpanContext{
		Span:      span,
		LatencyMs: end.Sub(span.StartTime).Milliseconds(),
	})
}

func errorType(err error) string {
	var e *types.Error
	if errors.As(err, &e) {
		return string(e.Code)
	}
	return fmt.Sprintf("%T", err)
}

// AddAttribute sets an attribute on the span carried by ctx. It reports
// whether ctx carried a span.
func AddAttribute(ctx context.Context, key string, value any) bool {
	s := SpanFromContext(ctx)
	s.SetAttribute(key, value)
	return s != nil
}

// AddEvent records an event on the span carried by ctx. It reports whether
// ctx carried a span.
func AddEvent(ctx context.Context, name string, attrs ...types.Attribute) bool {
	s := SpanFromContext(ctx)
	s.AddEvent(name, attrs...)
	return s != nil
}
