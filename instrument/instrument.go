// Package instrument turns provider calls into spans. It only builds
// SpanContexts and hands them to a sink; it never alters what the provider
// call returns.
package instrument

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/spanqueue"
	"github.com/asymetry-ai/asymetry-sdk/stream"
	"github.com/asymetry-ai/asymetry-sdk/tokenizer"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// Attribute keys set on every LLM span.
const (
	AttrProvider   = "llm.provider"
	AttrModel      = "llm.model"
	AttrStreaming  = "llm.streaming"
	AttrToolsCount = "llm.tools.count"
	AttrToolsNames = "llm.tools.names"
	AttrParseError = "asymetry.parse_error"
)

// Call describes one provider call before it is made.
type Call struct {
	// Name is the span name; defaults to "<provider>.chat".
	Name       string
	Request    types.LLMRequest
	Attributes types.Attributes
}

// Result is what a response parser extracts from a non-streaming response.
type Result struct {
	ResponseID   string
	Model        string
	Output       []types.Message
	FinishReason string
	ToolCalls    []types.ToolCall
	// Usage is nil when the provider did not report counts.
	Usage *types.TokenUsage
}

// ResponseParser extracts a Result from a provider response.
type ResponseParser[R any] func(resp R) (Result, error)

// Option configures an Instrumentor.
type Option func(*Instrumentor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(in *Instrumentor) { in.now = now }
}

// WithTokenizer fixes the tokenizer used for estimates instead of the
// per-model registry.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(in *Instrumentor) {
		in.tokenizerFor = func(string) tokenizer.Tokenizer { return t }
	}
}

// Instrumentor records provider calls into a sink. A nil *Instrumentor is
// valid and records nothing.
type Instrumentor struct {
	sink         spanqueue.Sink
	logger       *zap.Logger
	now          func() time.Time
	tokenizerFor func(model string) tokenizer.Tokenizer
}

// New creates an Instrumentor.
func New(sink spanqueue.Sink, logger *zap.Logger, opts ...Option) *Instrumentor {
	if sink == nil {
		sink = spanqueue.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	in := &Instrumentor{
		sink:         sink,
		logger:       logger.With(zap.String("component", "instrument")),
		now:          time.Now,
		tokenizerFor: tokenizer.GetTokenizerOrEstimator,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// newSpan opens a generation span linked to the span carried by ctx.
func (in *Instrumentor) newSpan(ctx context.Context, call Call, streaming bool, start time.Time) types.Span {
	traceID, ok := types.TraceID(ctx)
	if !ok {
		traceID = types.NewTraceID()
	}
	parent, _ := types.SpanID(ctx)

	name := call.Name
	if name == "" {
		name = fmt.Sprintf("%s.chat", providerName(call.Request.Provider))
	}

	attrs := types.Attributes{}
	attrs.Set(AttrProvider, string(providerName(call.Request.Provider)))
	attrs.Set(AttrModel, call.Request.Model)
	attrs.Set(AttrStreaming, streaming)
	if len(call.Request.Tools) > 0 {
		attrs.Set(AttrToolsCount, len(call.Request.Tools))
		attrs.Set(AttrToolsNames, call.Request.ToolNames())
	}
	for _, kv := range call.Attributes {
		attrs.Set(kv.Key, kv.Value)
	}

	return types.Span{
		TraceID:      traceID,
		SpanID:       types.NewSpanID(),
		ParentSpanID: parent,
		Name:         name,
		Type:         types.SpanTypeGeneration,
		StartTime:    start,
		Status:       types.StatusInProgress,
		Attributes:   attrs,
	}
}

func providerName(p types.Provider) types.Provider {
	if p == "" {
		return types.ProviderOther
	}
	return p
}

// Complete runs a non-streaming provider call and records it as one span
// once fn returns. fn's result and error are returned unchanged. Failures
// while building the span are logged and never reach the caller.
func Complete[R any](ctx context.Context, in *Instrumentor, call Call, fn func(context.Context) (R, error), parse ResponseParser[R]) (R, error) {
	if in == nil {
		return fn(ctx)
	}
	start := in.now()
	span := in.newSpan(ctx, call, false, start)

	resp, err := fn(types.WithSpanID(types.WithTraceID(ctx, span.TraceID), span.SpanID))

	in.safely(func() {
		var (
			result Result
			perr   error
		)
		if err == nil && parse != nil {
			result, perr = parseSafely(parse, resp)
		}
		in.sink.Enqueue(in.completed(call, span, start, err, result, perr))
	})
	return resp, err
}

// parseSafely calls parse, converting a panic into an error.
func parseSafely[R any](parse ResponseParser[R], resp R) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("response parser panicked: %v", r)
		}
	}()
	return parse(resp)
}

func (in *Instrumentor) completed(call Call, span types.Span, start time.Time, callErr error, result Result, parseErr error) *types.SpanContext {
	end := in.now()
	req := call.Request
	req.Provider = providerName(req.Provider)
	req.Status = types.StatusSuccess
	span.EndTime = end
	span.Status = types.StatusSuccess

	switch {
	case callErr != nil:
		req.Status = types.StatusError
		span.Status = types.StatusError
		req.Error = types.AsError(callErr)
	case parseErr != nil:
		in.logger.Warn("could not parse provider response", zap.Error(parseErr))
		span.Attributes.Set(AttrParseError, parseErr.Error())
	}

	if result.ResponseID != "" {
		req.ResponseID = result.ResponseID
	}
	if req.Model == "" {
		req.Model = result.Model
	}
	req.Output = result.Output
	req.FinishReason = result.FinishReason
	req.ToolCalls = result.ToolCalls

	usage := in.usage(req, result.Usage)
	return &types.SpanContext{
		Span:      span,
		Request:   &req,
		Tokens:    &usage,
		LatencyMs: end.Sub(start).Milliseconds(),
	}
}

func (in *Instrumentor) usage(req types.LLMRequest, reported *types.TokenUsage) types.TokenUsage {
	if reported != nil {
		u := *reported
		if u.Exact {
			u.TotalTokens = u.InputTokens + u.OutputTokens
		}
		return u
	}
	tok := in.tokenizerFor(req.Model)
	input, _ := tok.CountMessages(req.Messages)
	output := 0
	for _, m := range req.Output {
		n, _ := tok.CountTokens(m.Content)
		output += n
	}
	return types.NewEstimatedUsage(input, output)
}

// safely runs fn, logging instead of propagating a panic.
func (in *Instrumentor) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("instrumentation failed", zap.Any("panic", r))
		}
	}()
	fn()
}

// NewAccumulator opens a streaming span for call.
func (in *Instrumentor) NewAccumulator(ctx context.Context, call Call) *stream.Accumulator {
	start := in.now()
	span := in.newSpan(ctx, call, true, start)
	req := call.Request
	req.Provider = providerName(req.Provider)
	return stream.NewAccumulator(in.sink, stream.Options{
		Span:      span,
		Request:   req,
		Tokenizer: in.tokenizerFor(req.Model),
		Logger:    in.logger,
		Now:       in.now,
	})
}

// Stream instruments a pull-style stream.
func Stream[T any](ctx context.Context, in *Instrumentor, call Call, src stream.Iterator[T], adapt stream.Adapter[T]) *stream.Stream[T] {
	if in == nil {
		in = New(nil, nil)
	}
	return stream.Wrap(src, in.NewAccumulator(ctx, call), adapt)
}

// Scoped instruments a stream that must be opened and closed.
func Scoped[T any](ctx context.Context, in *Instrumentor, call Call, src stream.ScopedSource[T], adapt stream.Adapter[T]) *stream.Scoped[T] {
	if in == nil {
		in = New(nil, nil)
	}
	return stream.WrapScoped(src, in.NewAccumulator(ctx, call), adapt)
}

// Chan instruments a channel stream.
func Chan[T any](ctx context.Context, in *Instrumentor, call Call, src <-chan T, adapt stream.Adapter[T], errOf func(T) error) <-chan T {
	if in == nil {
		in = New(nil, nil)
	}
	return stream.WrapChan(ctx, src, in.NewAccumulator(ctx, call), adapt, errOf)
}
