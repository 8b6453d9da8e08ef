// Package agents converts agent framework traces into SDK spans. The
// framework reports trace and span lifecycle callbacks to a Processor, which
// maps each finished framework span onto one SpanContext, plus an LLM
// request span for model generations.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/spanqueue"
	"github.com/asymetry-ai/asymetry-sdk/tokenizer"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// Kind is the framework's span data kind.
type Kind string

const (
	KindGeneration Kind = "generation"
	KindAgent      Kind = "agent"
	KindFunction   Kind = "function"
	KindHandoff    Kind = "handoff"
	KindGuardrail  Kind = "guardrail"
	KindCustom     Kind = "custom"
)

// Attribute keys set on converted spans.
const (
	AttrKind         = "agent.span_kind"
	AttrInput        = "agent.input"
	AttrOutput       = "agent.output"
	AttrHandoffFrom  = "agent.handoff.from"
	AttrHandoffTo    = "agent.handoff.to"
	AttrTriggered    = "agent.guardrail.triggered"
	AttrErrorMessage = "error.message"
	AttrWorkflow     = "agent.workflow"
)

// Trace is a framework trace.
type Trace struct {
	TraceID  string
	Name     string
	Metadata map[string]any
}

// SpanError is an error reported on a framework span.
type SpanError struct {
	Message string
	Data    map[string]any
}

// SpanData is the payload of a framework span. Which fields are set depends
// on Kind.
type SpanData struct {
	Kind   Kind
	Name   string
	Model  string
	Input  any
	Output any
	// Usage holds input_tokens / output_tokens for generations.
	Usage     map[string]int
	From, To  string
	Triggered bool
}

// Span is a framework span.
type Span struct {
	TraceID   string
	SpanID    string
	ParentID  string
	StartedAt time.Time
	EndedAt   time.Time
	Data      SpanData
	Error     *SpanError
}

// Flusher is what the processor delegates ForceFlush and Shutdown to.
type Flusher interface {
	Flush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Option configures a Processor.
type Option func(*Processor)

// WithFlusher sets the component flushed by ForceFlush and Shutdown.
func WithFlusher(f Flusher) Option {
	return func(p *Processor) { p.flusher = f }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithTokenizer fixes the tokenizer used when a generation reports no usage.
func WithTokenizer(t tokenizer.Tokenizer) Option {
	return func(p *Processor) { p.tok = t }
}

// Processor receives framework callbacks. All methods are safe for
// concurrent use and never return errors from conversion; failures are
// logged.
type Processor struct {
	sink    spanqueue.Sink
	logger  *zap.Logger
	now     func() time.Time
	tok     tokenizer.Tokenizer
	flusher Flusher

	mu     sync.Mutex
	traces map[string]Trace
	starts map[string]time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(sink spanqueue.Sink, logger *zap.Logger, opts ...Option) *Processor {
	if sink == nil {
		sink = spanqueue.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		sink:   sink,
		logger: logger.With(zap.String("component", "agents")),
		now:    time.Now,
		traces: make(map[string]Trace),
		starts: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// TraceID normalizes a framework trace id.
func TraceID(id string) string {
	return strings.TrimPrefix(id, "trace_")
}

// SpanID normalizes a framework span id.
func SpanID(id string) string {
	return strings.TrimPrefix(id, "span_")
}

// SpanType maps a framework kind to a span type.
func SpanType(k Kind) types.SpanType {
	switch k {
	case KindGeneration:
		return types.SpanTypeGeneration
	case KindAgent, KindHandoff:
		return types.SpanTypeAgent
	case KindFunction:
		return types.SpanTypeTool
	case KindGuardrail:
		return types.SpanTypeGuardrail
	default:
		return types.SpanTypeCustom
	}
}

// OnTraceStart records an active trace.
func (p *Processor) OnTraceStart(t Trace) {
	id := TraceID(t.TraceID)
	p.mu.Lock()
	p.traces[id] = t
	p.mu.Unlock()
	p.logger.Debug("trace started", zap.String("trace_id", id), zap.String("name", t.Name))
}

// OnTraceEnd forgets an active trace.
func (p *Processor) OnTraceEnd(t Trace) {
	id := TraceID(t.TraceID)
	p.mu.Lock()
	delete(p.traces, id)
	p.mu.Unlock()
	p.logger.Debug("trace ended", zap.String("trace_id", id))
}

// ActiveTraces returns the ids of traces started and not yet ended.
func (p *Processor) ActiveTraces() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.traces))
	for id := range p.traces {
		ids = append(ids, id)
	}
	return ids
}

// OnSpanStart records the span's start time when the framework did not.
func (p *Processor) OnSpanStart(s Span) {
	start := s.StartedAt
	if start.IsZero() {
		start = p.now()
	}
	p.mu.Lock()
	p.starts[s.SpanID] = start
	p.mu.Unlock()
}

// OnSpanEnd converts a finished span and enqueues the result.
func (p *Processor) OnSpanEnd(s Span) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("span conversion failed", zap.Any("panic", r), zap.String("span_id", s.SpanID))
		}
	}()

	p.mu.Lock()
	start, ok := p.starts[s.SpanID]
	delete(p.starts, s.SpanID)
	workflow := p.traces[TraceID(s.TraceID)].Name
	p.mu.Unlock()
	if !s.StartedAt.IsZero() {
		start = s.StartedAt
	} else if !ok {
		start = p.now()
	}
	end := s.EndedAt
	if end.IsZero() {
		end = p.now()
	}

	agentSpan := p.convert(s, workflow, start, end)
	p.sink.Enqueue(agentSpan)
	if s.Data.Kind == KindGeneration {
		p.sink.Enqueue(p.generation(s, agentSpan.Span))
	}
}

func (p *Processor) convert(s Span, workflow string, start, end time.Time) *types.SpanContext {
	attrs := types.Attributes{}
	attrs.Set(AttrKind, string(s.Data.Kind))
	if workflow != "" {
		attrs.Set(AttrWorkflow, workflow)
	}
	if s.Data.Input != nil {
		attrs.Set(AttrInput, s.Data.Input)
	}
	if s.Data.Output != nil {
		attrs.Set(AttrOutput, s.Data.Output)
	}
	switch s.Data.Kind {
	case KindHandoff:
		attrs.Set(AttrHandoffFrom, s.Data.From)
		attrs.Set(AttrHandoffTo, s.Data.To)
	case KindGuardrail:
		attrs.Set(AttrTriggered, s.Data.Triggered)
	}

	status := types.StatusSuccess
	if s.Error != nil {
		status = types.StatusError
		attrs.Set(AttrErrorMessage, s.Error.Message)
	}

	return &types.SpanContext{
		Span: types.Span{
			TraceID:      TraceID(s.TraceID),
			SpanID:       SpanID(s.SpanID),
			ParentSpanID: SpanID(s.ParentID),
			Name:         spanName(s.Data),
			Type:         SpanType(s.Data.Kind),
			StartTime:    start,
			EndTime:      end,
			Status:       status,
			Attributes:   attrs,
		},
		LatencyMs: end.Sub(start).Milliseconds(),
	}
}

func spanName(d SpanData) string {
	switch {
	case d.Name != "":
		return d.Name
	case d.Kind == KindHandoff && (d.From != "" || d.To != ""):
		return fmt.Sprintf("handoff %s -> %s", d.From, d.To)
	case d.Kind == KindGeneration && d.Model != "":
		return d.Model
	case d.Kind != "":
		return string(d.Kind)
	default:
		return string(KindCustom)
	}
}

// generation builds the LLM request span recorded under a generation span.
func (p *Processor) generation(s Span, parent types.Span) *types.SpanContext {
	req := types.LLMRequest{
		Provider: types.ProviderOpenAI,
		Model:    s.Data.Model,
		Status:   parent.Status,
	}
	if s.Data.Input != nil {
		req.Messages = []types.Message{{Role: types.RoleUser, Content: text(s.Data.Input)}}
	}
	if s.Data.Output != nil {
		req.Output = []types.Message{{Role: types.RoleAssistant, Content: text(s.Data.Output)}}
	}
	if s.Error != nil {
		req.Error = types.NewError(types.ErrUpstreamError, s.Error.Message).
			WithProvider(string(types.ProviderOpenAI))
	}

	usage := p.usage(s.Data.Usage, &req)
	return &types.SpanContext{
		Span: types.Span{
			TraceID:      parent.TraceID,
			SpanID:       types.NewSpanID(),
			ParentSpanID: parent.SpanID,
			Name:         "openai.chat",
			Type:         types.SpanTypeGeneration,
			StartTime:    parent.StartTime,
			EndTime:      parent.EndTime,
			Status:       parent.Status,
			Attributes: types.Attributes{
				types.Attr("llm.provider", string(types.ProviderOpenAI)),
				types.Attr("llm.model", s.Data.Model),
			},
		},
		Request:   &req,
		Tokens:    &usage,
		LatencyMs: parent.Duration().Milliseconds(),
	}
}

func (p *Processor) usage(reported map[string]int, req *types.LLMRequest) types.TokenUsage {
	in, hasIn := reported["input_tokens"]
	out, hasOut := reported["output_tokens"]
	if hasIn && hasOut {
		return types.NewExactUsage(in, out)
	}

	tok := p.tok
	if tok == nil {
		tok = tokenizer.GetTokenizerOrEstimator(req.Model)
	}
	if !hasIn {
		in, _ = tok.CountMessages(req.Messages)
	}
	if !hasOut {
		out, _ = tok.CountTokens(req.OutputText())
	}
	return types.NewEstimatedUsage(in, out)
}

// text renders a framework payload as message content.
func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// ForceFlush flushes the configured Flusher.
func (p *Processor) ForceFlush(ctx context.Context) error {
	if p.flusher == nil {
		return nil
	}
	return p.flusher.Flush(ctx)
}

// Shutdown drops active trace state and shuts down the configured Flusher.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	dangling := len(p.starts)
	p.traces = make(map[string]Trace)
	p.starts = make(map[string]time.Time)
	p.mu.Unlock()

	if dangling > 0 {
		p.logger.Warn("shutting down with open spans", zap.Int("open_spans", dangling))
	}
	if p.flusher == nil {
		return nil
	}
	return p.flusher.Shutdown(ctx)
}
