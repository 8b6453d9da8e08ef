package stream

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/spanqueue"
	"github.com/asymetry-ai/asymetry-sdk/tokenizer"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// ErrAlreadyFinalized is returned by a second Finalize.
var ErrAlreadyFinalized = errors.New("stream accumulator already finalized")

// State is the accumulator lifecycle state.
type State int

const (
	AwaitingFirstEvent State = iota
	Accumulating
	Finalized
)

func (s State) String() string {
	switch s {
	case AwaitingFirstEvent:
		return "awaiting_first_event"
	case Accumulating:
		return "accumulating"
	case Finalized:
		return "finalized"
	}
	return "unknown"
}

// AttrIncomplete marks spans of streams the caller abandoned before the end.
const AttrIncomplete = "llm.stream.incomplete"

// Options describes the call being streamed.
type Options struct {
	// Span carries ids, name and attributes. Type defaults to generation.
	Span types.Span
	// Request carries provider, model, input messages and offered tools.
	Request types.LLMRequest
	// Tokenizer estimates counts the provider did not report. Defaults to
	// the registered tokenizer for the model.
	Tokenizer tokenizer.Tokenizer
	Logger    *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type toolCallBuf struct {
	id   string
	name strings.Builder
	args strings.Builder
	done bool
}

// Accumulator is a single-use state machine that folds stream events into
// one SpanContext. It moves AwaitingFirstEvent -> Accumulating -> Finalized
// and enqueues its result exactly once.
type Accumulator struct {
	mu    sync.Mutex
	state State

	sink   spanqueue.Sink
	span   types.Span
	req    types.LLMRequest
	tok    tokenizer.Tokenizer
	logger *zap.Logger
	now    func() time.Time

	start      time.Time
	firstEvent time.Time

	outputs      map[int]*strings.Builder
	tools        map[int]*toolCallBuf
	usage        Usage
	finishReason string

	result *types.SpanContext
}

// NewAccumulator starts timing a streaming call.
func NewAccumulator(sink spanqueue.Sink, opts Options) *Accumulator {
	if sink == nil {
		sink = spanqueue.Discard
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Tokenizer == nil {
		opts.Tokenizer = tokenizer.GetTokenizerOrEstimator(opts.Request.Model)
	}
	if opts.Span.Type == "" {
		opts.Span.Type = types.SpanTypeGeneration
	}
	if opts.Span.TraceID == "" {
		opts.Span.TraceID = types.NewTraceID()
	}
	if opts.Span.SpanID == "" {
		opts.Span.SpanID = types.NewSpanID()
	}

	a := &Accumulator{
		sink:    sink,
		span:    opts.Span,
		req:     opts.Request,
		tok:     opts.Tokenizer,
		logger:  opts.Logger.With(zap.String("component", "stream")),
		now:     opts.Now,
		outputs: make(map[int]*strings.Builder),
		tools:   make(map[int]*toolCallBuf),
	}
	a.start = a.now()
	if a.span.StartTime.IsZero() {
		a.span.StartTime = a.start
	}
	return a
}

// State returns the current lifecycle state.
func (a *Accumulator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Result returns the finalized span, or nil before finalization.
func (a *Accumulator) Result() *types.SpanContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.result
}

// Observe folds one event into the accumulator. Terminal events finalize it.
// Events arriving after finalization are ignored.
func (a *Accumulator) Observe(ev Event) {
	a.mu.Lock()
	if a.state == Finalized {
		a.mu.Unlock()
		return
	}
	if a.state == AwaitingFirstEvent {
		a.firstEvent = a.now()
		a.state = Accumulating
	}

	switch ev.Kind {
	case EventMessageStart:
		if ev.ResponseID != "" {
			a.req.ResponseID = ev.ResponseID
		}
		if ev.Model != "" && a.req.Model == "" {
			a.req.Model = ev.Model
		}
		a.mergeUsage(ev.Usage)
	case EventContentDelta:
		a.output(ev.Index).WriteString(ev.Text)
	case EventToolCallDelta:
		tc := a.tool(ev.Index)
		if tc.done {
			break
		}
		if ev.ToolCallID != "" {
			tc.id = ev.ToolCallID
		}
		tc.name.WriteString(ev.ToolName)
		tc.args.WriteString(ev.Arguments)
	case EventToolCallStop:
		// Providers also stop non-tool blocks; only known tool calls count.
		if tc, ok := a.tools[ev.Index]; ok {
			tc.done = true
		}
	case EventUsage:
		a.mergeUsage(ev.Usage)
	case EventStop:
		if ev.FinishReason != "" {
			a.finishReason = ev.FinishReason
		}
	}
	a.mu.Unlock()

	switch ev.Kind {
	case EventDone:
		a.finalizeIfOpen(nil, false)
	case EventError:
		err := ev.Err
		if err == nil {
			err = types.NewError(types.ErrStreamInterrupted, "provider reported a stream error")
		}
		a.finalizeIfOpen(err, false)
	}
}

func (a *Accumulator) output(index int) *strings.Builder {
	b, ok := a.outputs[index]
	if !ok {
		b = &strings.Builder{}
		a.outputs[index] = b
	}
	return b
}

func (a *Accumulator) tool(index int) *toolCallBuf {
	tc, ok := a.tools[index]
	if !ok {
		tc = &toolCallBuf{}
		a.tools[index] = tc
	}
	return tc
}

func (a *Accumulator) mergeUsage(u Usage) {
	if u.InputTokens != nil {
		a.usage.InputTokens = u.InputTokens
	}
	if u.OutputTokens != nil {
		a.usage.OutputTokens = u.OutputTokens
	}
	if u.TotalTokens != nil {
		a.usage.TotalTokens = u.TotalTokens
	}
}

// Finalize builds the span, enqueues it and returns it. err, when non-nil,
// marks the span as failed while keeping the partial output. A second call
// is a programming error: it is reported through the logger's DPanic (which
// panics under development loggers) and returns ErrAlreadyFinalized without
// enqueueing anything.
func (a *Accumulator) Finalize(err error) (*types.SpanContext, error) {
	sc, ok := a.finalizeIfOpen(err, false)
	if !ok {
		a.logger.DPanic("stream accumulator finalized twice",
			zap.String("trace_id", a.span.TraceID),
			zap.String("span_id", a.span.SpanID),
		)
		return nil, ErrAlreadyFinalized
	}
	return sc, nil
}

// Close finalizes a stream the caller stopped consuming early. The span is
// marked incomplete. Close after finalization does nothing.
func (a *Accumulator) Close() {
	a.finalizeIfOpen(nil, true)
}

func (a *Accumulator) finalizeIfOpen(err error, incomplete bool) (*types.SpanContext, bool) {
	a.mu.Lock()
	if a.state == Finalized {
		a.mu.Unlock()
		return nil, false
	}
	a.state = Finalized
	sc := a.buildLocked(err, incomplete)
	a.result = sc
	a.mu.Unlock()

	a.sink.Enqueue(sc)
	return sc, true
}

func (a *Accumulator) buildLocked(err error, incomplete bool) *types.SpanContext {
	end := a.now()

	req := a.req
	req.Messages = append([]types.Message(nil), a.req.Messages...)
	req.FinishReason = a.finishReason

	var generated strings.Builder
	for _, idx := range sortedKeys(a.outputs) {
		text := a.outputs[idx].String()
		generated.WriteString(text)
		req.Output = append(req.Output, types.Message{Role: types.RoleAssistant, Content: text})
	}
	for _, idx := range sortedKeys(a.tools) {
		tc := a.tools[idx]
		args := tc.args.String()
		generated.WriteString(args)
		req.ToolCalls = append(req.ToolCalls, types.ToolCall{
			ID:        tc.id,
			Name:      tc.name.String(),
			Arguments: rawArguments(args),
		})
	}

	span := a.span
	span.Attributes = a.span.Attributes.Clone()
	span.EndTime = end
	span.Status = types.StatusSuccess
	req.Status = types.StatusSuccess
	if err != nil {
		span.Status = types.StatusError
		req.Status = types.StatusError
		req.Error = types.AsError(err)
	}
	if incomplete {
		span.Attributes.Set(AttrIncomplete, true)
	}

	usage := a.usageLocked(req.Messages, generated.String())

	sc := &types.SpanContext{
		Span:      span,
		Request:   &req,
		Tokens:    &usage,
		LatencyMs: end.Sub(a.start).Milliseconds(),
	}
	if !a.firstEvent.IsZero() {
		ttft := a.firstEvent.Sub(a.start).Milliseconds()
		sc.TimeToFirstTokenMs = &ttft
	}
	return sc
}

// usageLocked combines reported counts with estimates. The result is exact
// only when both input and output were reported.
func (a *Accumulator) usageLocked(messages []types.Message, generated string) types.TokenUsage {
	var u types.TokenUsage
	if a.usage.InputTokens != nil {
		u.InputTokens = *a.usage.InputTokens
	} else {
		u.InputTokens = a.estimateMessages(messages)
	}
	if a.usage.OutputTokens != nil {
		u.OutputTokens = *a.usage.OutputTokens
	} else {
		u.OutputTokens = a.estimateText(generated)
	}
	u.TotalTokens = u.InputTokens + u.OutputTokens
	u.Exact = a.usage.InputTokens != nil && a.usage.OutputTokens != nil
	if !u.Exact && a.usage.InputTokens == nil && a.usage.OutputTokens == nil && a.usage.TotalTokens != nil {
		u.TotalTokens = *a.usage.TotalTokens
	}
	return u
}

func (a *Accumulator) estimateText(text string) int {
	n, err := a.tok.CountTokens(text)
	if err != nil {
		a.logger.Debug("token estimate failed", zap.Error(err))
		n, _ = tokenizer.NewEstimator(tokenizer.DefaultCharsPerToken).CountTokens(text)
	}
	return n
}

func (a *Accumulator) estimateMessages(messages []types.Message) int {
	n, err := a.tok.CountMessages(messages)
	if err != nil {
		a.logger.Debug("token estimate failed", zap.Error(err))
		n, _ = tokenizer.NewEstimator(tokenizer.DefaultCharsPerToken).CountMessages(messages)
	}
	return n
}

// rawArguments keeps valid JSON as is and stores anything else, such as the
// fragment of a cut-off stream, as a JSON string.
func rawArguments(args string) json.RawMessage {
	if args == "" {
		return nil
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	quoted, _ := json.Marshal(args)
	return quoted
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
