package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/asymetry-ai/asymetry-sdk/testutil"
	"github.com/asymetry-ai/asymetry-sdk/tokenizer"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestProcessor(t *testing.T, opts ...Option) (*Processor, *testutil.RecordingSink) {
	t.Helper()
	sink := testutil.NewRecordingSink()
	opts = append([]Option{
		WithClock(func() time.Time { return t0 }),
		WithTokenizer(tokenizer.NewEstimator(4)),
	}, opts...)
	return NewProcessor(sink, zaptest.NewLogger(t), opts...), sink
}

func TestProcessor_TraceLifecycle(t *testing.T) {
	p, _ := newTestProcessor(t)
	tr := Trace{TraceID: "trace_123", Name: "triage"}

	p.OnTraceStart(tr)
	assert.Equal(t, []string{"123"}, p.ActiveTraces())

	p.OnTraceEnd(tr)
	assert.Empty(t, p.ActiveTraces())
}

func TestProcessor_GenerationEmitsTwoSpans(t *testing.T) {
	p, sink := newTestProcessor(t)
	span := Span{
		TraceID:   "trace_123",
		SpanID:    "span_456",
		ParentID:  "span_789",
		StartedAt: t0,
		EndedAt:   t0.Add(1500 * time.Millisecond),
		Data: SpanData{
			Kind:   KindGeneration,
			Model:  "gpt-4",
			Input:  "Hello",
			Output: "World",
			Usage:  map[string]int{"input_tokens": 10, "output_tokens": 5},
		},
	}

	p.OnSpanStart(span)
	p.OnSpanEnd(span)

	spans := sink.Spans()
	require.Len(t, spans, 2)

	agent := spans[0]
	assert.False(t, agent.IsLLM())
	assert.Equal(t, types.SpanTypeGeneration, agent.Span.Type)
	assert.Equal(t, "123", agent.Span.TraceID)
	assert.Equal(t, "456", agent.Span.SpanID)
	assert.Equal(t, "789", agent.Span.ParentSpanID)
	assert.Equal(t, "gpt-4", agent.Span.Name)
	assert.Equal(t, int64(1500), agent.LatencyMs)

	llm := spans[1]
	require.True(t, llm.IsLLM())
	require.NoError(t, llm.Validate())
	assert.Equal(t, "123", llm.Span.TraceID)
	assert.Equal(t, "456", llm.Span.ParentSpanID)
	assert.Equal(t, types.ProviderOpenAI, llm.Request.Provider)
	assert.Equal(t, []types.Message{{Role: types.RoleUser, Content: "Hello"}}, llm.Request.Messages)
	assert.Equal(t, "World", llm.Request.OutputText())
	assert.Equal(t, types.NewExactUsage(10, 5), *llm.Tokens)
}

func TestProcessor_GenerationWithoutUsageIsEstimated(t *testing.T) {
	p, sink := newTestProcessor(t)
	p.OnSpanEnd(Span{
		TraceID: "trace_1",
		SpanID:  "span_2",
		Data: SpanData{
			Kind:   KindGeneration,
			Input:  []map[string]string{{"role": "user", "content": "hi"}},
			Output: "12345678",
			Usage:  map[string]int{"output_tokens": 7},
		},
	})

	llm := sink.Last()
	require.NotNil(t, llm.Tokens)
	assert.False(t, llm.Tokens.Exact)
	assert.Equal(t, 7, llm.Tokens.OutputTokens)
	assert.Positive(t, llm.Tokens.InputTokens)
	assert.JSONEq(t, `[{"role":"user","content":"hi"}]`, llm.Request.Messages[0].Content)
}

func TestProcessor_ToolSpan(t *testing.T) {
	p, sink := newTestProcessor(t)
	span := Span{
		TraceID: "trace_123",
		SpanID:  "span_999",
		Data: SpanData{
			Kind:   KindFunction,
			Name:   "get_weather",
			Input:  map[string]any{"city": "Paris"},
			Output: "Sunny",
		},
	}
	p.OnSpanStart(span)
	p.OnSpanEnd(span)

	require.Equal(t, 1, sink.Len())
	sc := sink.Last()
	assert.Equal(t, types.SpanTypeTool, sc.Span.Type)
	assert.Equal(t, "get_weather", sc.Span.Name)
	input, _ := sc.Span.Attributes.Get(AttrInput)
	assert.Equal(t, map[string]any{"city": "Paris"}, input)
}

func TestSpanType(t *testing.T) {
	tests := []struct {
		kind Kind
		want types.SpanType
	}{
		{KindGeneration, types.SpanTypeGeneration},
		{KindAgent, types.SpanTypeAgent},
		{KindFunction, types.SpanTypeTool},
		{KindHandoff, types.SpanTypeAgent},
		{KindGuardrail, types.SpanTypeGuardrail},
		{KindCustom, types.SpanTypeCustom},
		{Kind("response"), types.SpanTypeCustom},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, SpanType(tt.kind))
		})
	}
}

func TestProcessor_HandoffAndError(t *testing.T) {
	p, sink := newTestProcessor(t)
	p.OnTraceStart(Trace{TraceID: "trace_9", Name: "support"})
	p.OnSpanEnd(Span{
		TraceID: "trace_9",
		SpanID:  "span_1",
		Data:    SpanData{Kind: KindHandoff, From: "triage", To: "billing"},
		Error:   &SpanError{Message: "target agent unavailable"},
	})

	sc := sink.Last()
	assert.Equal(t, "handoff triage -> billing", sc.Span.Name)
	assert.Equal(t, types.StatusError, sc.Span.Status)
	workflow, _ := sc.Span.Attributes.Get(AttrWorkflow)
	assert.Equal(t, "support", workflow)
	msg, _ := sc.Span.Attributes.Get(AttrErrorMessage)
	assert.Equal(t, "target agent unavailable", msg)
}

type fakeFlusher struct {
	flushed, shut int
	err           error
}

func (f *fakeFlusher) Flush(context.Context) error    { f.flushed++; return f.err }
func (f *fakeFlusher) Shutdown(context.Context) error { f.shut++; return f.err }

func TestProcessor_FlushAndShutdown(t *testing.T) {
	f := &fakeFlusher{}
	p, _ := newTestProcessor(t, WithFlusher(f))

	require.NoError(t, p.ForceFlush(context.Background()))
	p.OnTraceStart(Trace{TraceID: "trace_1"})
	p.OnSpanStart(Span{SpanID: "span_open"})
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, 1, f.flushed)
	assert.Equal(t, 1, f.shut)
	assert.Empty(t, p.ActiveTraces())

	f.err = errors.New("exporter gone")
	assert.ErrorIs(t, p.ForceFlush(context.Background()), f.err)
}

func TestProcessor_NoFlusher(t *testing.T) {
	p, _ := newTestProcessor(t)
	assert.NoError(t, p.ForceFlush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}
