package otlp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zaptest"

	"github.com/asymetry-ai/asymetry-sdk/testutil/fixtures"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

func newTransport(t *testing.T) (*Transport, *tracetest.InMemoryExporter) {
	t.Helper()
	mem := tracetest.NewInMemoryExporter()
	tr, err := New(context.Background(), Config{
		ServiceName:    "svc",
		ServiceVersion: "1.0.0",
		Exporter:       mem,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return tr, mem
}

func attr(stub tracetest.SpanStub, key string) (attribute.Value, bool) {
	for _, kv := range stub.Attributes {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestSubmit_GenerationSpan(t *testing.T) {
	tr, mem := newTransport(t)

	sc := fixtures.LLMSpan("0af7651916cd43dd8448eb211c80319c", 1)
	sc.Request.ResponseID = "chatcmpl-1"
	ttft := int64(40)
	sc.TimeToFirstTokenMs = &ttft
	require.NoError(t, tr.Submit(context.Background(), []*types.SpanContext{sc}))

	spans := mem.GetSpans()
	require.Len(t, spans, 1)
	got := spans[0]

	assert.Equal(t, "openai.chat", got.Name)
	assert.Equal(t, trace.SpanKindClient, got.SpanKind)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", got.SpanContext.TraceID().String())
	assert.Equal(t, sc.Span.SpanID, got.SpanContext.SpanID().String())
	assert.False(t, got.Parent.IsValid())
	assert.Equal(t, codes.Ok, got.Status.Code)
	assert.Equal(t, sc.Span.StartTime, got.StartTime)
	assert.Equal(t, ScopeName, got.InstrumentationScope.Name)

	checks := map[string]attribute.Value{
		AttrGenAISystem:        attribute.StringValue("openai"),
		AttrGenAIRequestModel:  attribute.StringValue("gpt-4o-mini"),
		AttrGenAIResponseID:    attribute.StringValue("chatcmpl-1"),
		AttrGenAIFinishReasons: attribute.StringSliceValue([]string{"stop"}),
		AttrGenAIInputTokens:   attribute.IntValue(11),
		AttrGenAIOutputTokens:  attribute.IntValue(6),
		AttrTokensExact:        attribute.BoolValue(true),
		AttrLatencyMs:          attribute.Int64Value(250),
		AttrTimeToFirstTokenMs: attribute.Int64Value(40),
		"llm.model":            attribute.StringValue("gpt-4o-mini"),
	}
	for key, want := range checks {
		v, ok := attr(got, key)
		require.True(t, ok, key)
		assert.Equal(t, want, v, key)
	}

	name, ok := got.Resource.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, "svc", name.AsString())
}

func TestConvert_ErrorParentAndEvents(t *testing.T) {
	tr, _ := newTransport(t)

	sc := fixtures.CustomSpan("not-hex-trace", "step")
	sc.Span.SpanID = "custom-span"
	sc.Span.ParentSpanID = "00f067aa0ba902b7"
	sc.Span.Status = types.StatusError
	sc.Span.Attributes = types.Attributes{
		types.Attr("error.message", "boom"),
		types.Attr("count", 3),
		types.Attr("ratio", 0.5),
		types.Attr("payload", map[string]any{"a": 1}),
	}
	sc.Span.Events = []types.Event{{
		Name:       "retry",
		Timestamp:  fixtures.BaseTime.Add(time.Millisecond),
		Attributes: types.Attributes{types.Attr("attempt", int64(2))},
	}}

	got := tr.Convert(sc)
	assert.Equal(t, trace.SpanKindInternal, got.SpanKind)
	assert.Equal(t, codes.Error, got.Status.Code)
	assert.Equal(t, "boom", got.Status.Description)

	assert.True(t, got.SpanContext.TraceID().IsValid())
	assert.Equal(t, ToTraceID("not-hex-trace"), got.SpanContext.TraceID())
	assert.Equal(t, ToSpanID("custom-span"), got.SpanContext.SpanID())
	assert.Equal(t, "00f067aa0ba902b7", got.Parent.SpanID().String())
	assert.Equal(t, got.SpanContext.TraceID(), got.Parent.TraceID())

	v, _ := attr(got, "count")
	assert.Equal(t, int64(3), v.AsInt64())
	v, _ = attr(got, "ratio")
	assert.Equal(t, 0.5, v.AsFloat64())
	v, _ = attr(got, "payload")
	assert.JSONEq(t, `{"a":1}`, v.AsString())

	require.Len(t, got.Events, 1)
	assert.Equal(t, "retry", got.Events[0].Name)
	assert.Equal(t, []attribute.KeyValue{attribute.Int64("attempt", 2)}, got.Events[0].Attributes)
}

func TestConvert_RequestErrorDescription(t *testing.T) {
	tr, _ := newTransport(t)
	sc := fixtures.LLMSpan(types.NewTraceID(), 0)
	sc.Span.Status = types.StatusError
	sc.Request.Error = types.NewError(types.ErrRateLimit, "slow down")

	got := tr.Convert(sc)
	assert.Equal(t, "slow down", got.Status.Description)
	v, ok := attr(got, AttrErrorCode)
	require.True(t, ok)
	assert.Equal(t, string(types.ErrRateLimit), v.AsString())
}

func TestIDs_Deterministic(t *testing.T) {
	assert.Equal(t, ToTraceID("abc"), ToTraceID("abc"))
	assert.NotEqual(t, ToTraceID("abc"), ToTraceID("abd"))
	id := types.NewSpanID()
	assert.Equal(t, id, ToSpanID(id).String())
}

type failingExporter struct{ sdktrace.SpanExporter }

func (failingExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	return errors.New("unavailable")
}

func (failingExporter) Shutdown(context.Context) error { return nil }

func TestSubmit_ExportError(t *testing.T) {
	tr, err := New(context.Background(), Config{Exporter: failingExporter{}}, nil)
	require.NoError(t, err)
	err = tr.Submit(context.Background(), fixtures.LLMSpans(1))
	assert.ErrorContains(t, err, "unavailable")
	assert.NoError(t, tr.Close(context.Background()))
}

func TestClose_ShutsDownExporter(t *testing.T) {
	tr, mem := newTransport(t)
	require.NoError(t, tr.Submit(context.Background(), fixtures.LLMSpans(2)))
	require.Len(t, mem.GetSpans(), 2)
	require.NoError(t, tr.Close(context.Background()))
	assert.Empty(t, mem.GetSpans())
}

func TestParseHeaders(t *testing.T) {
	h, err := ParseHeaders([]string{"x-api-key = k", "tenant=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"x-api-key": "k", "tenant": "a=b"}, h)

	_, err = ParseHeaders([]string{"novalue"})
	assert.Error(t, err)
}

func TestNew_DefaultsToGRPCExporter(t *testing.T) {
	tr, err := New(context.Background(), Config{
		Endpoint: "localhost:4317",
		Insecure: true,
		Headers:  []string{"a=b"},
		Timeout:  time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = tr.Close(ctx)
}
