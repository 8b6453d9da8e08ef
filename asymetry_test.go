package asymetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/asymetry-ai/asymetry-sdk/agents"
	"github.com/asymetry-ai/asymetry-sdk/config"
	"github.com/asymetry-ai/asymetry-sdk/instrument"
	"github.com/asymetry-ai/asymetry-sdk/testutil"
	"github.com/asymetry-ai/asymetry-sdk/testutil/fixtures"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServiceName = "test"
	cfg.Exporter.FlushInterval = 20 * time.Millisecond
	cfg.Exporter.ShutdownTimeout = time.Second
	cfg.Exporter.Backoff.Initial = time.Millisecond
	cfg.Exporter.Backoff.Max = 5 * time.Millisecond
	cfg.Exporter.Backoff.Jitter = false
	return cfg
}

func newTestSDK(t *testing.T, cfg *config.Config, opts ...Option) (*SDK, *testutil.FakeTransport) {
	t.Helper()
	ft := testutil.NewFakeTransport()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t)), WithTransport(ft)}, opts...)
	s, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, ft
}

func TestSDK_TracerSpansAreExported(t *testing.T) {
	s, ft := newTestSDK(t, testConfig())
	require.True(t, s.Enabled())

	err := s.Tracer().Observe(testutil.TestContext(t), "step", func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Flush(testutil.TestContext(t)))
	spans := ft.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "step", spans[0].Span.Name)
	assert.Equal(t, types.StatusSuccess, spans[0].Span.Status)
}

func TestSDK_InstrumentedCallLinksToParent(t *testing.T) {
	s, ft := newTestSDK(t, testConfig())
	ctx := testutil.TestContext(t)

	call := instrument.Call{Request: fixtures.ChatRequest("gpt-4o-mini", "hello")}
	err := s.Tracer().Observe(ctx, "pipeline", func(ctx context.Context) error {
		_, err := instrument.Complete(ctx, s.Instrumentor(), call,
			func(context.Context) (string, error) { return "hi", nil },
			func(string) (instrument.Result, error) {
				usage := types.NewExactUsage(3, 1)
				return instrument.Result{
					Output: []types.Message{{Role: types.RoleAssistant, Content: "hi"}},
					Usage:  &usage,
				}, nil
			})
		return err
	})
	require.NoError(t, err)
	require.NoError(t, s.Shutdown(ctx))

	spans := ft.Spans()
	require.Len(t, spans, 2)
	llm, parent := spans[0], spans[1]
	assert.Equal(t, "pipeline", parent.Span.Name)
	assert.Equal(t, parent.Span.TraceID, llm.Span.TraceID)
	assert.Equal(t, parent.Span.SpanID, llm.Span.ParentSpanID)
	assert.Equal(t, 3, llm.Tokens.InputTokens)
	assert.True(t, llm.Tokens.Exact)

	st := s.Stats()
	assert.Equal(t, int64(2), st.Queue.Enqueued)
	assert.Equal(t, int64(2), st.Exporter.Exported)
}

func TestSDK_ProcessorShutdownDrainsPipeline(t *testing.T) {
	s, ft := newTestSDK(t, testConfig())

	p := s.Processor()
	p.OnTraceStart(agents.Trace{TraceID: "trace_abc", Name: "wf"})
	span := agents.Span{
		TraceID: "trace_abc",
		SpanID:  "span_1",
		Data:    agents.SpanData{Kind: agents.KindAgent, Name: "planner"},
	}
	p.OnSpanStart(span)
	p.OnSpanEnd(span)
	p.OnTraceEnd(agents.Trace{TraceID: "trace_abc", Name: "wf"})

	require.NoError(t, p.Shutdown(testutil.TestContext(t)))
	spans := ft.Spans()
	require.Len(t, spans, 1)
	assert.Equal(t, "abc", spans[0].Span.TraceID)
	assert.Equal(t, types.SpanTypeAgent, spans[0].Span.Type)
}

func TestSDK_RetriesThenExports(t *testing.T) {
	s, ft := newTestSDK(t, testConfig())
	ft.WithFailures(2, errors.New("unavailable"))

	s.Record(fixtures.LLMSpan(types.NewTraceID(), 0))
	require.NoError(t, s.Shutdown(testutil.TestContext(t)))

	assert.Equal(t, 3, ft.Calls())
	assert.Len(t, ft.Spans(), 1)
	assert.Equal(t, int64(3), s.Stats().Exporter.SubmitAttempts)
}

func TestSDK_ShutdownIsIdempotent(t *testing.T) {
	s, _ := newTestSDK(t, testConfig())
	ctx := testutil.TestContext(t)
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))
}

func TestSDK_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, _ := newTestSDK(t, testConfig(), WithRegisterer(reg))

	s.Record(fixtures.LLMSpan(types.NewTraceID(), 1))
	require.NoError(t, s.Flush(testutil.TestContext(t)))

	n, err := promtest.GatherAndCount(reg, "asymetry_spans_exported_total", "asymetry_llm_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSDK_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	s, ft := newTestSDK(t, cfg)

	assert.False(t, s.Enabled())
	assert.Nil(t, s.Queue())
	s.Record(fixtures.LLMSpan(types.NewTraceID(), 0))
	_, span := s.Tracer().Start(context.Background(), "ignored")
	span.End(nil)

	require.NoError(t, s.Flush(context.Background()))
	require.NoError(t, s.Shutdown(context.Background()))
	assert.Zero(t, ft.Calls())
	assert.Equal(t, Stats{}, s.Stats())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Capacity = 0
	_, err := New(cfg, WithTransport(testutil.NewFakeTransport()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.capacity")
}

func TestInit_IsIdempotent(t *testing.T) {
	t.Cleanup(Reset)
	assert.False(t, Default().Enabled())

	ft := testutil.NewFakeTransport()
	first, err := Init(testConfig(), WithLogger(zaptest.NewLogger(t)), WithTransport(ft))
	require.NoError(t, err)
	second, err := Init(nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, first, Default())

	Default().Record(fixtures.LLMSpan(types.NewTraceID(), 0))
	require.NoError(t, Shutdown(testutil.TestContext(t)))
	assert.Len(t, ft.Spans(), 1)

	assert.False(t, Default().Enabled())
	assert.NoError(t, Shutdown(context.Background()))
}

func TestInit_ReinitWithSameRegisterer(t *testing.T) {
	t.Cleanup(Reset)
	reg := prometheus.NewRegistry()

	for round := range 2 {
		ft := testutil.NewFakeTransport()
		var s *SDK
		require.NotPanics(t, func() {
			var err error
			s, err = Init(testConfig(), WithLogger(zaptest.NewLogger(t)), WithTransport(ft), WithRegisterer(reg))
			require.NoError(t, err)
		}, "round %d", round)

		s.Record(fixtures.LLMSpan(types.NewTraceID(), round))
		require.NoError(t, s.Flush(testutil.TestContext(t)))
		expected := `
# HELP asymetry_spans_exported_total Spans delivered to the transport
# TYPE asymetry_spans_exported_total counter
asymetry_spans_exported_total 1
`
		require.NoError(t, promtest.GatherAndCompare(reg, strings.NewReader(expected), "asymetry_spans_exported_total"), "round %d", round)
		require.NoError(t, Shutdown(testutil.TestContext(t)))
	}
}

func TestSDK_CoexistingOnOneRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, _ := newTestSDK(t, testConfig(), WithRegisterer(reg))
	var b *SDK
	require.NotPanics(t, func() { b, _ = newTestSDK(t, testConfig(), WithRegisterer(reg)) })

	a.Record(fixtures.LLMSpan(types.NewTraceID(), 0))
	b.Record(fixtures.LLMSpan(types.NewTraceID(), 1))
	require.NoError(t, a.Flush(testutil.TestContext(t)))
	require.NoError(t, b.Flush(testutil.TestContext(t)))

	n, err := promtest.GatherAndCount(reg, "asymetry_llm_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "both SDKs feed one series")
}

func TestSDK_MetricsEnabledByConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	s, _ := newTestSDK(t, cfg)

	require.Equal(t, prometheus.DefaultGatherer, s.Gatherer())
	require.NotEmpty(t, s.MetricsAddr())

	s.Record(fixtures.LLMSpan(types.NewTraceID(), 0))
	require.NoError(t, s.Flush(testutil.TestContext(t)))

	resp, err := http.Get("http://" + s.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "asymetry_spans_exported_total 1")
	assert.Contains(t, string(body), "asymetry_llm_requests_total")

	require.NoError(t, s.Shutdown(testutil.TestContext(t)))
	n, err := promtest.GatherAndCount(prometheus.DefaultGatherer, "asymetry_spans_exported_total")
	require.NoError(t, err)
	assert.Zero(t, n, "shutdown unregisters SDK metrics")
}

func TestSDK_MetricsDisabledHasNoGatherer(t *testing.T) {
	s, _ := newTestSDK(t, testConfig())
	assert.Nil(t, s.Gatherer())
	assert.Empty(t, s.MetricsAddr())
}
