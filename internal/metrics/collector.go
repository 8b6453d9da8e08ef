package metrics

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/exporter"
	"github.com/asymetry-ai/asymetry-sdk/spanqueue"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// =============================================================================
// Collector
// =============================================================================

// Collector records SDK metrics. Metrics already present on the registerer
// are reused, so several collectors may share one registerer; Unregister
// removes what this collector added.
type Collector struct {
	namespace string
	reg       prometheus.Registerer
	factory   promauto.Factory

	mu         sync.Mutex
	registered []prometheus.Collector

	llmRequestsTotal   *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmTimeToFirstTok  *prometheus.HistogramVec
	llmTokensUsed      *prometheus.CounterVec
	spansTotal         *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers LLM metrics under namespace on reg. A nil reg
// selects prometheus.DefaultRegisterer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		namespace: namespace,
		reg:       reg,
		// Unregistered factory; register below handles duplicates.
		factory: promauto.With(nil),
		logger:  logger.With(zap.String("component", "metrics")),
	}

	c.llmRequestsTotal = registerVec(c, c.factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Total number of recorded LLM requests",
		},
		[]string{"provider", "model", "status"},
	))

	c.llmRequestDuration = registerVec(c, c.factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM request latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	))

	c.llmTimeToFirstTok = registerVec(c, c.factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_time_to_first_token_seconds",
			Help:      "Time to first streamed event in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"provider", "model"},
	))

	c.llmTokensUsed = registerVec(c, c.factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_used_total",
			Help:      "Total number of tokens, reported or estimated",
		},
		[]string{"provider", "model", "type", "exact"},
	))

	c.spansTotal = registerVec(c, c.factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spans_total",
			Help:      "Total number of exported spans by type and status",
		},
		[]string{"span_type", "status"},
	))

	return c
}

// ObserveSpan records one exported span.
func (c *Collector) ObserveSpan(sc *types.SpanContext) {
	if sc == nil {
		return
	}
	c.spansTotal.WithLabelValues(string(sc.Span.Type), string(sc.Span.Status)).Inc()
	if !sc.IsLLM() {
		return
	}

	provider, model := string(sc.Request.Provider), sc.Request.Model
	c.llmRequestsTotal.WithLabelValues(provider, model, string(sc.Request.Status)).Inc()
	c.llmRequestDuration.WithLabelValues(provider, model).Observe(ms(sc.LatencyMs))
	if sc.TimeToFirstTokenMs != nil {
		c.llmTimeToFirstTok.WithLabelValues(provider, model).Observe(ms(*sc.TimeToFirstTokenMs))
	}
	if sc.Tokens != nil {
		exact := strconv.FormatBool(sc.Tokens.Exact)
		c.llmTokensUsed.WithLabelValues(provider, model, "input", exact).Add(float64(sc.Tokens.InputTokens))
		c.llmTokensUsed.WithLabelValues(provider, model, "output", exact).Add(float64(sc.Tokens.OutputTokens))
	}
}

func ms(v int64) float64 {
	return (time.Duration(v) * time.Millisecond).Seconds()
}

// Transport wraps next so every successfully submitted span is observed.
func (c *Collector) Transport(next exporter.Transport) exporter.Transport {
	return exporter.TransportFunc(func(ctx context.Context, batch []*types.SpanContext) error {
		if err := next.Submit(ctx, batch); err != nil {
			return err
		}
		for _, sc := range batch {
			c.ObserveSpan(sc)
		}
		return nil
	})
}

// =============================================================================
// Component counters
// =============================================================================

// RegisterQueue exposes queue counters read from stats on every scrape.
func (c *Collector) RegisterQueue(stats func() spanqueue.Stats) {
	c.gauge("queue_length", "Spans waiting in the queue", func() float64 { return float64(stats().Len) })
	c.gauge("queue_capacity", "Queue capacity", func() float64 { return float64(stats().Capacity) })
	c.counter("spans_enqueued_total", "Spans accepted by the queue", func() float64 { return float64(stats().Enqueued) })
	c.counter("spans_dropped_overflow_total", "Spans dropped because the queue was full", func() float64 { return float64(stats().Dropped) })
}

// RegisterExporter exposes exporter counters read from stats on every
// scrape.
func (c *Collector) RegisterExporter(stats func() exporter.Stats) {
	c.counter("spans_exported_total", "Spans delivered to the transport", func() float64 { return float64(stats().Exported) })
	c.counter("spans_dropped_failed_total", "Spans dropped after exhausting retries", func() float64 { return float64(stats().DroppedFailed) })
	c.counter("spans_dropped_shutdown_total", "Spans dropped at shutdown", func() float64 { return float64(stats().DroppedShutdown) })
	c.counter("batches_sent_total", "Batches delivered", func() float64 { return float64(stats().BatchesSent) })
	c.counter("batches_failed_total", "Batches dropped after exhausting retries", func() float64 { return float64(stats().BatchesFailed) })
	c.counter("submit_attempts_total", "Transport submission attempts", func() float64 { return float64(stats().SubmitAttempts) })
}

func (c *Collector) counter(name, help string, fn func() float64) {
	c.replace(c.factory.NewCounterFunc(prometheus.CounterOpts{Namespace: c.namespace, Name: name, Help: help}, fn))
}

func (c *Collector) gauge(name, help string, fn func() float64) {
	c.replace(c.factory.NewGaugeFunc(prometheus.GaugeOpts{Namespace: c.namespace, Name: name, Help: help}, fn))
}

// registerVec registers v, or returns the vector already registered under the
// same name so counts continue across SDK instances.
func registerVec[T prometheus.Collector](c *Collector, v T) T {
	err := c.reg.Register(v)
	if err == nil {
		c.track(v)
		return v
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	c.logger.Warn("metric not registered", zap.Error(err))
	return v
}

// replace registers a func metric, evicting one left by an earlier instance:
// its callback would read stale component stats.
func (c *Collector) replace(col prometheus.Collector) {
	err := c.reg.Register(col)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		c.reg.Unregister(are.ExistingCollector)
		err = c.reg.Register(col)
	}
	if err != nil {
		c.logger.Warn("metric not registered", zap.Error(err))
		return
	}
	c.track(col)
}

func (c *Collector) track(col prometheus.Collector) {
	c.mu.Lock()
	c.registered = append(c.registered, col)
	c.mu.Unlock()
}

// Unregister removes every metric this collector registered. It is safe to
// call more than once.
func (c *Collector) Unregister() {
	c.mu.Lock()
	cols := c.registered
	c.registered = nil
	c.mu.Unlock()
	for _, col := range cols {
		c.reg.Unregister(col)
	}
}

// Gatherer returns the registry metrics are registered on, or nil when the
// registerer cannot be gathered from.
func (c *Collector) Gatherer() prometheus.Gatherer {
	if g, ok := c.reg.(prometheus.Gatherer); ok {
		return g
	}
	return nil
}
