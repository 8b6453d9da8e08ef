// Package asymetry is the SDK entry point. It wires configuration into the
// span queue, the batch exporter and its transport, and hands out the
// producers that record spans.
//
// Usage:
//
//	sdk, err := asymetry.Init(nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer asymetry.Shutdown(context.Background())
//
//	client := openai.NewClient(openai.Config{APIKey: key}, sdk.Instrumentor(), nil)
//
// Init loads configuration from ASYMETRY_* environment variables (and .env)
// when cfg is nil. A disabled configuration yields a handle that records
// nothing.
package asymetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/agents"
	"github.com/asymetry-ai/asymetry-sdk/config"
	"github.com/asymetry-ai/asymetry-sdk/exporter"
	"github.com/asymetry-ai/asymetry-sdk/instrument"
	"github.com/asymetry-ai/asymetry-sdk/internal/logging"
	"github.com/asymetry-ai/asymetry-sdk/internal/metrics"
	"github.com/asymetry-ai/asymetry-sdk/internal/server"
	"github.com/asymetry-ai/asymetry-sdk/spanqueue"
	"github.com/asymetry-ai/asymetry-sdk/tokenizer"
	"github.com/asymetry-ai/asymetry-sdk/tracing"
	"github.com/asymetry-ai/asymetry-sdk/transport"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// Version is the SDK version reported by the CLI.
const Version = "0.4.0"

// Option configures an SDK.
type Option func(*options)

type options struct {
	logger     *zap.Logger
	transport  exporter.Transport
	registerer prometheus.Registerer
	now        func() time.Time
}

// WithLogger uses logger instead of one built from the log configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTransport replaces the configured transport.
func WithTransport(t exporter.Transport) Option {
	return func(o *options) { o.transport = t }
}

// WithRegisterer registers metrics on reg. It implies metrics are enabled.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithClock overrides time.Now for the producers.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Queue    spanqueue.Stats `json:"queue"`
	Exporter exporter.Stats  `json:"exporter"`
}

// SDK owns one span pipeline. All methods are safe for concurrent use.
type SDK struct {
	cfg          *config.Config
	logger       *zap.Logger
	ownsLogger   bool
	enabled      bool
	queue        *spanqueue.Queue
	exporter     *exporter.Exporter
	transport    exporter.Transport
	tracer       *tracing.Tracer
	instrumentor *instrument.Instrumentor
	processor    *agents.Processor
	metrics      *metrics.Collector
	metricsSrv   *server.Manager

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds an SDK and starts its exporter.
func New(cfg *config.Config, opts ...Option) (*SDK, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	s := &SDK{cfg: cfg, logger: o.logger}
	if s.logger == nil {
		logger, err := logging.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("asymetry: logger: %w", err)
		}
		s.logger = logger
		s.ownsLogger = true
	}

	if !cfg.Enabled {
		s.logger.Info("asymetry disabled, spans will be discarded")
		s.initProducers(spanqueue.Discard, o)
		return s, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configureTokenizers(cfg.Tokens, s.logger)

	policy, err := spanqueue.ParseOverflowPolicy(cfg.Queue.OverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("asymetry: %w", err)
	}
	s.queue = spanqueue.New(spanqueue.Config{
		Capacity:       cfg.Queue.Capacity,
		OverflowPolicy: policy,
	}, s.logger)

	s.transport = o.transport
	if s.transport == nil {
		s.transport, err = transport.New(context.Background(), cfg, s.logger)
		if err != nil {
			return nil, fmt.Errorf("asymetry: transport: %w", err)
		}
	}

	submit := s.transport
	if cfg.Metrics.Enabled || o.registerer != nil {
		s.metrics = metrics.NewCollector(cfg.Metrics.Namespace, o.registerer, s.logger)
		submit = s.metrics.Transport(submit)
		s.metrics.RegisterQueue(s.queue.Stats)
	}

	s.exporter = exporter.New(exporterConfig(cfg.Exporter), s.queue, submit, s.logger)
	s.enabled = true
	s.initProducers(s.queue, o)

	if s.metrics != nil {
		s.metrics.RegisterExporter(s.exporter.Stats)
		if err := s.serveMetrics(cfg.Metrics); err != nil {
			_ = s.Shutdown(context.Background())
			return nil, err
		}
	}
	s.logger.Info("asymetry initialized",
		zap.String("service", cfg.ServiceName),
		zap.String("transport", cfg.Transport.Type),
		zap.Int("queue_capacity", s.queue.Cap()),
		zap.String("overflow_policy", policy.String()),
	)
	return s, nil
}

func (s *SDK) initProducers(sink spanqueue.Sink, o options) {
	var (
		instOpts   []instrument.Option
		traceOpts  []tracing.TracerOption
		agentsOpts = []agents.Option{agents.WithFlusher(s)}
	)
	if o.now != nil {
		instOpts = append(instOpts, instrument.WithClock(o.now))
		traceOpts = append(traceOpts, tracing.WithClock(o.now))
		agentsOpts = append(agentsOpts, agents.WithClock(o.now))
	}
	s.instrumentor = instrument.New(sink, s.logger, instOpts...)
	s.tracer = tracing.NewTracer(sink, s.logger, traceOpts...)
	s.processor = agents.NewProcessor(sink, s.logger, agentsOpts...)
}

func (s *SDK) serveMetrics(cfg config.MetricsConfig) error {
	if cfg.Addr == "" {
		return nil
	}
	g := s.metrics.Gatherer()
	if g == nil {
		return fmt.Errorf("asymetry: metrics.addr set but the registerer cannot be gathered")
	}
	srvCfg := server.DefaultConfig()
	srvCfg.Addr = cfg.Addr
	srv := server.NewMetricsManager(g, srvCfg, s.logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("asymetry: metrics server: %w", err)
	}
	s.metricsSrv = srv
	return nil
}

func configureTokenizers(cfg config.TokenConfig, logger *zap.Logger) {
	tokenizer.SetDefaultEstimator(tokenizer.NewEstimator(cfg.CharsPerToken))
	if cfg.Estimator == "tiktoken" {
		tokenizer.RegisterOpenAITokenizers(logger)
	}
}

func exporterConfig(c config.ExporterConfig) exporter.Config {
	return exporter.Config{
		BatchSize:       c.BatchSize,
		FlushInterval:   c.FlushInterval,
		MaxRetries:      c.MaxRetries,
		ShutdownTimeout: c.ShutdownTimeout,
		SubmitTimeout:   c.SubmitTimeout,
		RetryBackoff: exporter.BackoffConfig{
			Initial:    c.Backoff.Initial,
			Multiplier: c.Backoff.Multiplier,
			Max:        c.Backoff.Max,
			Jitter:     c.Backoff.Jitter,
		},
	}
}

// Enabled reports whether spans are exported.
func (s *SDK) Enabled() bool { return s.enabled }

// Config returns the configuration the SDK was built from.
func (s *SDK) Config() *config.Config { return s.cfg }

// Logger returns the SDK logger.
func (s *SDK) Logger() *zap.Logger { return s.logger }

// Queue returns the span queue, or nil when disabled.
func (s *SDK) Queue() *spanqueue.Queue { return s.queue }

// Sink returns the producer side of the pipeline.
func (s *SDK) Sink() spanqueue.Sink {
	if s.queue == nil {
		return spanqueue.Discard
	}
	return s.queue
}

// Tracer returns the tracer for custom spans.
func (s *SDK) Tracer() *tracing.Tracer { return s.tracer }

// Instrumentor returns the instrumentor for provider clients.
func (s *SDK) Instrumentor() *instrument.Instrumentor { return s.instrumentor }

// Processor returns the agent framework processor.
func (s *SDK) Processor() *agents.Processor { return s.processor }

// Record enqueues a finalized span.
func (s *SDK) Record(sc *types.SpanContext) {
	s.Sink().Enqueue(sc)
}

// Gatherer returns the registry SDK metrics are registered on, or nil when
// metrics are disabled.
func (s *SDK) Gatherer() prometheus.Gatherer {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.Gatherer()
}

// MetricsAddr returns the address the metrics endpoint listens on, or "" when
// it is not served.
func (s *SDK) MetricsAddr() string {
	if s.metricsSrv == nil {
		return ""
	}
	return s.metricsSrv.Addr()
}

// Stats returns the pipeline counters.
func (s *SDK) Stats() Stats {
	var st Stats
	if s.queue != nil {
		st.Queue = s.queue.Stats()
	}
	if s.exporter != nil {
		st.Exporter = s.exporter.Stats()
	}
	return st
}

// Flush exports everything queued before the call.
func (s *SDK) Flush(ctx context.Context) error {
	if s.exporter == nil {
		return nil
	}
	return s.exporter.Flush(ctx)
}

// Shutdown stops the exporter, bounded by the configured shutdown timeout
// and ctx, then closes the transport. Later calls return the first result.
func (s *SDK) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		var errs []error
		if s.exporter != nil {
			if err := s.exporter.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
			st := s.exporter.Stats()
			s.logger.Info("asymetry shut down",
				zap.Int64("exported", st.Exported),
				zap.Int64("dropped_failed", st.DroppedFailed),
				zap.Int64("dropped_shutdown", st.DroppedShutdown),
			)
		}
		if s.metricsSrv != nil {
			if err := s.metricsSrv.Shutdown(context.WithoutCancel(ctx)); err != nil {
				errs = append(errs, fmt.Errorf("asymetry: metrics server: %w", err))
			}
		}
		if s.metrics != nil {
			s.metrics.Unregister()
		}
		if s.transport != nil {
			closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			if err := transport.Close(closeCtx, s.transport); err != nil {
				errs = append(errs, fmt.Errorf("asymetry: close transport: %w", err))
			}
			cancel()
		}
		if s.ownsLogger {
			_ = s.logger.Sync()
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

// =============================================================================
// Process-wide instance
// =============================================================================

var (
	defaultMu  sync.Mutex
	defaultSDK *SDK
	disabled   = newDisabled()
)

func newDisabled() *SDK {
	cfg := config.DefaultConfig()
	cfg.Enabled = false
	s, _ := New(cfg, WithLogger(zap.NewNop()))
	return s
}

// Init builds the process-wide SDK once. Later calls return the existing
// instance and ignore their arguments. A nil cfg is loaded from the
// environment.
func Init(cfg *config.Config, opts ...Option) (*SDK, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSDK != nil {
		return defaultSDK, nil
	}

	if cfg == nil {
		loaded, err := config.NewLoader().WithDotEnv(".env").Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	s, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	defaultSDK = s
	return s, nil
}

// Default returns the process-wide SDK, or a disabled one before Init.
func Default() *SDK {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSDK == nil {
		return disabled
	}
	return defaultSDK
}

// Shutdown shuts the process-wide SDK down. Init may be called again
// afterwards.
func Shutdown(ctx context.Context) error {
	defaultMu.Lock()
	s := defaultSDK
	defaultSDK = nil
	defaultMu.Unlock()
	if s == nil {
		return nil
	}
	return s.Shutdown(ctx)
}

// Reset discards the process-wide SDK without waiting for pending spans and
// restores the default tokenizers.
func Reset() {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = Shutdown(ctx)
	tokenizer.ResetRegistry()
}
