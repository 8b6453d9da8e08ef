// Package exporter runs the background worker that drains the span queue
// into batches and submits them to a transport.
package exporter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/internal/retry"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

var (
	ErrClosed          = errors.New("exporter closed")
	ErrShutdownTimeout = errors.New("exporter shutdown timed out")
)

// joinGrace bounds how long Shutdown waits for the worker after the deadline.
const joinGrace = 250 * time.Millisecond

// Transport delivers one batch to the collector. Implementations must honour
// ctx cancellation; the exporter applies a per-call timeout.
type Transport interface {
	Submit(ctx context.Context, batch []*types.SpanContext) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, batch []*types.SpanContext) error

func (f TransportFunc) Submit(ctx context.Context, batch []*types.SpanContext) error {
	return f(ctx, batch)
}

// Permanent marks a transport error as not worth retrying, such as a
// rejected payload. The batch is dropped after the first attempt.
func Permanent(err error) error {
	return retry.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return retry.IsPermanent(err)
}

// Source is the consumer side of the span queue.
type Source interface {
	DrainBatch(ctx context.Context, maxItems int, maxWait time.Duration) []*types.SpanContext
	TryDrain(maxItems int) []*types.SpanContext
	Len() int
}

// BackoffConfig configures the delay between submission retries.
type BackoffConfig struct {
	Initial    time.Duration `json:"initial"`
	Multiplier float64       `json:"multiplier"`
	Max        time.Duration `json:"max"`
	Jitter     bool          `json:"jitter"`
}

// Config configures the exporter.
type Config struct {
	BatchSize       int           `json:"batch_size"`
	FlushInterval   time.Duration `json:"flush_interval"`
	MaxRetries      int           `json:"max_retries"`
	RetryBackoff    BackoffConfig `json:"retry_backoff"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	SubmitTimeout   time.Duration `json:"submit_timeout"`
}

// DefaultConfig returns the exporter defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryBackoff: BackoffConfig{
			Initial:    500 * time.Millisecond,
			Multiplier: 2.0,
			Max:        30 * time.Second,
			Jitter:     true,
		},
		ShutdownTimeout: 10 * time.Second,
		SubmitTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff.Initial <= 0 {
		c.RetryBackoff.Initial = d.RetryBackoff.Initial
	}
	if c.RetryBackoff.Multiplier < 1 {
		c.RetryBackoff.Multiplier = d.RetryBackoff.Multiplier
	}
	if c.RetryBackoff.Max <= 0 {
		c.RetryBackoff.Max = d.RetryBackoff.Max
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	return c
}

// Stats is a snapshot of exporter counters. Counts are in spans unless the
// name says batches.
type Stats struct {
	Exported        int64 `json:"exported"`
	DroppedFailed   int64 `json:"dropped_failed"`
	DroppedShutdown int64 `json:"dropped_shutdown"`
	BatchesSent     int64 `json:"batches_sent"`
	BatchesFailed   int64 `json:"batches_failed"`
	SubmitAttempts  int64 `json:"submit_attempts"`
	Pending         int   `json:"pending"`
}

// Exporter drains a Source on a single goroutine. A batch is flushed when it
// reaches BatchSize, when its oldest span has waited FlushInterval, on Flush,
// and on Shutdown. Failed submissions are retried with exponential backoff
// and then dropped; spans are never re-enqueued.
type Exporter struct {
	cfg       Config
	src       Source
	transport Transport
	retryer   retry.Retryer
	logger    *zap.Logger

	mu           sync.Mutex
	stopping     bool
	drainCancel  context.CancelFunc
	flushWaiters []chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	done      chan struct{}
	closed    atomic.Bool

	exported        atomic.Int64
	droppedFailed   atomic.Int64
	droppedShutdown atomic.Int64
	batchesSent     atomic.Int64
	batchesFailed   atomic.Int64
	attempts        atomic.Int64
}

// New creates an exporter and starts its worker.
func New(cfg Config, src Source, transport Transport, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	logger = logger.With(zap.String("component", "exporter"))

	e := &Exporter{
		cfg:       cfg,
		src:       src,
		transport: transport,
		logger:    logger,
		done:      make(chan struct{}),
	}
	e.retryer = retry.NewBackoffRetryer(&retry.Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.RetryBackoff.Initial,
		MaxDelay:     cfg.RetryBackoff.Max,
		Multiplier:   cfg.RetryBackoff.Multiplier,
		Jitter:       cfg.RetryBackoff.Jitter,
	}, logger)
	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	go e.run()
	return e
}

// Config returns the effective configuration.
func (e *Exporter) Config() Config {
	return e.cfg
}

func (e *Exporter) run() {
	defer close(e.done)

	for {
		e.mu.Lock()
		if e.stopping {
			e.mu.Unlock()
			break
		}
		drainCtx, cancel := context.WithCancel(context.Background())
		e.drainCancel = cancel
		flushPending := len(e.flushWaiters) > 0
		e.mu.Unlock()

		var batch []*types.SpanContext
		if !flushPending {
			batch = e.src.DrainBatch(drainCtx, e.cfg.BatchSize, e.cfg.FlushInterval)
		}
		cancel()

		e.mu.Lock()
		e.drainCancel = nil
		e.mu.Unlock()

		if len(batch) > 0 {
			e.export(batch)
		}
		e.serveFlushes()
	}

	e.drainRemaining()
	e.serveFlushes()
}

// serveFlushes exports everything queued when the flush was requested and
// releases the waiting callers.
func (e *Exporter) serveFlushes() {
	e.mu.Lock()
	waiters := e.flushWaiters
	e.flushWaiters = nil
	e.mu.Unlock()
	if len(waiters) == 0 {
		return
	}

	for remaining := e.src.Len(); remaining > 0 && e.runCtx.Err() == nil; {
		batch := e.src.TryDrain(min(remaining, e.cfg.BatchSize))
		if len(batch) == 0 {
			break
		}
		remaining -= len(batch)
		e.export(batch)
	}

	for _, w := range waiters {
		close(w)
	}
}

// drainRemaining is the final drain after Shutdown. It stops as soon as the
// shutdown deadline cancels runCtx.
func (e *Exporter) drainRemaining() {
	for e.runCtx.Err() == nil {
		batch := e.src.TryDrain(e.cfg.BatchSize)
		if len(batch) == 0 {
			return
		}
		e.export(batch)
	}
	e.discardRemaining()
}

func (e *Exporter) discardRemaining() {
	rest := e.src.TryDrain(math.MaxInt)
	if len(rest) == 0 {
		return
	}
	e.droppedShutdown.Add(int64(len(rest)))
	e.logger.Warn("discarding spans not exported before shutdown deadline",
		zap.Int("spans", len(rest)),
	)
}

func (e *Exporter) export(batch []*types.SpanContext) {
	ctx := e.runCtx
	err := e.retryer.Do(ctx, func() error {
		e.attempts.Add(1)
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		defer cancel()
		return e.submit(callCtx, batch)
	})

	if err == nil {
		e.exported.Add(int64(len(batch)))
		e.batchesSent.Add(1)
		e.logger.Debug("batch exported", zap.Int("spans", len(batch)))
		return
	}

	if ctx.Err() != nil {
		e.droppedShutdown.Add(int64(len(batch)))
		e.logger.Warn("batch abandoned at shutdown deadline",
			zap.Int("spans", len(batch)),
			zap.Error(err),
		)
		return
	}

	e.droppedFailed.Add(int64(len(batch)))
	e.batchesFailed.Add(1)
	e.logger.Warn("dropping batch after failed submission",
		zap.Int("spans", len(batch)),
		zap.Int("max_retries", e.cfg.MaxRetries),
		zap.Error(err),
	)
}

func (e *Exporter) submit(ctx context.Context, batch []*types.SpanContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transport panic: %v", r)
		}
	}()
	return e.transport.Submit(ctx, batch)
}

// Flush exports every span queued at the time of the call and waits until
// that completes or ctx is done.
func (e *Exporter) Flush(ctx context.Context) error {
	ch := make(chan struct{})

	e.mu.Lock()
	if e.stopping {
		e.mu.Unlock()
		return ErrClosed
	}
	e.flushWaiters = append(e.flushWaiters, ch)
	if e.drainCancel != nil {
		e.drainCancel()
	}
	e.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops scheduling new flushes, exports what is left, and returns
// no later than ShutdownTimeout or the ctx deadline, whichever comes first.
// Spans not exported by then are discarded and counted as DroppedShutdown.
// Calling Shutdown more than once is a no-op.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}

	e.mu.Lock()
	e.stopping = true
	if e.drainCancel != nil {
		e.drainCancel()
	}
	e.mu.Unlock()

	timer := time.NewTimer(e.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-e.done:
		e.runCancel()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	e.runCancel()

	// The in-flight submission sees runCtx cancelled; wait for the worker to
	// count it before returning. A transport that ignores its ctx is abandoned
	// after joinGrace.
	join := time.NewTimer(joinGrace)
	defer join.Stop()
	select {
	case <-e.done:
	case <-join.C:
		e.logger.Warn("worker still busy after shutdown deadline",
			zap.Duration("grace", joinGrace),
		)
	}

	e.discardRemaining()
	e.logger.Warn("shutdown deadline reached",
		zap.Duration("timeout", e.cfg.ShutdownTimeout),
	)
	return ErrShutdownTimeout
}

// Done is closed when the worker has exited.
func (e *Exporter) Done() <-chan struct{} {
	return e.done
}

// Stats returns a snapshot of the exporter counters.
func (e *Exporter) Stats() Stats {
	return Stats{
		Exported:        e.exported.Load(),
		DroppedFailed:   e.droppedFailed.Load(),
		DroppedShutdown: e.droppedShutdown.Load(),
		BatchesSent:     e.batchesSent.Load(),
		BatchesFailed:   e.batchesFailed.Load(),
		SubmitAttempts:  e.attempts.Load(),
		Pending:         e.src.Len(),
	}
}
