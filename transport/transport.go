// Package transport provides the destinations the exporter submits batches
// to, and a factory selecting one from configuration.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/asymetry-ai/asymetry-sdk/exporter"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// Transport is the exporter's submission contract.
type Transport = exporter.Transport

// Func adapts a function to Transport.
type Func = exporter.TransportFunc

// Closer is implemented by transports holding connections.
type Closer interface {
	Close(ctx context.Context) error
}

// Close closes t when it implements Closer.
func Close(ctx context.Context, t Transport) error {
	if c, ok := t.(Closer); ok {
		return c.Close(ctx)
	}
	return nil
}

// Noop accepts and discards every batch.
var Noop Transport = Func(func(context.Context, []*types.SpanContext) error { return nil })

// Log writes every span to a logger at debug level.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a Log transport.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.With(zap.String("component", "transport.log"))}
}

// Submit logs the batch.
func (l *Log) Submit(_ context.Context, batch []*types.SpanContext) error {
	for _, sc := range batch {
		fields := []zap.Field{
			zap.String("trace_id", sc.Span.TraceID),
			zap.String("span_id", sc.Span.SpanID),
			zap.String("parent_span_id", sc.Span.ParentSpanID),
			zap.String("span_type", string(sc.Span.Type)),
			zap.String("status", string(sc.Span.Status)),
			zap.Int64("latency_ms", sc.LatencyMs),
		}
		if sc.Request != nil {
			fields = append(fields,
				zap.String("provider", string(sc.Request.Provider)),
				zap.String("model", sc.Request.Model),
			)
		}
		if sc.Tokens != nil {
			fields = append(fields,
				zap.Int("input_tokens", sc.Tokens.InputTokens),
				zap.Int("output_tokens", sc.Tokens.OutputTokens),
				zap.Bool("tokens_exact", sc.Tokens.Exact),
			)
		}
		l.logger.Debug(sc.Span.Name, fields...)
	}
	return nil
}

// Multi submits every batch to all targets concurrently. The batch fails
// when any target fails; it is permanent only when every failure is.
type Multi struct {
	targets []Transport
}

// NewMulti creates a fan-out transport.
func NewMulti(targets ...Transport) *Multi {
	return &Multi{targets: targets}
}

// Submit fans the batch out.
func (m *Multi) Submit(ctx context.Context, batch []*types.SpanContext) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for i, t := range m.targets {
		g.Go(func() error {
			if err := t.Submit(ctx, batch); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("target %d: %w", i, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(errs) == 0 {
		return nil
	}
	for _, err := range errs {
		if !exporter.IsPermanent(err) {
			return errors.Join(stripPermanent(errs)...)
		}
	}
	return exporter.Permanent(errors.Join(errs...))
}

// stripPermanent hides permanent markers so a mixed failure stays
// retryable.
func stripPermanent(errs []error) []error {
	out := make([]error, len(errs))
	for i, err := range errs {
		if exporter.IsPermanent(err) {
			out[i] = errors.New(err.Error())
			continue
		}
		out[i] = err
	}
	return out
}

// Close closes every target.
func (m *Multi) Close(ctx context.Context) error {
	var errs []error
	for _, t := range m.targets {
		errs = append(errs, Close(ctx, t))
	}
	return errors.Join(errs...)
}
