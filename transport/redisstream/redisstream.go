// Package redisstream appends spans to a Redis stream for consumers that
// process them asynchronously.
package redisstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/exporter"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// DefaultStream is the stream key used when none is configured.
const DefaultStream = "asymetry:spans"

// Entry field names.
const (
	FieldTraceID  = "trace_id"
	FieldSpanID   = "span_id"
	FieldSpanType = "span_type"
	FieldPayload  = "payload"
)

// Config configures a Transport.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Stream   string
	// MaxLen trims the stream approximately; 0 disables trimming.
	MaxLen int64
}

// Transport writes each span as one stream entry.
type Transport struct {
	client redis.UniversalClient
	owned  bool
	stream string
	maxLen int64
	logger *zap.Logger
}

// New connects to Redis.
func New(cfg Config, logger *zap.Logger) *Transport {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	t := NewWithClient(client, cfg.Stream, cfg.MaxLen, logger)
	t.owned = true
	return t
}

// NewWithClient uses an existing client, which Close leaves open.
func NewWithClient(client redis.UniversalClient, stream string, maxLen int64, logger *zap.Logger) *Transport {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger.With(zap.String("component", "transport.redis"), zap.String("stream", stream)),
	}
}

// Ping checks connectivity.
func (t *Transport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Submit appends the batch in one pipeline.
func (t *Transport) Submit(ctx context.Context, batch []*types.SpanContext) error {
	pipe := t.client.Pipeline()
	for _, sc := range batch {
		payload, err := json.Marshal(sc)
		if err != nil {
			return exporter.Permanent(fmt.Errorf("redis: encode span %s: %w", sc.Span.SpanID, err))
		}
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: t.stream,
			MaxLen: t.maxLen,
			Approx: t.maxLen > 0,
			Values: map[string]any{
				FieldTraceID:  sc.Span.TraceID,
				FieldSpanID:   sc.Span.SpanID,
				FieldSpanType: string(sc.Span.Type),
				FieldPayload:  payload,
			},
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: xadd: %w", err)
	}
	t.logger.Debug("batch appended", zap.Int("spans", len(batch)))
	return nil
}

// Close closes the client when the transport created it.
func (t *Transport) Close(context.Context) error {
	if !t.owned {
		return nil
	}
	return t.client.Close()
}
