// Package otlp converts spans to OpenTelemetry spans and exports them over
// OTLP/gRPC, so any OpenTelemetry backend can receive them.
package otlp

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

// ScopeName names the instrumentation scope of exported spans.
const ScopeName = "github.com/asymetry-ai/asymetry-sdk"

// GenAI semantic convention keys.
const (
	AttrGenAISystem        = "gen_ai.system"
	AttrGenAIRequestModel  = "gen_ai.request.model"
	AttrGenAIResponseID    = "gen_ai.response.id"
	AttrGenAIFinishReasons = "gen_ai.response.finish_reasons"
	AttrGenAIInputTokens   = "gen_ai.usage.input_tokens"
	AttrGenAIOutputTokens  = "gen_ai.usage.output_tokens"
	AttrTokensExact        = "asymetry.tokens.exact"
	AttrSpanType           = "asymetry.span_type"
	AttrLatencyMs          = "asymetry.latency_ms"
	AttrTimeToFirstTokenMs = "asymetry.time_to_first_token_ms"
	AttrErrorCode          = "error.type"
)

// Config configures a Transport.
type Config struct {
	Endpoint string
	Insecure bool
	// Headers are "key=value" pairs sent with every export.
	Headers        []string
	Timeout        time.Duration
	ServiceName    string
	ServiceVersion string
	// Exporter replaces the OTLP/gRPC exporter.
	Exporter sdktrace.SpanExporter
}

// Transport exports batches through an OpenTelemetry span exporter.
type Transport struct {
	exporter sdktrace.SpanExporter
	resource *resource.Resource
	scope    instrumentation.Scope
	logger   *zap.Logger
}

// New creates an OTLP transport.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	exp := cfg.Exporter
	if exp == nil {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if cfg.Timeout > 0 {
			opts = append(opts, otlptracegrpc.WithTimeout(cfg.Timeout))
		}
		headers, err := ParseHeaders(cfg.Headers)
		if err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(headers))
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp: create exporter: %w", err)
		}
	}

	attrs := []attribute.KeyValue{semconv.ServiceNameKey.String(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersionKey.String(cfg.ServiceVersion))
	}

	return &Transport{
		exporter: exp,
		resource: resource.NewWithAttributes(semconv.SchemaURL, attrs...),
		scope:    instrumentation.Scope{Name: ScopeName},
		logger:   logger.With(zap.String("component", "transport.otlp")),
	}, nil
}

// ParseHeaders parses "key=value" pairs.
func ParseHeaders(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("otlp: malformed header %q", p)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

// Submit converts and exports the batch.
func (t *Transport) Submit(ctx context.Context, batch []*types.SpanContext) error {
	stubs := make(tracetest.SpanStubs, 0, len(batch))
	for _, sc := range batch {
		stubs = append(stubs, t.Convert(sc))
	}
	if err := t.exporter.ExportSpans(ctx, stubs.Snapshots()); err != nil {
		return fmt.Errorf("otlp: export: %w", err)
	}
	t.logger.Debug("batch exported", zap.Int("spans", len(batch)))
	return nil
}

// Close shuts the exporter down.
func (t *Transport) Close(ctx context.Context) error {
	return t.exporter.Shutdown(ctx)
}

// Convert maps a span to an OpenTelemetry span stub.
func (t *Transport) Convert(sc *types.SpanContext) tracetest.SpanStub {
	s := sc.Span
	traceID := ToTraceID(s.TraceID)

	stub := tracetest.SpanStub{
		Name: s.Name,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     ToSpanID(s.SpanID),
			TraceFlags: trace.FlagsSampled,
		}),
		SpanKind:             spanKind(s.Type),
		StartTime:            s.StartTime,
		EndTime:              s.EndTime,
		Attributes:           attributes(sc),
		Resource:             t.resource,
		InstrumentationScope: t.scope,
	}
	if s.ParentSpanID != "" {
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     ToSpanID(s.ParentSpanID),
			TraceFlags: trace.FlagsSampled,
		})
	}
	for _, ev := range s.Events {
		stub.Events = append(stub.Events, sdktrace.Event{
			Name:       ev.Name,
			Time:       ev.Timestamp,
			Attributes: convertAttributes(ev.Attributes),
		})
	}
	stub.Status = status(sc)
	return stub
}

func spanKind(t types.SpanType) trace.SpanKind {
	switch t {
	case types.SpanTypeGeneration, types.SpanTypeClient:
		return trace.SpanKindClient
	case types.SpanTypeServer:
		return trace.SpanKindServer
	default:
		return trace.SpanKindInternal
	}
}

func status(sc *types.SpanContext) sdktrace.Status {
	switch sc.Span.Status {
	case types.StatusSuccess:
		return sdktrace.Status{Code: codes.Ok}
	case types.StatusError:
		desc := ""
		if sc.Request != nil && sc.Request.Error != nil {
			desc = sc.Request.Error.Message
		} else if v, ok := sc.Span.Attributes.Get("error.message"); ok {
			desc = fmt.Sprint(v)
		}
		return sdktrace.Status{Code: codes.Error, Description: desc}
	default:
		return sdktrace.Status{Code: codes.Unset}
	}
}

func attributes(sc *types.SpanContext) []attribute.KeyValue {
	out := []attribute.KeyValue{
		attribute.String(AttrSpanType, string(sc.Span.Type)),
		attribute.Int64(AttrLatencyMs, sc.LatencyMs),
	}
	if sc.TimeToFirstTokenMs != nil {
		out = append(out, attribute.Int64(AttrTimeToFirstTokenMs, *sc.TimeToFirstTokenMs))
	}
	if req := sc.Request; req != nil {
		out = append(out,
			attribute.String(AttrGenAISystem, string(req.Provider)),
			attribute.String(AttrGenAIRequestModel, req.Model),
		)
		if req.ResponseID != "" {
			out = append(out, attribute.String(AttrGenAIResponseID, req.ResponseID))
		}
		if req.FinishReason != "" {
			out = append(out, attribute.StringSlice(AttrGenAIFinishReasons, []string{req.FinishReason}))
		}
		if req.Error != nil {
			out = append(out, attribute.String(AttrErrorCode, string(req.Error.Code)))
		}
	}
	if tok := sc.Tokens; tok != nil {
		out = append(out,
			attribute.Int(AttrGenAIInputTokens, tok.InputTokens),
			attribute.Int(AttrGenAIOutputTokens, tok.OutputTokens),
			attribute.Bool(AttrTokensExact, tok.Exact),
		)
	}
	return append(out, convertAttributes(sc.Span.Attributes)...)
}

func convertAttributes(attrs types.Attributes) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, convertValue(kv.Key, kv.Value))
	}
	return out
}

func convertValue(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case int32:
		return attribute.Int64(key, int64(val))
	case float64:
		return attribute.Float64(key, val)
	case float32:
		return attribute.Float64(key, float64(val))
	case []string:
		return attribute.StringSlice(key, val)
	case []bool:
		return attribute.BoolSlice(key, val)
	case []int64:
		return attribute.Int64Slice(key, val)
	case []float64:
		return attribute.Float64Slice(key, val)
	case json.RawMessage:
		return attribute.String(key, string(val))
	case fmt.Stringer:
		return attribute.String(key, val.String())
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return attribute.String(key, fmt.Sprint(val))
		}
		return attribute.String(key, string(raw))
	}
}

// ToTraceID parses a 32 hex character id, deriving one from the text
// otherwise.
func ToTraceID(s string) trace.TraceID {
	if id, err := trace.TraceIDFromHex(s); err == nil {
		return id
	}
	var id trace.TraceID
	sum := sha256.Sum256([]byte(s))
	copy(id[:], sum[:])
	return id
}

// ToSpanID parses a 16 hex character id, deriving one from the text
// otherwise.
func ToSpanID(s string) trace.SpanID {
	if id, err := trace.SpanIDFromHex(s); err == nil {
		return id
	}
	var id trace.SpanID
	sum := sha256.Sum256([]byte(s))
	copy(id[:], sum[:])
	return id
}
