// Package collector submits span batches to the Asymetry collector over
// HTTP.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/exporter"
	"github.com/asymetry-ai/asymetry-sdk/internal/tlsutil"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// SpansPath is the collector's ingestion route.
const SpansPath = "/v1/spans"

// Codecs.
const (
	CodecJSON = "json"
	CodecCBOR = "cbor"
)

// Compression modes.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

// Content types.
const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

var encMode cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic("collector: CBOR encoder initialization failed: " + err.Error())
	}
}

// Envelope is the request body.
type Envelope struct {
	Service string               `json:"service"`
	Version string               `json:"version,omitempty"`
	SentAt  time.Time            `json:"sent_at"`
	Spans   []*types.SpanContext `json:"spans"`
}

// Config configures a Transport.
type Config struct {
	Endpoint       string
	APIKey         string
	Codec          string
	Compression    string
	Timeout        time.Duration
	ServiceName    string
	ServiceVersion string
	// TLS configures the default client. Ignored when HTTPClient is set.
	TLS tlsutil.Options
	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Transport posts batches to the collector.
type Transport struct {
	cfg     Config
	client  *http.Client
	encoder *zstd.Encoder
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a collector transport.
func New(cfg Config, logger *zap.Logger) (*Transport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("collector: endpoint is required")
	}
	if cfg.Codec == "" {
		cfg.Codec = CodecJSON
	}
	if cfg.Codec != CodecJSON && cfg.Codec != CodecCBOR {
		return nil, fmt.Errorf("collector: unknown codec %q", cfg.Codec)
	}
	if cfg.Compression == "" {
		cfg.Compression = CompressionNone
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Transport{
		cfg:    cfg,
		client: cfg.HTTPClient,
		logger: logger.With(zap.String("component", "transport.collector")),
		now:    time.Now,
	}
	if t.client == nil {
		client, err := tlsutil.NewHTTPClient(cfg.Timeout, cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("collector: %w", err)
		}
		t.client = client
		if cfg.TLS.InsecureSkipVerify {
			t.logger.Warn("collector certificate verification disabled", zap.String("endpoint", cfg.Endpoint))
		}
	}

	switch cfg.Compression {
	case CompressionNone:
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("collector: zstd encoder: %w", err)
		}
		t.encoder = enc
	default:
		return nil, fmt.Errorf("collector: unknown compression %q", cfg.Compression)
	}
	return t, nil
}

// Submit encodes and posts the batch. Client errors other than 408 and 429
// are permanent.
func (t *Transport) Submit(ctx context.Context, batch []*types.SpanContext) error {
	body, err := t.encode(Envelope{
		Service: t.cfg.ServiceName,
		Version: t.cfg.ServiceVersion,
		SentAt:  t.now().UTC(),
		Spans:   batch,
	})
	if err != nil {
		return exporter.Permanent(err)
	}

	url := strings.TrimRight(t.cfg.Endpoint, "/") + SpansPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return exporter.Permanent(fmt.Errorf("collector: build request: %w", err))
	}
	req.Header.Set("Content-Type", t.contentType())
	if t.encoder != nil {
		req.Header.Set("Content-Encoding", CompressionZstd)
	}
	if t.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("collector: post: %w", err)
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 300 {
		t.logger.Debug("batch accepted",
			zap.Int("spans", len(batch)),
			zap.Int("bytes", len(body)),
		)
		return nil
	}

	err = fmt.Errorf("collector: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	if isPermanentStatus(resp.StatusCode) {
		return exporter.Permanent(err)
	}
	return err
}

func (t *Transport) encode(env Envelope) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if t.cfg.Codec == CodecCBOR {
		raw, err = encMode.Marshal(env)
	} else {
		raw, err = json.Marshal(env)
	}
	if err != nil {
		return nil, fmt.Errorf("collector: encode %s: %w", t.cfg.Codec, err)
	}
	if t.encoder != nil {
		return t.encoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
	}
	return raw, nil
}

func (t *Transport) contentType() string {
	if t.cfg.Codec == CodecCBOR {
		return ContentTypeCBOR
	}
	return ContentTypeJSON
}

// Close releases the compressor.
func (t *Transport) Close(context.Context) error {
	if t.encoder != nil {
		return t.encoder.Close()
	}
	return nil
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
