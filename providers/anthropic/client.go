package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/instrument"
	"github.com/asymetry-ai/asymetry-sdk/internal/tlsutil"
	"github.com/asymetry-ai/asymetry-sdk/providers"
	"github.com/asymetry-ai/asymetry-sdk/stream"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

const (
	// DefaultBaseURL is the public API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"
	// APIVersion is sent as the anthropic-version header.
	APIVersion = "2023-06-01"
)

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client calls the Messages API and records every call.
type Client struct {
	cfg    Config
	client *http.Client
	in     *instrument.Instrumentor
	logger *zap.Logger
}

// NewClient creates a Client. A nil Instrumentor disables recording.
func NewClient(cfg Config, in *instrument.Instrumentor, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		client: tlsutil.HTTPClient(cfg.Timeout),
		in:     in,
		logger: logger.With(zap.String("provider", string(types.ProviderAnthropic))),
	}
}

// CreateMessage sends a non-streaming request.
func (c *Client) CreateMessage(ctx context.Context, req *MessagesRequest) (*MessagesResponse, error) {
	body := *req
	body.Stream = false

	return instrument.Complete(ctx, c.in, CallFor(req), func(ctx context.Context) (*MessagesResponse, error) {
		resp, err := c.do(ctx, &body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var out MessagesResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, types.NewError(types.ErrUpstreamError, fmt.Sprintf("decode response: %v", err)).
				WithCause(err).
				WithProvider(string(types.ProviderAnthropic))
		}
		return &out, nil
	}, ParseResponse)
}

// StreamMessage prepares a streaming request. Nothing is sent until the
// returned scope is opened; use stream.Do to consume it:
//
//	err := stream.Do(ctx, client.StreamMessage(ctx, req), func(s *stream.Stream[anthropic.StreamEvent]) error {
//		for s.Next() {
//			...
//		}
//		return s.Err()
//	})
func (c *Client) StreamMessage(ctx context.Context, req *MessagesRequest) *stream.Scoped[StreamEvent] {
	body := *req
	body.Stream = true
	return instrument.Scoped(ctx, c.in, CallFor(req), &eventSource{client: c, req: &body}, Adapt)
}

type eventSource struct {
	client *Client
	req    *MessagesRequest
	events *EventStream
}

func (s *eventSource) Open(ctx context.Context) (stream.Iterator[StreamEvent], error) {
	resp, err := s.client.do(ctx, s.req)
	if err != nil {
		return nil, err
	}
	s.events = NewEventStream(providers.NewSSEReader(resp.Body))
	return s.events, nil
}

func (s *eventSource) Close() error {
	if s.events == nil {
		return nil
	}
	return s.events.Close()
}

func (c *Client) do(ctx context.Context, body *MessagesRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error()).WithCause(err)
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", APIVersion)
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithCause(err).
			WithRetryable(true).
			WithProvider(string(types.ProviderAnthropic))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		c.logger.Debug("request failed", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, types.ProviderAnthropic)
	}
	return resp, nil
}
