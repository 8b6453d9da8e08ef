package openai

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

// DefaultBaseURL is the public API endpoint.
const DefaultBaseURL = "https://api.openai.com"

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Client calls the chat completions API and records every call.
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
		logger: logger.With(zap.String("provider", string(types.ProviderOpenAI))),
	}
}

// CreateChatCompletion sends a non-streaming request.
func (c *Client) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletion, error) {
	body := *req
	body.Stream = false
	body.StreamOptions = nil

	return instrument.Complete(ctx, c.in, CallFor(req), func(ctx context.Context) (*ChatCompletion, error) {
		resp, err := c.do(ctx, &body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var out ChatCompletion
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, types.NewError(types.ErrUpstreamError, fmt.Sprintf("decode response: %v", err)).
				WithCause(err).
				WithProvider(string(types.ProviderOpenAI))
		}
		return &out, nil
	}, ParseResponse)
}

// CreateChatCompletionStream sends a streaming request. Usage reporting is
// requested so the span carries exact counts. The caller must read the
// stream to the end or Close it.
func (c *Client) CreateChatCompletionStream(ctx context.Context, req *ChatCompletionRequest) (*stream.Stream[ChatCompletionChunk], error) {
	body := *req
	body.Stream = true
	if body.StreamOptions == nil {
		body.StreamOptions = &StreamOptions{IncludeUsage: true}
	}

	src := &chunkSource{client: c, req: &body}
	return instrument.Scoped(ctx, c.in, CallFor(req), src, Adapt).Open(ctx)
}

type chunkSource struct {
	client *Client
	req    *ChatCompletionRequest
	chunks *ChunkStream
}

func (s *chunkSource) Open(ctx context.Context) (stream.Iterator[ChatCompletionChunk], error) {
	resp, err := s.client.do(ctx, s.req)
	if err != nil {
		return nil, err
	}
	s.chunks = NewChunkStream(providers.NewSSEReader(resp.Body))
	return s.chunks, nil
}

func (s *chunkSource) Close() error {
	if s.chunks == nil {
		return nil
	}
	return s.chunks.Close()
}

func (c *Client) do(ctx context.Context, body *ChatCompletionRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error()).WithCause(err)
	}
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, types.NewError(types.ErrInvalidRequest, err.Error()).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, types.NewError(types.ErrUpstreamError, err.Error()).
			WithCause(err).
			WithRetryable(true).
			WithProvider(string(types.ProviderOpenAI))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		msg := providers.ReadErrorMessage(resp.Body)
		c.logger.Debug("request failed", zap.Int("status", resp.StatusCode), zap.String("message", msg))
		return nil, providers.MapHTTPError(resp.StatusCode, msg, types.ProviderOpenAI)
	}
	return resp, nil
}
