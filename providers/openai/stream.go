package openai

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/asymetry-ai/asymetry-sdk/providers"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// ChunkStream decodes chat completion chunks from an SSE body.
type ChunkStream struct {
	sse *providers.SSEReader
	cur ChatCompletionChunk
	err error
}

// NewChunkStream reads chunks from sse.
func NewChunkStream(sse *providers.SSEReader) *ChunkStream {
	return &ChunkStream{sse: sse}
}

// Next advances to the next chunk.
func (s *ChunkStream) Next() bool {
	if s.err != nil || !s.sse.Next() {
		return false
	}
	data := s.sse.Current().Data

	var inband ErrorResponse
	if err := json.Unmarshal(data, &inband); err == nil && inband.Error != nil {
		s.err = providers.MapHTTPError(http.StatusInternalServerError, inband.Error.Message, types.ProviderOpenAI).
			WithRetryable(false)
		return false
	}

	var chunk ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		s.err = types.NewError(types.ErrStreamInterrupted, fmt.Sprintf("decode chunk: %v", err)).
			WithCause(err).
			WithProvider(string(types.ProviderOpenAI))
		return false
	}
	s.cur = chunk
	return true
}

// Current returns the chunk Next advanced to.
func (s *ChunkStream) Current() ChatCompletionChunk {
	return s.cur
}

// Err returns the decode or transport error that ended the stream.
func (s *ChunkStream) Err() error {
	if s.err != nil {
		return s.err
	}
	if err := s.sse.Err(); err != nil {
		return types.NewError(types.ErrStreamInterrupted, err.Error()).
			WithCause(err).
			WithProvider(string(types.ProviderOpenAI))
	}
	return nil
}

// Close releases the response body.
func (s *ChunkStream) Close() error {
	return s.sse.Close()
}
