package providers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

func readAll(t *testing.T, r *SSEReader) []SSEEvent {
	t.Helper()
	var out []SSEEvent
	for r.Next() {
		out = append(out, r.Current())
	}
	return out
}

func TestSSEReader(t *testing.T) {
	body := strings.Join([]string{
		": keep-alive",
		"event: message_start",
		`data: {"a":1}`,
		"",
		`data: {"b":2}`,
		"",
		"data: [DONE]",
		"",
		`data: {"ignored":true}`,
		"",
	}, "\n")

	r := NewSSEReader(io.NopCloser(strings.NewReader(body)))
	events := readAll(t, r)

	require.Len(t, events, 2)
	assert.Equal(t, "message_start", events[0].Event)
	assert.JSONEq(t, `{"a":1}`, string(events[0].Data))
	assert.Empty(t, events[1].Event)
	assert.NoError(t, r.Err())
	assert.NoError(t, r.Close())
}

func TestSSEReader_CRLFAndTrailingEvent(t *testing.T) {
	body := "data: one\r\n\r\ndata: two"
	events := readAll(t, NewSSEReader(io.NopCloser(strings.NewReader(body))))

	require.Len(t, events, 2)
	assert.Equal(t, "one", string(events[0].Data))
	assert.Equal(t, "two", string(events[1].Data))
}

type failingReader struct{ sent bool }

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.sent {
		f.sent = true
		return copy(p, "data: x\n\n"), nil
	}
	return 0, errors.New("connection reset")
}

func TestSSEReader_ReadError(t *testing.T) {
	r := NewSSEReader(io.NopCloser(&failingReader{}))
	events := readAll(t, r)

	assert.Len(t, events, 1)
	assert.EqualError(t, r.Err(), "connection reset")
}

func TestMapHTTPError(t *testing.T) {
	tests := []struct {
		status    int
		msg       string
		code      types.ErrorCode
		retryable bool
	}{
		{status: http.StatusUnauthorized, code: types.ErrAuthentication},
		{status: http.StatusTooManyRequests, code: types.ErrRateLimit, retryable: true},
		{status: http.StatusBadRequest, msg: "maximum context length exceeded", code: types.ErrContextTooLong},
		{status: http.StatusBadRequest, msg: "bad", code: types.ErrInvalidRequest},
		{status: http.StatusBadGateway, code: types.ErrServiceUnavailable, retryable: true},
		{status: 529, code: types.ErrModelOverloaded, retryable: true},
		{status: http.StatusInternalServerError, code: types.ErrUpstreamError, retryable: true},
		{status: http.StatusTeapot, code: types.ErrUpstreamError},
	}
	for _, tt := range tests {
		err := MapHTTPError(tt.status, tt.msg, types.ProviderOpenAI)
		assert.Equal(t, tt.code, err.Code, "status %d", tt.status)
		assert.Equal(t, tt.retryable, err.Retryable, "status %d", tt.status)
		assert.Equal(t, tt.status, err.HTTPStatus)
		assert.Equal(t, "openai", err.Provider)
	}
}

func TestReadErrorMessage(t *testing.T) {
	assert.Equal(t, "bad key (type: auth)", ReadErrorMessage(strings.NewReader(`{"error":{"message":"bad key","type":"auth"}}`)))
	assert.Equal(t, "plain failure", ReadErrorMessage(strings.NewReader("plain failure\n")))
}
