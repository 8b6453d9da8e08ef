package providers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

// MapHTTPError maps a provider HTTP status to a structured error with the
// right retry flag.
func MapHTTPError(status int, msg string, provider types.Provider) *types.Error {
	e := types.NewError(types.ErrUpstreamError, msg).
		WithHTTPStatus(status).
		WithProvider(string(provider))

	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		e.Code = types.ErrAuthentication
	case http.StatusNotFound:
		e.Code = types.ErrModelNotFound
	case http.StatusTooManyRequests:
		e.Code = types.ErrRateLimit
		e.Retryable = true
	case http.StatusBadRequest:
		e.Code = types.ErrInvalidRequest
		if strings.Contains(strings.ToLower(msg), "context length") {
			e.Code = types.ErrContextTooLong
		}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		e.Code = types.ErrServiceUnavailable
		e.Retryable = true
	case 529: // overloaded
		e.Code = types.ErrModelOverloaded
		e.Retryable = true
	default:
		e.Retryable = status >= 500
	}
	return e
}

// ReadErrorMessage extracts the error message from a provider error body,
// falling back to the raw text.
func ReadErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "failed to read error response"
	}

	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		if errResp.Error.Type != "" {
			return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
		}
		return errResp.Error.Message
	}
	return strings.TrimSpace(string(data))
}
