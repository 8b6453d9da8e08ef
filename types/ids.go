package types

import (
	"strings"

	"github.com/google/uuid"
)

// NewTraceID returns a random 32 hex character trace id.
func NewTraceID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSpanID returns a random 16 hex character span id.
func NewSpanID() string {
	return NewTraceID()[:16]
}
