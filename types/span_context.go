package types

// SpanContext is the unit of telemetry handed to the span queue: a span plus
// the LLM details when the span records a provider call.
type SpanContext struct {
	Span    Span        `json:"span"`
	Request *LLMRequest `json:"request,omitempty"`
	Tokens  *TokenUsage `json:"tokens,omitempty"`

	// LatencyMs is the end-to-end duration of the call.
	LatencyMs int64 `json:"latency_ms"`
	// TimeToFirstTokenMs is set only for streaming calls.
	TimeToFirstTokenMs *int64 `json:"time_to_first_token_ms,omitempty"`
}

// IsLLM reports whether the span records a provider call.
func (c *SpanContext) IsLLM() bool {
	return c.Request != nil
}

// Validate checks span and token invariants.
func (c *SpanContext) Validate() error {
	if err := c.Span.Validate(); err != nil {
		return err
	}
	if c.Tokens != nil {
		if err := c.Tokens.Validate(); err != nil {
			return err
		}
	}
	if c.Request != nil && c.Request.Error != nil && c.Request.Status != StatusError {
		return NewError(ErrInvalidSpan, "request carries an error but status is not error")
	}
	return nil
}
