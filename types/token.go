package types

// TokenUsage represents token consumption of one provider call.
//
// Exact is true only when every field was reported by the provider. When any
// field is estimated Exact is false and TotalTokens is approximate.
type TokenUsage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Exact        bool `json:"exact"`
}

// NewExactUsage builds a provider-reported usage with total = input + output.
func NewExactUsage(input, output int) TokenUsage {
	return TokenUsage{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
		Exact:        true,
	}
}

// NewEstimatedUsage builds an estimated usage.
func NewEstimatedUsage(input, output int) TokenUsage {
	return TokenUsage{
		InputTokens:  input,
		OutputTokens: output,
		TotalTokens:  input + output,
	}
}

// Validate checks that an exact usage is internally consistent.
func (u TokenUsage) Validate() error {
	if u.InputTokens < 0 || u.OutputTokens < 0 || u.TotalTokens < 0 {
		return NewError(ErrInvalidUsage, "negative token count")
	}
	if u.Exact && u.TotalTokens != u.InputTokens+u.OutputTokens {
		return NewError(ErrInvalidUsage, "exact usage total does not equal input + output")
	}
	return nil
}
