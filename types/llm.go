package types

import "encoding/json"

// Provider identifies the LLM vendor a request was sent to.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderOther     Provider = "other"
)

// Role represents the role of a message participant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one input or output message of a provider call.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall represents a tool invocation requested by the model. Arguments are
// kept verbatim as the provider produced them, which may be partial JSON when
// a stream was cut short.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolDefinition is a tool offered to the model in the request.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// LLMRequest records a single provider call.
type LLMRequest struct {
	Provider     Provider         `json:"provider"`
	Model        string           `json:"model"`
	Messages     []Message        `json:"messages"`
	Tools        []ToolDefinition `json:"tools,omitempty"`
	Output       []Message        `json:"output,omitempty"`
	FinishReason string           `json:"finish_reason,omitempty"`
	Status       Status           `json:"status"`
	ToolCalls    []ToolCall       `json:"tool_calls,omitempty"`
	ResponseID   string           `json:"response_id,omitempty"`
	Error        *Error           `json:"error,omitempty"`
}

// OutputText returns the content of the first output message.
func (r *LLMRequest) OutputText() string {
	if len(r.Output) == 0 {
		return ""
	}
	return r.Output[0].Content
}

// ToolNames returns the names of the offered tools in request order.
func (r *LLMRequest) ToolNames() []string {
	names := make([]string, 0, len(r.Tools))
	for _, t := range r.Tools {
		names = append(names, t.Name)
	}
	return names
}
