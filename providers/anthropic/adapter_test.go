package anthropic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asymetry-ai/asymetry-sdk/stream"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

func TestAdapt(t *testing.T) {
	tests := []struct {
		name  string
		event StreamEvent
		kinds []stream.EventKind
	}{
		{"ping", StreamEvent{Type: "ping"}, nil},
		{"message start", StreamEvent{Type: "message_start", Message: &MessagesResponse{ID: "m"}}, []stream.EventKind{stream.EventMessageStart}},
		{"text block start", StreamEvent{Type: "content_block_start", ContentBlock: &ContentBlock{Type: "text"}}, nil},
		{"tool block start", StreamEvent{Type: "content_block_start", ContentBlock: &ContentBlock{Type: "tool_use", ID: "t"}}, []stream.EventKind{stream.EventToolCallDelta}},
		{"text delta", StreamEvent{Type: "content_block_delta", Delta: &Delta{Type: "text_delta", Text: "x"}}, []stream.EventKind{stream.EventContentDelta}},
		{"json delta", StreamEvent{Type: "content_block_delta", Delta: &Delta{Type: "input_json_delta", PartialJSON: "{"}}, []stream.EventKind{stream.EventToolCallDelta}},
		{"block stop", StreamEvent{Type: "content_block_stop"}, []stream.EventKind{stream.EventToolCallStop}},
		{"message delta", StreamEvent{Type: "message_delta", Delta: &Delta{StopReason: "end_turn"}, Usage: &Usage{OutputTokens: 3}}, []stream.EventKind{stream.EventStop, stream.EventUsage}},
		{"message stop", StreamEvent{Type: "message_stop"}, []stream.EventKind{stream.EventDone}},
		{"error", StreamEvent{Type: "error", Error: &APIError{Type: "api_error", Message: "boom"}}, []stream.EventKind{stream.EventError}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var kinds []stream.EventKind
			for _, ev := range Adapt(tt.event) {
				kinds = append(kinds, ev.Kind)
			}
			assert.Equal(t, tt.kinds, kinds)
		})
	}
}

func TestParseResponse(t *testing.T) {
	result, err := ParseResponse(&MessagesResponse{
		ID:         "m",
		StopReason: "tool_use",
		Content: []ContentBlock{
			{Type: "tool_use", ID: "t1", Name: "search", Input: []byte(`{"q":"go"}`)},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, result.Output)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "search", result.ToolCalls[0].Name)
	assert.Nil(t, result.Usage)
}

func TestCallFor_ToolResult(t *testing.T) {
	call := CallFor(&MessagesRequest{
		Model: "claude",
		Messages: []Message{
			TextMessage("user", "weather?"),
			{Role: "assistant", Content: []ContentBlock{{Type: "tool_use", ID: "t1", Name: "w", Input: []byte(`{}`)}}},
			{Role: "user", Content: []ContentBlock{{Type: "tool_result", ToolUseID: "t1", Content: "sunny"}}},
		},
		Tools: []Tool{{Name: "w", InputSchema: map[string]any{"type": "object"}}},
	})
	msgs := call.Request.Messages
	require.Len(t, msgs, 3)
	assert.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, types.RoleTool, msgs[2].Role)
	assert.Equal(t, "t1", msgs[2].ToolCallID)
	assert.Equal(t, "sunny", msgs[2].Content)
}
