package anthropic

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/asymetry-ai/asymetry-sdk/instrument"
	"github.com/asymetry-ai/asymetry-sdk/providers"
	"github.com/asymetry-ai/asymetry-sdk/stream"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// Adapt maps one streamed event onto stream events. Text from every text
// block goes to output slot 0; tool calls are keyed by content block index.
func Adapt(ev StreamEvent) []stream.Event {
	switch ev.Type {
	case "message_start":
		out := stream.Event{Kind: stream.EventMessageStart}
		if ev.Message != nil {
			out.ResponseID = ev.Message.ID
			out.Model = ev.Message.Model
			if ev.Message.Usage != nil {
				out.Usage.InputTokens = stream.Count(ev.Message.Usage.InputTokens)
			}
		}
		return []stream.Event{out}

	case "content_block_start":
		if ev.ContentBlock == nil {
			return nil
		}
		switch ev.ContentBlock.Type {
		case "tool_use":
			return []stream.Event{{
				Kind:       stream.EventToolCallDelta,
				Index:      ev.Index,
				ToolCallID: ev.ContentBlock.ID,
				ToolName:   ev.ContentBlock.Name,
			}}
		case "text":
			if ev.ContentBlock.Text != "" {
				return []stream.Event{{Kind: stream.EventContentDelta, Text: ev.ContentBlock.Text}}
			}
		}
		return nil

	case "content_block_delta":
		if ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return []stream.Event{{Kind: stream.EventContentDelta, Text: ev.Delta.Text}}
		case "input_json_delta":
			return []stream.Event{{Kind: stream.EventToolCallDelta, Index: ev.Index, Arguments: ev.Delta.PartialJSON}}
		}
		return nil

	case "content_block_stop":
		return []stream.Event{{Kind: stream.EventToolCallStop, Index: ev.Index}}

	case "message_delta":
		var events []stream.Event
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			events = append(events, stream.Event{Kind: stream.EventStop, FinishReason: ev.Delta.StopReason})
		}
		if ev.Usage != nil {
			u := stream.Usage{OutputTokens: stream.Count(ev.Usage.OutputTokens)}
			if ev.Usage.InputTokens > 0 {
				u.InputTokens = stream.Count(ev.Usage.InputTokens)
			}
			events = append(events, stream.Event{Kind: stream.EventUsage, Usage: u})
		}
		return events

	case "message_stop":
		return []stream.Event{{Kind: stream.EventDone}}

	case "error":
		return []stream.Event{{Kind: stream.EventError, Err: streamError(ev.Error)}}
	}
	// ping and unknown event types carry nothing to record.
	return nil
}

func streamError(apiErr *APIError) error {
	if apiErr == nil {
		return types.NewError(types.ErrStreamInterrupted, "stream error").
			WithProvider(string(types.ProviderAnthropic))
	}
	status := http.StatusInternalServerError
	switch apiErr.Type {
	case "overloaded_error":
		status = 529
	case "rate_limit_error":
		status = http.StatusTooManyRequests
	case "invalid_request_error":
		status = http.StatusBadRequest
	case "authentication_error":
		status = http.StatusUnauthorized
	}
	return providers.MapHTTPError(status, apiErr.Message, types.ProviderAnthropic)
}

// ParseResponse extracts the recorded fields from a complete response.
func ParseResponse(resp *MessagesResponse) (instrument.Result, error) {
	if resp == nil {
		return instrument.Result{}, nil
	}
	result := instrument.Result{
		ResponseID:   resp.ID,
		Model:        resp.Model,
		FinishReason: resp.StopReason,
	}
	text, calls := splitContent(resp.Content)
	if text != "" || len(calls) == 0 {
		result.Output = []types.Message{{Role: types.RoleAssistant, Content: text}}
	}
	result.ToolCalls = calls
	if resp.Usage != nil {
		u := types.NewExactUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		result.Usage = &u
	}
	return result, nil
}

func splitContent(blocks []ContentBlock) (string, []types.ToolCall) {
	var (
		text  strings.Builder
		calls []types.ToolCall
	)
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			calls = append(calls, types.ToolCall{ID: b.ID, Name: b.Name, Arguments: b.Input})
		}
	}
	return text.String(), calls
}

// CallFor describes req for instrumentation. The system prompt becomes the
// first message.
func CallFor(req *MessagesRequest) instrument.Call {
	llmReq := types.LLMRequest{
		Provider: types.ProviderAnthropic,
		Model:    req.Model,
	}
	if req.System != "" {
		llmReq.Messages = append(llmReq.Messages, types.Message{Role: types.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		text, calls := splitContent(m.Content)
		msg := types.Message{Role: types.Role(m.Role), Content: text, ToolCalls: calls}
		for _, b := range m.Content {
			if b.Type == "tool_result" {
				msg.Role = types.RoleTool
				msg.ToolCallID = b.ToolUseID
				msg.Content += b.Content
			}
		}
		llmReq.Messages = append(llmReq.Messages, msg)
	}
	for _, t := range req.Tools {
		var params json.RawMessage
		if t.InputSchema != nil {
			params, _ = json.Marshal(t.InputSchema)
		}
		llmReq.Tools = append(llmReq.Tools, types.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return instrument.Call{Name: "anthropic.messages", Request: llmReq}
}
