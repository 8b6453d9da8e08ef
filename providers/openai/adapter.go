package openai

import (
	"encoding/json"

	"github.com/asymetry-ai/asymetry-sdk/instrument"
	"github.com/asymetry-ai/asymetry-sdk/stream"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// Adapt maps one streamed chunk onto stream events.
func Adapt(chunk ChatCompletionChunk) []stream.Event {
	events := []stream.Event{{
		Kind:       stream.EventMessageStart,
		ResponseID: chunk.ID,
		Model:      chunk.Model,
	}}

	for _, choice := range chunk.Choices {
		if choice.Delta != nil {
			if choice.Delta.Content != "" {
				events = append(events, stream.Event{
					Kind:  stream.EventContentDelta,
					Index: choice.Index,
					Text:  choice.Delta.Content,
				})
			}
			for pos, tc := range choice.Delta.ToolCalls {
				idx := pos
				if tc.Index != nil {
					idx = *tc.Index
				}
				events = append(events, stream.Event{
					Kind:       stream.EventToolCallDelta,
					Index:      idx,
					ToolCallID: tc.ID,
					ToolName:   tc.Function.Name,
					Arguments:  tc.Function.Arguments,
				})
			}
		}
		if choice.FinishReason != "" {
			events = append(events, stream.Event{
				Kind:         stream.EventStop,
				Index:        choice.Index,
				FinishReason: choice.FinishReason,
			})
		}
	}

	if chunk.Usage != nil {
		events = append(events, stream.Event{
			Kind: stream.EventUsage,
			Usage: stream.Usage{
				InputTokens:  stream.Count(chunk.Usage.PromptTokens),
				OutputTokens: stream.Count(chunk.Usage.CompletionTokens),
				TotalTokens:  stream.Count(chunk.Usage.TotalTokens),
			},
		})
	}
	return events
}

// ParseResponse extracts the recorded fields from a non-streaming response.
func ParseResponse(resp *ChatCompletion) (instrument.Result, error) {
	if resp == nil {
		return instrument.Result{}, nil
	}
	result := instrument.Result{
		ResponseID: resp.ID,
		Model:      resp.Model,
	}
	for _, choice := range resp.Choices {
		result.Output = append(result.Output, types.Message{
			Role:    types.Role(choice.Message.Role),
			Content: choice.Message.Content,
		})
		if result.FinishReason == "" {
			result.FinishReason = choice.FinishReason
		}
		result.ToolCalls = append(result.ToolCalls, toolCalls(choice.Message.ToolCalls)...)
	}
	if resp.Usage != nil {
		u := types.NewExactUsage(resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
		result.Usage = &u
	}
	return result, nil
}

func toolCalls(calls []ToolCall) []types.ToolCall {
	out := make([]types.ToolCall, 0, len(calls))
	for _, tc := range calls {
		var args json.RawMessage
		if tc.Function.Arguments != "" {
			if json.Valid([]byte(tc.Function.Arguments)) {
				args = json.RawMessage(tc.Function.Arguments)
			} else {
				args, _ = json.Marshal(tc.Function.Arguments)
			}
		}
		out = append(out, types.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return out
}

// CallFor describes req for instrumentation.
func CallFor(req *ChatCompletionRequest) instrument.Call {
	llmReq := types.LLMRequest{
		Provider: types.ProviderOpenAI,
		Model:    req.Model,
	}
	for _, m := range req.Messages {
		llmReq.Messages = append(llmReq.Messages, types.Message{
			Role:       types.Role(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  toolCalls(m.ToolCalls),
		})
	}
	for _, t := range req.Tools {
		var params json.RawMessage
		if t.Function.Parameters != nil {
			params, _ = json.Marshal(t.Function.Parameters)
		}
		llmReq.Tools = append(llmReq.Tools, types.ToolDefinition{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  params,
		})
	}
	return instrument.Call{Name: "openai.chat.completions", Request: llmReq}
}
