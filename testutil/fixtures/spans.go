// =============================================================================
// Span fixtures
// =============================================================================
// Ready-made spans and requests for tests.
// =============================================================================
package fixtures

import (
	"fmt"
	"time"

	"github.com/asymetry-ai/asymetry-sdk/types"
)

// BaseTime is a fixed instant used by fixtures.
var BaseTime = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// ChatRequest returns a one-turn OpenAI request.
func ChatRequest(model, prompt string) types.LLMRequest {
	return types.LLMRequest{
		Provider: types.ProviderOpenAI,
		Model:    model,
		Messages: []types.Message{{Role: types.RoleUser, Content: prompt}},
		Status:   types.StatusSuccess,
	}
}

// LLMSpan returns a finished generation span numbered n within trace.
func LLMSpan(trace string, n int) *types.SpanContext {
	start := BaseTime.Add(time.Duration(n) * time.Second)
	req := ChatRequest("gpt-4o-mini", fmt.Sprintf("prompt %d", n))
	req.Output = []types.Message{{Role: types.RoleAssistant, Content: fmt.Sprintf("answer %d", n)}}
	req.FinishReason = "stop"
	usage := types.NewExactUsage(10+n, 5+n)
	return &types.SpanContext{
		Span: types.Span{
			TraceID:    trace,
			SpanID:     fmt.Sprintf("%016x", n+1),
			Name:       "openai.chat",
			Type:       types.SpanTypeGeneration,
			StartTime:  start,
			EndTime:    start.Add(250 * time.Millisecond),
			Status:     types.StatusSuccess,
			Attributes: types.Attributes{types.Attr("llm.model", req.Model)},
		},
		Request:   &req,
		Tokens:    &usage,
		LatencyMs: 250,
	}
}

// LLMSpans returns n spans of one trace.
func LLMSpans(n int) []*types.SpanContext {
	trace := types.NewTraceID()
	out := make([]*types.SpanContext, n)
	for i := range out {
		out[i] = LLMSpan(trace, i)
	}
	return out
}

// CustomSpan returns a finished non-LLM span.
func CustomSpan(trace, name string) *types.SpanContext {
	return &types.SpanContext{
		Span: types.Span{
			TraceID:   trace,
			SpanID:    types.NewSpanID(),
			Name:      name,
			Type:      types.SpanTypeCustom,
			StartTime: BaseTime,
			EndTime:   BaseTime.Add(time.Second),
			Status:    types.StatusSuccess,
		},
		LatencyMs: 1000,
	}
}
