package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/asymetry-ai/asymetry-sdk/instrument"
	"github.com/asymetry-ai/asymetry-sdk/providers"
	"github.com/asymetry-ai/asymetry-sdk/providers/anthropic"
	"github.com/asymetry-ai/asymetry-sdk/providers/openai"
	"github.com/asymetry-ai/asymetry-sdk/spanqueue"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

// runReplay feeds a recorded SSE body through the provider adapter and
// prints the finalized span.
func runReplay(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("replay", pflag.ContinueOnError)
	provider := flags.String("provider", "openai", "Provider that produced the stream: openai, anthropic")
	model := flags.String("model", "", "Model recorded on the span")
	prompt := flags.String("prompt", "", "Prompt recorded as the input message")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("replay: expected one SSE file, got %d", flags.NArg())
	}

	f, err := os.Open(flags.Arg(0))
	if err != nil {
		return err
	}

	var spans []*types.SpanContext
	sink := spanqueue.SinkFunc(func(sc *types.SpanContext) { spans = append(spans, sc) })
	in := instrument.New(sink, zap.NewNop())
	req := types.LLMRequest{Model: *model}
	if *prompt != "" {
		req.Messages = []types.Message{{Role: types.RoleUser, Content: *prompt}}
	}

	ctx := context.Background()
	sse := providers.NewSSEReader(f)
	var streamErr error
	switch *provider {
	case "openai":
		req.Provider = types.ProviderOpenAI
		s := instrument.Stream(ctx, in, instrument.Call{Name: "openai.chat.completions", Request: req},
			openai.NewChunkStream(sse), openai.Adapt)
		for s.Next() {
		}
		streamErr = s.Err()
		_ = s.Close()
	case "anthropic":
		req.Provider = types.ProviderAnthropic
		s := instrument.Stream(ctx, in, instrument.Call{Name: "anthropic.messages", Request: req},
			anthropic.NewEventStream(sse), anthropic.Adapt)
		for s.Next() {
		}
		streamErr = s.Err()
		_ = s.Close()
	default:
		_ = f.Close()
		return fmt.Errorf("replay: unknown provider %q", *provider)
	}

	if len(spans) != 1 {
		return fmt.Errorf("replay: expected one span, got %d", len(spans))
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(spans[0]); err != nil {
		return err
	}
	if streamErr != nil {
		fmt.Fprintf(os.Stderr, "stream ended with error: %v\n", streamErr)
	}
	return nil
}
