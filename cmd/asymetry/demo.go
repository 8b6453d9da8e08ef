package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	asymetry "github.com/asymetry-ai/asymetry-sdk"
	"github.com/asymetry-ai/asymetry-sdk/instrument"
	"github.com/asymetry-ai/asymetry-sdk/tracing"
	"github.com/asymetry-ai/asymetry-sdk/types"
)

var demoModels = []string{"gpt-4o-mini", "claude-3-5-haiku-latest"}

// runDemo records synthetic calls under one workflow span and shuts down.
func runDemo(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("demo", pflag.ContinueOnError)
	addConfigFlags(flags)
	n := flags.Int("spans", 10, "Number of synthetic calls")
	metricsAddr := flags.String("metrics-addr", "", "Serve Prometheus metrics on this address while running")
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	var opts []asymetry.Option
	if *metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = *metricsAddr
		opts = append(opts, asymetry.WithRegisterer(prometheus.NewRegistry()))
	}
	sdk, err := asymetry.New(cfg, opts...)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if addr := sdk.MetricsAddr(); addr != "" {
		sdk.Logger().Info("serving demo metrics", zap.String("addr", addr))
	}

	err = sdk.Tracer().Observe(ctx, "demo", func(ctx context.Context) error {
		for i := range *n {
			if err := demoCall(ctx, sdk, i); err != nil {
				sdk.Logger().Warn("demo call failed", zap.Int("call", i), zap.Error(err))
			}
		}
		return nil
	}, tracing.WithSpanType(types.SpanTypeWorkflow))
	if err != nil {
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Exporter.ShutdownTimeout+time.Second)
	defer cancel()
	if err := sdk.Shutdown(shutdownCtx); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(sdk.Stats())
}

func demoCall(ctx context.Context, sdk *asymetry.SDK, i int) error {
	provider := types.ProviderOpenAI
	if i%2 == 1 {
		provider = types.ProviderAnthropic
	}
	call := instrument.Call{Request: types.LLMRequest{
		Provider: provider,
		Model:    demoModels[i%len(demoModels)],
		Messages: []types.Message{{Role: types.RoleUser, Content: fmt.Sprintf("demo question %d", i)}},
	}}

	_, err := instrument.Complete(ctx, sdk.Instrumentor(), call,
		func(context.Context) (string, error) {
			if i%5 == 4 {
				return "", types.NewError(types.ErrRateLimit, "synthetic rate limit").WithRetryable(true)
			}
			return fmt.Sprintf("demo answer %d", i), nil
		},
		func(answer string) (instrument.Result, error) {
			return instrument.Result{
				Output:       []types.Message{{Role: types.RoleAssistant, Content: answer}},
				FinishReason: "stop",
			}, nil
		})
	return err
}
