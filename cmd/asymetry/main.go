// =============================================================================
// asymetry command
// =============================================================================
// Utilities around the SDK.
//
// Usage:
//
//	asymetry version                                 # show version information
//	asymetry config --config asymetry.yaml           # print the effective config
//	asymetry replay --provider openai stream.sse     # rebuild a span from a recorded stream
//	asymetry demo --spans 20                         # export synthetic spans
// =============================================================================
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	asymetry "github.com/asymetry-ai/asymetry-sdk"
	"github.com/asymetry-ai/asymetry-sdk/config"
)

// Injected at build time.
var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(command string, args []string, out io.Writer) error {
	switch command {
	case "version":
		printVersion(out)
		return nil
	case "config":
		return runConfig(args, out)
	case "replay":
		return runReplay(args, out)
	case "demo":
		return runDemo(args, out)
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

// loadConfig applies --config and --env to the loader.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	loader := config.NewLoader()
	if path, _ := flags.GetString("config"); path != "" {
		loader = loader.WithConfigPath(path)
	}
	if path, _ := flags.GetString("env"); path != "" {
		loader = loader.WithDotEnv(path)
	}
	return loader.Load()
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "Path to config file (YAML)")
	flags.String("env", ".env", "Path to a dotenv file; missing files are ignored")
}

func runConfig(args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("config", pflag.ContinueOnError)
	addConfigFlags(flags)
	if err := flags.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	data, err := cfg.Redacted().YAML()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "asymetry %s\n", asymetry.Version)
	fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
	fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, `asymetry - LLM observability SDK tools

Usage:
  asymetry <command> [options]

Commands:
  version   Show version information
  config    Print the effective configuration (secrets masked)
  replay    Rebuild the span of a recorded provider stream
  demo      Export synthetic spans through the configured transport
  help      Show this help message

Options for 'config' and 'demo':
  -c, --config <path>   Path to configuration file (YAML)
      --env <path>      Path to a dotenv file (default .env)

Options for 'replay':
  --provider <name>     openai or anthropic (default openai)
  --model <name>        Model recorded on the span
  --prompt <text>       Prompt recorded as the input message

Options for 'demo':
  --spans <n>           Number of synthetic calls (default 10)
  --metrics-addr <addr> Serve Prometheus metrics while running

Examples:
  asymetry config --config asymetry.yaml
  asymetry replay --provider anthropic testdata/anthropic.sse
  ASYMETRY_TRANSPORT_TYPE=log ASYMETRY_LOG_LEVEL=debug asymetry demo --spans 3`)
}
