// Command rebusperf measures receive-side dispatch throughput of a bus.
//
// Every sample pre-delivers the messages to a fresh input queue, starts the
// workers and waits until all of them were handled.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/Mauricio-HNS/Rebus/adapter/memory"
	"github.com/Mauricio-HNS/Rebus/adapter/redisstream"
	"github.com/spf13/cobra"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
)

func NewPerfCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "rebusperf",
		Short: "Measure message dispatch throughput",
		Args:  cobra.NoArgs,
		Example: `  rebusperf --messages 100000 --samples 10
  rebusperf --invoker index --workers 4 --parallelism 8
  rebusperf --transport redis-streams --redis-addr 127.0.0.1:6379 --messages 10000`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rebus.LoadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)

			logCfg := zerolog.Config{
				Console:           true,
				ConsoleTimeFormat: time.RFC3339Nano,
				Writer:            os.Stderr,
			}
			if opts.verbose {
				logCfg.MinLevel = xlog.LevelDebug
			}
			opts.logger = zerolog.Use(logCfg).With(xlog.Str("app", "rebusperf"))

			return run(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.messages, "messages", 100, "Messages per sample")
	f.IntVar(&opts.samples, "samples", 10, "Number of samples")
	f.StringVar(&opts.invoker, "invoker", string(rebus.InvokerChain), "Pipeline invoker: chain or index (default from REBUS_INVOKER)")
	f.IntVar(&opts.workers, "workers", 1, "Number of workers (default from REBUS_WORKERS)")
	f.IntVar(&opts.parallelism, "parallelism", 1, "Max parallelism (default from REBUS_MAX_PARALLELISM)")
	f.StringVar(&opts.transport, "transport", memory.TransportName, fmt.Sprintf("Transport: %s or %s", memory.TransportName, redisstream.TransportName))
	f.StringVar(&opts.redisAddr, "redis-addr", "127.0.0.1:6379", "Redis address for the redis-streams transport")
	f.BoolVar(&opts.profile, "profile", true, "Collect per-step profiler stats")
	f.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Max wait for one sample")
	f.BoolVar(&opts.verbose, "verbose", false, "Debug logging")

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := NewPerfCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
