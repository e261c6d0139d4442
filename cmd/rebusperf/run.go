package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"sync/atomic"
	"time"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/Mauricio-HNS/Rebus/adapter/memory"
	"github.com/Mauricio-HNS/Rebus/adapter/redisstream"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type options struct {
	messages    int
	samples     int
	invoker     string
	workers     int
	parallelism int
	transport   string
	redisAddr   string
	profile     bool
	timeout     time.Duration
	verbose     bool

	logger *xlog.Logger
}

// apply fills flags the user did not set from the REBUS_* environment.
func (o *options) apply(cmd *cobra.Command, cfg rebus.Config) {
	f := cmd.Flags()
	if !f.Changed("workers") {
		o.workers = cfg.Workers
	}
	if !f.Changed("invoker") {
		o.invoker = cfg.Invoker
	}
	if !f.Changed("parallelism") {
		o.parallelism = cfg.MaxParallelism
		if o.parallelism == 0 {
			o.parallelism = max(1, o.workers)
		}
	}
}

type someMessage struct {
	Text string `json:"text"`
}

func run(ctx context.Context, out io.Writer, opts options) error {
	if opts.messages < 1 || opts.samples < 1 {
		return fmt.Errorf("messages and samples must be >= 1")
	}
	mode, err := rebus.ParseInvokerMode(opts.invoker)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Running %d samples with %d msgs and invoker %s on %s\n",
		opts.samples, opts.messages, mode, opts.transport)

	stats := rebus.NewProfilerStats()
	results := make([]float64, 0, opts.samples)
	for i := 1; i <= opts.samples; i++ {
		fmt.Fprintf(out, "Performing sample %d: ", i)
		elapsed, err := runSample(ctx, opts, mode, stats)
		if err != nil {
			fmt.Fprintln(out, "failed")
			return err
		}
		fmt.Fprintf(out, "%.5f\n", elapsed.Seconds())
		results = append(results, elapsed.Seconds())
	}

	avg, med := average(results), median(results)
	fmt.Fprintf(out, "%d runs\n", opts.samples)
	fmt.Fprintf(out, "Avg s: %.5f\nAvg msg/s: %.0f\n\n", avg, float64(opts.messages)/avg)
	fmt.Fprintf(out, "Med s: %.5f\nMed msg/s: %.0f\n\n", med, float64(opts.messages)/med)
	fmt.Fprintf(out, "Pipeline invoker: %s\n", mode)
	if opts.profile {
		fmt.Fprintln(out, "\nStats:")
		for _, s := range stats.GetAndResetStats() {
			fmt.Fprintf(out, "    %s\n", s)
		}
	}
	return nil
}

// runSample measures the time from starting the workers until every
// pre-delivered message was handled.
func runSample(ctx context.Context, opts options, mode rebus.InvokerMode, stats *rebus.ProfilerStats) (time.Duration, error) {
	queue := "perftest"
	if opts.transport == redisstream.TransportName {
		queue = "perftest-" + uuid.NewString()
	}
	tr, cleanup, err := newTransport(opts, queue)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	types := rebus.NewTypeRegistry()
	ser := rebus.NewCodecSerializer(rebus.JSONCodec{}, types)
	msg := someMessage{Text: "hello there!"}
	for range opts.messages {
		tm, err := ser.Serialize(ctx, rebus.NewLogicalMessage(rebus.Headers{rebus.HeaderMessageID: uuid.NewString()}, msg))
		if err != nil {
			return 0, err
		}
		if err := tr.Send(ctx, queue, tm); err != nil {
			return 0, err
		}
	}

	var received atomic.Int64
	done := make(chan struct{})
	activator := rebus.NewBuiltinActivator()
	rebus.HandleFunc(activator, func(context.Context, someMessage) error {
		if received.Add(1) == int64(opts.messages) {
			close(done)
		}
		return nil
	})

	clock := xclock.Default()
	bb := rebus.NewBusBuilder().
		WithTransportInstance(tr).
		WithTypes(types).
		WithActivator(activator).
		WithLogger(opts.logger).
		WithClock(clock).
		WithNumberOfWorkers(0).
		WithMaxParallelism(opts.parallelism).
		WithInvoker(mode)
	if opts.profile {
		bb.Decorate(rebus.ProfilerDecorator(stats, clock))
	}
	bus, err := bb.Build()
	if err != nil {
		return 0, err
	}
	defer func() { _ = bus.Close(context.Background()) }()

	if err := bus.Start(ctx); err != nil {
		return 0, err
	}
	start := clock.Now()
	if err := bus.SetNumberOfWorkers(opts.workers); err != nil {
		return 0, err
	}

	select {
	case <-done:
		return clock.Since(start), nil
	case <-time.After(opts.timeout):
		return 0, fmt.Errorf("timeout: handled %d of %d messages", received.Load(), opts.messages)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func newTransport(opts options, queue string) (rebus.Transport, func(), error) {
	switch opts.transport {
	case memory.TransportName:
		return memory.NewTransport(memory.NewNetwork(), queue, memory.Config{}), func() {}, nil
	case redisstream.TransportName:
		cfg := redisstream.Defaults()
		cfg.Addr = opts.redisAddr
		cfg.Queue = queue
		cfg.AutoDeleteOnAck = true
		// The client outlives the transport so the stream can be dropped afterwards.
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
		tr, err := redisstream.NewTransportWithClient(client, cfg)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return tr, func() {
			_ = client.Del(context.Background(), queue).Err()
			_ = client.Close()
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q", opts.transport)
	}
}

func average(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func median(xs []float64) float64 {
	s := slices.Clone(xs)
	slices.Sort(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
