package memory

import (
	"fmt"
	"time"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus on the in-memory transport and sets it as the default.
// Mirrors redisstream.Use: explicit construction with global install.
//
// Example:
//
//	network := memory.NewNetwork()
//	bus := memory.Use(memory.Config{Address: "orders", Network: network},
//	    memory.WithActivator(activator),
//	    memory.WithNumberOfWorkers(4),
//	)
//
// Use panics on invalid configuration.
func Use(cfg Config, opts ...Option) *rebus.Bus {
	bb := rebus.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("memory.Use: %w", err))
	}
	rebus.SetDefault(bus)
	return bus
}

// Option configures the rebus.Bus when calling Use.
type Option func(*rebus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *rebus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *rebus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *rebus.BusBuilder) { b.WithCodec(name) }
}

// WithActivator supplies the handlers.
func WithActivator(a rebus.HandlerActivator) Option {
	return func(b *rebus.BusBuilder) { b.WithActivator(a) }
}

// WithRouter supplies the type-to-owner routing.
func WithRouter(r rebus.DestinationRouter) Option {
	return func(b *rebus.BusBuilder) { b.WithRouter(r) }
}

// WithSubscriptionStore supplies the publish/subscribe registry.
func WithSubscriptionStore(s rebus.SubscriptionStore) Option {
	return func(b *rebus.BusBuilder) { b.WithSubscriptionStore(s) }
}

// WithNumberOfWorkers sets how many workers Start launches.
func WithNumberOfWorkers(n int) Option {
	return func(b *rebus.BusBuilder) { b.WithNumberOfWorkers(n) }
}

// WithMaxParallelism caps concurrent message processing.
func WithMaxParallelism(n int) Option {
	return func(b *rebus.BusBuilder) { b.WithMaxParallelism(n) }
}

// WithMiddleware adds handler middlewares (timeout, etc).
func WithMiddleware(mw ...rebus.Middleware) Option {
	return func(b *rebus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout (default: 5s).
func WithAckTimeout(d time.Duration) Option {
	return func(b *rebus.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...rebus.Observer) Option {
	return func(b *rebus.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *rebus.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}
