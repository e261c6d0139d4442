package redisstream

import (
	"time"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Option configures the rebus.Bus construction when calling Use.
type Option func(*rebus.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *rebus.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *rebus.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: json).
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

// WithNumberOfWorkers sets how many workers Start launches.
func WithNumberOfWorkers(n int) Option {
	return func(b *rebus.BusBuilder) { b.WithNumberOfWorkers(n) }
}

// WithMaxParallelism caps concurrent message processing.
func WithMaxParallelism(n int) Option {
	return func(b *rebus.BusBuilder) { b.WithMaxParallelism(n) }
}

// WithRetryPolicy controls in-process retries and the error queue.
func WithRetryPolicy(p rebus.RetryPolicy) Option {
	return func(b *rebus.BusBuilder) { b.WithRetryPolicy(p) }
}

// WithMiddleware adds handler middlewares.
func WithMiddleware(mw ...rebus.Middleware) Option {
	return func(b *rebus.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithAckTimeout sets acks/nacks timeout.
func WithAckTimeout(d time.Duration) Option {
	return func(b *rebus.BusBuilder) { b.WithAckTimeout(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...rebus.Observer) Option {
	return func(b *rebus.BusBuilder) { b.WithObserver(obs...) }
}
