package redisstream

import (
	"fmt"

	rebus "github.com/Mauricio-HNS/Rebus"
)

// Adapter: Redis Streams Transport (Strategy + Adapter patterns)

const TransportName = "redis-streams"

func init() {
	if err := rebus.RegisterTransport(TransportName, func(cfg map[string]any) (rebus.Transport, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("rebus: failed to register transport %q: %w", TransportName, err))
	}
}

// Use builds a Bus on Redis Streams, installs it as the default Bus and returns it.
// Unless an option supplies one, the bus gets a SubscriptionStore sharing
// the transport's Redis connection. Use panics on invalid configuration.
func Use(cfg Config, opts ...Option) *rebus.Bus {
	tr, err := NewTransport(cfg)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	bb := rebus.NewBusBuilder().
		WithTransportInstance(tr).
		WithSubscriptionStore(NewSubscriptionStore(tr.Client(), ""))

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}
	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	rebus.SetDefault(bus)
	return bus
}
