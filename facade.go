package rebus

import (
	"context"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.RWMutex
)

// Default returns the process-wide Bus installed with SetDefault.
func Default() (*Bus, error) {
	defaultBusMu.RLock()
	defer defaultBusMu.RUnlock()
	if defaultBus == nil {
		return nil, ErrDefaultBusNotInitialized
	}
	return defaultBus, nil
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("rebus: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// New builds a Bus via the Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	return bus, func() error { return bus.Close(context.Background()) }, nil
}

// Send is the Facade using the default bus.
func Send(ctx context.Context, destination string, msg any, opts ...SendOption) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.Send(ctx, destination, msg, opts...)
}

// SendLocal is the Facade using the default bus.
func SendLocal(ctx context.Context, msg any, opts ...SendOption) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.SendLocal(ctx, msg, opts...)
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, msg any, opts ...SendOption) error {
	b, err := Default()
	if err != nil {
		return err
	}
	return b.Publish(ctx, msg, opts...)
}
