package rebus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Delivery encapsulates a received transport message with Ack/Nack semantics.
type Delivery interface {
	Message() *TransportMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, reason error) error
}

// Transport is the Strategy interface for queues/brokers.
// Implementations must be safe for concurrent Receive calls.
type Transport interface {
	// Send hands msg to the queue addressed by destination. It returns once
	// the transport accepted the message, not once it was delivered.
	Send(ctx context.Context, destination string, msg *TransportMessage) error
	// Receive waits up to timeout for one message. A nil Delivery with a nil
	// error means nothing was available.
	Receive(ctx context.Context, timeout time.Duration) (Delivery, error)
	// Address is this endpoint's own input queue.
	Address() string
	// Close releases resources.
	Close(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (Transport, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (Transport, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}
