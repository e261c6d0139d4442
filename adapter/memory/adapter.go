package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rebus "github.com/Mauricio-HNS/Rebus"
)

const TransportName = "memory"

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("rebus/memory: transport is closed")

func init() {
	if err := rebus.RegisterTransport(TransportName, func(cfg map[string]any) (rebus.Transport, error) {
		c := ConfigFromMap(cfg)
		if c.Address == "" {
			return nil, errors.New("rebus/memory: address is required")
		}
		return NewTransport(c.Network, c.Address, c), nil
	}); err != nil {
		panic(fmt.Errorf("rebus/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// Address is the input queue of the transport.
	Address string
	// RedeliveryDelay is the delay before a nacked message is requeued (default: 0 = immediate).
	RedeliveryDelay time.Duration
	// Network holds the queues (default: DefaultNetwork).
	Network *Network
}

func ConfigFromMap(cfg map[string]any) Config {
	getStr := func(k string) string {
		if v, ok := cfg[k].(string); ok {
			return v
		}
		return ""
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		case int:
			return time.Duration(v)
		}
		return d
	}
	network, _ := cfg["network"].(*Network)
	return Config{
		Address:         getStr("address"),
		RedeliveryDelay: getDur("redelivery_delay", 0),
		Network:         network,
	}
}

// toMap converts Config to the generic map expected by the transport factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"address":          c.Address,
		"redelivery_delay": c.RedeliveryDelay,
		"network":          c.Network,
	}
}

// Transport implements rebus.Transport on a Network (dev/testing).
type Transport struct {
	network *Network
	address string
	cfg     Config
	closed  atomic.Bool
	metrics *transportMetrics
	pending sync.WaitGroup
}

type transportMetrics struct {
	sent        atomic.Uint64
	received    atomic.Uint64
	acked       atomic.Uint64
	nacked      atomic.Uint64
	redelivered atomic.Uint64
}

var _ rebus.Transport = (*Transport)(nil)

// NewTransport returns a transport receiving from address on network.
func NewTransport(network *Network, address string, cfg Config) *Transport {
	if network == nil {
		network = DefaultNetwork
	}
	cfg.Address = address
	// Make sure the input queue exists so Count/Peek see it before the first send.
	network.queue(address)
	return &Transport{
		network: network,
		address: address,
		cfg:     cfg,
		metrics: &transportMetrics{},
	}
}

func (t *Transport) Address() string { return t.address }

// Send copies msg into the destination queue.
func (t *Transport) Send(ctx context.Context, destination string, msg *rebus.TransportMessage) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg == nil {
		return rebus.ErrInvalidMessage
	}
	t.network.Deliver(destination, msg)
	t.metrics.sent.Add(1)
	return nil
}

// Receive waits up to timeout for a message on the input queue.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (rebus.Delivery, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	m, err := t.network.queue(t.address).pop(ctx, timeout)
	if err != nil || m == nil {
		return nil, err
	}
	t.metrics.received.Add(1)
	return &delivery{msg: m, tr: t}, nil
}

// Close stops the transport and waits for delayed redeliveries to land.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	t.pending.Wait()
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Sent        uint64
	Received    uint64
	Acked       uint64
	Nacked      uint64
	Redelivered uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Sent:        t.metrics.sent.Load(),
		Received:    t.metrics.received.Load(),
		Acked:       t.metrics.acked.Load(),
		Nacked:      t.metrics.nacked.Load(),
		Redelivered: t.metrics.redelivered.Load(),
	}
}

type delivery struct {
	msg  *rebus.TransportMessage
	tr   *Transport
	once sync.Once
}

func (d *delivery) Message() *rebus.TransportMessage { return d.msg }

// Ack removes the message for good; it was already dequeued by Receive.
func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() { d.tr.metrics.acked.Add(1) })
	return nil
}

// Nack puts the message back at the tail of the input queue with its
// delivery count increased, so retry budgets keep shrinking across redeliveries.
func (d *delivery) Nack(_ context.Context, _ error) error {
	d.once.Do(func() {
		d.tr.metrics.nacked.Add(1)
		d.tr.metrics.redelivered.Add(1)
		msg := &rebus.TransportMessage{
			Headers: rebus.IncrementDeliveryCount(d.msg.Headers, 1),
			Body:    d.msg.Body,
		}
		delay := d.tr.cfg.RedeliveryDelay
		if delay <= 0 {
			d.tr.network.queue(d.tr.address).push(msg)
			return
		}
		d.tr.pending.Add(1)
		time.AfterFunc(delay, func() {
			defer d.tr.pending.Done()
			d.tr.network.queue(d.tr.address).push(msg)
		})
	})
	return nil
}
