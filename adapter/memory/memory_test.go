package memory_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/Mauricio-HNS/Rebus/adapter/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransport_SendReceiveAck(t *testing.T) {
	network := memory.NewNetwork()
	a := memory.NewTransport(network, "a", memory.Config{})
	b := memory.NewTransport(network, "b", memory.Config{})
	ctx := context.Background()

	headers := rebus.Headers{rebus.HeaderMessageID: "m-1"}
	msg := rebus.NewTransportMessage(headers, []byte("hello"))
	require.NoError(t, a.Send(ctx, "b", msg))
	assert.Equal(t, 1, network.Count("b"))

	msg.Headers["mutated"] = "yes"
	d, err := b.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "m-1", d.Message().ID())
	assert.Equal(t, "hello", string(d.Message().Body))
	_, mutated := d.Message().Headers["mutated"]
	assert.False(t, mutated, "the network holds its own copy")

	require.NoError(t, d.Ack(ctx))
	assert.Zero(t, network.Count("b"))
	assert.Equal(t, uint64(1), a.Stats().Sent)
	assert.Equal(t, uint64(1), b.Stats().Acked)
}

func TestTransport_ReceiveTimeout(t *testing.T) {
	tr := memory.NewTransport(memory.NewNetwork(), "empty", memory.Config{})
	start := time.Now()
	d, err := tr.Receive(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = tr.Receive(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransport_ReceiveWakesOnSend(t *testing.T) {
	network := memory.NewNetwork()
	tr := memory.NewTransport(network, "q", memory.Config{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		network.Deliver("q", rebus.NewTransportMessage(rebus.Headers{rebus.HeaderMessageID: "late"}, nil))
	}()
	d, err := tr.Receive(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "late", d.Message().ID())
}

func TestTransport_NackRequeues(t *testing.T) {
	network := memory.NewNetwork()
	tr := memory.NewTransport(network, "q", memory.Config{})
	ctx := context.Background()
	network.Deliver("q", rebus.NewTransportMessage(rebus.Headers{rebus.HeaderMessageID: "m-1"}, nil))

	d, err := tr.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx, assert.AnError))
	require.NoError(t, d.Nack(ctx, assert.AnError), "settling twice is a no-op")
	assert.Equal(t, 1, network.Count("q"))

	again, err := tr.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m-1", again.Message().ID())
	assert.Equal(t, 1, rebus.DeliveryCount(again.Message().Headers))
	assert.Equal(t, uint64(1), tr.Stats().Redelivered)

	require.NoError(t, again.Nack(ctx, assert.AnError))
	third, err := tr.Receive(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, rebus.DeliveryCount(third.Message().Headers))
}

func TestTransport_NackedMessageExhaustsRetries(t *testing.T) {
	network := memory.NewNetwork()
	inner := memory.NewTransport(network, "input", memory.Config{RedeliveryDelay: 5 * time.Millisecond})
	failing := &failingErrorQueue{Transport: inner}
	var calls atomic.Int64
	handlers := rebus.NewBuiltinActivator()
	rebus.HandleFunc(handlers, func(context.Context, ping) error {
		calls.Add(1)
		return errors.New("boom")
	})
	bus, err := rebus.NewBusBuilder().
		WithTransportInstance(failing).
		WithActivator(handlers).
		WithRetryPolicy(rebus.RetryPolicy{MaxDeliveryAttempts: 3}).
		Build()
	require.NoError(t, err)
	ctx := context.Background()
	defer func() { _ = bus.Close(ctx) }()

	require.NoError(t, bus.SendLocal(ctx, ping{N: 1}))
	require.NoError(t, bus.Start(ctx))

	// Each refused forward nacks the message, and every redelivery starts
	// with a higher count: 3 attempts, then 2, then 1, then none.
	require.Eventually(t, func() bool { return failing.refused.Load() >= 5 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3+2+1), calls.Load())
}

// failingErrorQueue refuses every send to the default error queue.
type failingErrorQueue struct {
	rebus.Transport
	refused atomic.Int64
}

func (f *failingErrorQueue) Send(ctx context.Context, destination string, msg *rebus.TransportMessage) error {
	if destination == rebus.DefaultErrorQueue {
		f.refused.Add(1)
		return errors.New("error queue unavailable")
	}
	return f.Transport.Send(ctx, destination, msg)
}

func TestTransport_DelayedRedelivery(t *testing.T) {
	network := memory.NewNetwork()
	tr := memory.NewTransport(network, "q", memory.Config{RedeliveryDelay: 30 * time.Millisecond})
	ctx := context.Background()
	network.Deliver("q", rebus.NewTransportMessage(rebus.Headers{}, nil))

	d, err := tr.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx, assert.AnError))
	assert.Zero(t, network.Count("q"))

	require.NoError(t, tr.Close(ctx), "close waits for pending redeliveries")
	assert.Equal(t, 1, network.Count("q"))
}

func TestTransport_Closed(t *testing.T) {
	tr := memory.NewTransport(memory.NewNetwork(), "q", memory.Config{})
	ctx := context.Background()
	require.NoError(t, tr.Close(ctx))
	require.NoError(t, tr.Close(ctx))

	assert.ErrorIs(t, tr.Send(ctx, "x", rebus.NewTransportMessage(nil, nil)), memory.ErrClosed)
	_, err := tr.Receive(ctx, time.Millisecond)
	assert.ErrorIs(t, err, memory.ErrClosed)
}

func TestNetwork_PeekAndReset(t *testing.T) {
	network := memory.NewNetwork()
	network.Deliver("q", rebus.NewTransportMessage(rebus.Headers{rebus.HeaderMessageID: "1"}, nil))
	network.Deliver("q", rebus.NewTransportMessage(rebus.Headers{rebus.HeaderMessageID: "2"}, nil))

	peeked := network.Peek("q")
	require.Len(t, peeked, 2)
	assert.Equal(t, "1", peeked[0].ID())
	assert.Equal(t, "2", peeked[1].ID())
	assert.Equal(t, 2, network.Count("q"), "peek does not consume")
	assert.Nil(t, network.Peek("missing"))

	network.Reset()
	assert.Zero(t, network.Count("q"))
}

func TestConfigFromMap(t *testing.T) {
	network := memory.NewNetwork()
	cfg := memory.ConfigFromMap(map[string]any{
		"address":          "orders",
		"redelivery_delay": "250ms",
		"network":          network,
	})
	assert.Equal(t, memory.Config{Address: "orders", RedeliveryDelay: 250 * time.Millisecond, Network: network}, cfg)

	cfg = memory.ConfigFromMap(map[string]any{"redelivery_delay": 5 * time.Second})
	assert.Equal(t, 5*time.Second, cfg.RedeliveryDelay)
	assert.Nil(t, cfg.Network)
}

func TestRegistryFactory(t *testing.T) {
	_, err := rebus.NewTransport(memory.TransportName, map[string]any{})
	assert.Error(t, err, "address is required")

	network := memory.NewNetwork()
	tr, err := rebus.NewTransport(memory.TransportName, map[string]any{"address": "q", "network": network})
	require.NoError(t, err)
	assert.Equal(t, "q", tr.Address())
	require.NoError(t, tr.Send(context.Background(), "q", rebus.NewTransportMessage(nil, nil)))
	assert.Equal(t, 1, network.Count("q"))
}

func TestSubscriptionStore(t *testing.T) {
	s := memory.NewSubscriptionStore()
	ctx := context.Background()

	require.NoError(t, s.AddSubscriber(ctx, "orders.OrderPlaced", "shipping"))
	require.NoError(t, s.AddSubscriber(ctx, "orders.OrderPlaced", "billing"))
	require.NoError(t, s.AddSubscriber(ctx, "orders.OrderPlaced", "shipping"))

	subs, err := s.GetSubscriberAddresses(ctx, "orders.OrderPlaced")
	require.NoError(t, err)
	assert.Equal(t, []string{"shipping", "billing"}, subs)

	subs[0] = "mutated"
	again, _ := s.GetSubscriberAddresses(ctx, "orders.OrderPlaced")
	assert.Equal(t, "shipping", again[0])

	require.NoError(t, s.RemoveSubscriber(ctx, "orders.OrderPlaced", "shipping"))
	require.NoError(t, s.RemoveSubscriber(ctx, "orders.OrderPlaced", "unknown"))
	subs, _ = s.GetSubscriberAddresses(ctx, "orders.OrderPlaced")
	assert.Equal(t, []string{"billing"}, subs)

	subs, _ = s.GetSubscriberAddresses(ctx, "other")
	assert.Empty(t, subs)
}

type ping struct {
	N int `json:"n"`
}

func TestUse(t *testing.T) {
	network := memory.NewNetwork()
	got := make(chan int, 1)
	handlers := rebus.NewBuiltinActivator()
	rebus.HandleFunc(handlers, func(_ context.Context, p ping) error {
		got <- p.N
		return nil
	})
	bus := memory.Use(memory.Config{Address: "use", Network: network},
		memory.WithActivator(handlers),
		memory.WithNumberOfWorkers(1),
		memory.WithSubscriptionStore(memory.NewSubscriptionStore()),
	)
	ctx := context.Background()
	defer func() { _ = bus.Close(ctx) }()

	def, err := rebus.Default()
	require.NoError(t, err)
	assert.Same(t, bus, def)
	assert.Equal(t, "use", bus.Address())

	require.NoError(t, bus.Start(ctx))
	require.NoError(t, rebus.SendLocal(ctx, ping{N: 7}))
	select {
	case n := <-got:
		assert.Equal(t, 7, n)
	case <-time.After(5 * time.Second):
		t.Fatal("message not handled")
	}
}
