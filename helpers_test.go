package rebus_test

import (
	"context"
	"sync"
	"testing"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/Mauricio-HNS/Rebus/adapter/memory"
)

type orderPlaced struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
}

func (o orderPlaced) AggregateID() string { return o.OrderID }

// domainEvent is implemented by orderPlaced and handled polymorphically.
type domainEvent interface {
	AggregateID() string
}

type placeOrder struct {
	OrderID string `json:"order_id"`
}

type orderAccepted struct {
	OrderID string `json:"order_id"`
}

func newMemoryNetworkTransport(t *testing.T, address string) (*memory.Network, *memory.Transport) {
	t.Helper()
	network := memory.NewNetwork()
	return network, memory.NewTransport(network, address, memory.Config{})
}

func newMemoryTransport(t *testing.T, address string) *memory.Transport {
	t.Helper()
	_, tr := newMemoryNetworkTransport(t, address)
	return tr
}

// traceStep appends name on entry and exit, around the continuation.
func traceStep(name string, trace *[]string) rebus.Step {
	return rebus.StepFunc(func(ctx context.Context, sc *rebus.StepContext, next rebus.Next) error {
		*trace = append(*trace, name+">")
		err := next.Continue(ctx, sc)
		*trace = append(*trace, "<"+name)
		return err
	})
}

// stopStep never calls next.
func stopStep(name string, trace *[]string) rebus.Step {
	return rebus.StepFunc(func(context.Context, *rebus.StepContext, rebus.Next) error {
		*trace = append(*trace, name+"|")
		return nil
	})
}

func invokersFor(p rebus.Pipeline) map[string]rebus.PipelineInvoker {
	return map[string]rebus.PipelineInvoker{
		"chain": rebus.NewChainInvoker(p),
		"index": rebus.NewIndexInvoker(p),
	}
}

func stepNames(steps []rebus.NamedStep) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Name
	}
	return out
}

type sentMessage struct {
	destination string
	msg         *rebus.TransportMessage
}

// recordingTransport wraps a transport and records every Send. Destinations
// listed in failTo fail with the given error.
type recordingTransport struct {
	rebus.Transport

	mu     sync.Mutex
	sent   []sentMessage
	failTo map[string]error
}

func newRecordingTransport(inner rebus.Transport) *recordingTransport {
	return &recordingTransport{Transport: inner, failTo: map[string]error{}}
}

func (t *recordingTransport) Send(ctx context.Context, destination string, msg *rebus.TransportMessage) error {
	t.mu.Lock()
	err := t.failTo[destination]
	t.sent = append(t.sent, sentMessage{destination: destination, msg: msg})
	t.mu.Unlock()
	if err != nil {
		return err
	}
	return t.Transport.Send(ctx, destination, msg)
}

func (t *recordingTransport) fail(destination string, err error) {
	t.mu.Lock()
	t.failTo[destination] = err
	t.mu.Unlock()
}

func (t *recordingTransport) sends() []sentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]sentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

func (t *recordingTransport) sendsTo(destination string) []sentMessage {
	var out []sentMessage
	for _, s := range t.sends() {
		if s.destination == destination {
			out = append(out, s)
		}
	}
	return out
}
