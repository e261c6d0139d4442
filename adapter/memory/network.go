package memory

import (
	"context"
	"sync"
	"time"

	rebus "github.com/Mauricio-HNS/Rebus"
)

// Network is a set of named in-process queues shared by every memory
// transport created on it. Tests use it to inspect what was sent where.
type Network struct {
	mu     sync.RWMutex
	queues map[string]*queue
}

// DefaultNetwork backs transports created through the registry.
var DefaultNetwork = NewNetwork()

func NewNetwork() *Network {
	return &Network{queues: make(map[string]*queue)}
}

// Deliver appends a copy of msg to the queue named address.
func (n *Network) Deliver(address string, msg *rebus.TransportMessage) {
	n.queue(address).push(rebus.NewTransportMessage(msg.Headers, msg.Body))
}

// Count returns the number of messages waiting in address.
func (n *Network) Count(address string) int {
	n.mu.RLock()
	q, ok := n.queues[address]
	n.mu.RUnlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Peek returns copies of the messages waiting in address without removing them.
func (n *Network) Peek(address string) []*rebus.TransportMessage {
	n.mu.RLock()
	q, ok := n.queues[address]
	n.mu.RUnlock()
	if !ok {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*rebus.TransportMessage, len(q.items))
	for i, m := range q.items {
		out[i] = rebus.NewTransportMessage(m.Headers, m.Body)
	}
	return out
}

// Reset drops every queue.
func (n *Network) Reset() {
	n.mu.Lock()
	n.queues = make(map[string]*queue)
	n.mu.Unlock()
}

func (n *Network) queue(address string) *queue {
	n.mu.RLock()
	q, ok := n.queues[address]
	n.mu.RUnlock()
	if ok {
		return q
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if q, ok = n.queues[address]; ok {
		return q
	}
	q = &queue{ready: make(chan struct{}, 1)}
	n.queues[address] = q
	return q
}

// queue is a FIFO whose ready channel holds a token while items are waiting.
type queue struct {
	mu    sync.Mutex
	items []*rebus.TransportMessage
	ready chan struct{}
}

func (q *queue) push(m *rebus.TransportMessage) {
	q.mu.Lock()
	q.items = append(q.items, m)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) tryPop() *rebus.TransportMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		q.signal()
	}
	return m
}

// pop waits up to timeout for a message. It returns nil, nil on timeout.
func (q *queue) pop(ctx context.Context, timeout time.Duration) (*rebus.TransportMessage, error) {
	if m := q.tryPop(); m != nil {
		return m, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
			return q.tryPop(), nil
		case <-q.ready:
			if m := q.tryPop(); m != nil {
				return m, nil
			}
		}
	}
}
