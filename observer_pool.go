package rebus

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
)

// PoolStats reports observer pool activity.
type PoolStats struct {
	Dropped   uint64
	Processed uint64
	Panics    uint64
	Queued    int
	Workers   int
	Capacity  int
}

type notification struct {
	event     Event
	observers []Observer
}

// ObserverPool fans events out to observers on a fixed set of goroutines so
// that slow observers never block sending or receiving. When the buffer is
// full the event is dropped and counted.
type ObserverPool struct {
	queue   chan notification
	done    chan struct{}
	workers int
	logger  *xlog.Logger
	wg      sync.WaitGroup

	closeOnce sync.Once
	closing   atomic.Bool
	dropped   atomic.Uint64
	processed atomic.Uint64
	panics    atomic.Uint64
}

// NewObserverPool starts workers goroutines reading from a buffer of bufferSize events.
func NewObserverPool(workers, bufferSize int, logger *xlog.Logger) *ObserverPool {
	if workers < 1 {
		workers = 4
	}
	if bufferSize < 1 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = xlog.Default()
	}
	p := &ObserverPool{
		queue:   make(chan notification, bufferSize),
		done:    make(chan struct{}),
		workers: workers,
		logger:  logger,
	}
	p.wg.Add(workers)
	for range workers {
		go p.run()
	}
	return p
}

// Notify queues e for every observer in observers. The slice is retained, so
// callers must pass a copy they no longer mutate.
func (p *ObserverPool) Notify(e Event, observers []Observer) {
	if len(observers) == 0 || p.closing.Load() {
		return
	}
	select {
	case p.queue <- notification{event: e, observers: observers}:
	default:
		p.dropped.Add(1)
	}
}

func (p *ObserverPool) run() {
	defer p.wg.Done()
	for {
		select {
		case n := <-p.queue:
			p.deliver(n)
		case <-p.done:
			// Drain what was queued before Close.
			for {
				select {
				case n := <-p.queue:
					p.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (p *ObserverPool) deliver(n notification) {
	for _, obs := range n.observers {
		if obs != nil {
			p.call(obs, n.event)
		}
	}
	p.processed.Add(1)
}

func (p *ObserverPool) call(obs Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Warn().Str("event", string(e.Type)).Str("panic", fmt.Sprint(r)).Msg("rebus: observer panic (recovered)")
		}
	}()
	obs.OnEvent(e)
}

// Close stops accepting events and waits up to timeout for queued ones to be delivered.
func (p *ObserverPool) Close(timeout time.Duration) error {
	var err error
	p.closeOnce.Do(func() {
		p.closing.Store(true)
		close(p.done)

		finished := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(finished)
		}()
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-finished:
		case <-t.C:
			err = ErrObserverPoolShutdownTimeout
		}
	})
	return err
}

func (p *ObserverPool) Stats() PoolStats {
	return PoolStats{
		Dropped:   p.dropped.Load(),
		Processed: p.processed.Load(),
		Panics:    p.panics.Load(),
		Queued:    len(p.queue),
		Workers:   p.workers,
		Capacity:  cap(p.queue),
	}
}
