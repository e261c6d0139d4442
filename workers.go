package rebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xlog"
	"golang.org/x/sync/semaphore"
)

// DeliveryProcessor runs one received delivery to completion, including Ack/Nack.
type DeliveryProcessor func(ctx context.Context, workerID int, d Delivery)

// WorkerPoolConfig configures a Workers pool.
type WorkerPoolConfig struct {
	// MaxParallelism caps the number of deliveries processed at once across all workers.
	MaxParallelism int
	// PollTimeout is handed to Transport.Receive.
	PollTimeout time.Duration
	// ShutdownGrace bounds how long Stop waits for in-flight messages.
	ShutdownGrace time.Duration
	// IdleBackoff returns the pause after the given number of consecutive empty receives.
	IdleBackoff func(idleRounds int) time.Duration
	// ErrorBackoff returns the pause after the given number of consecutive receive errors.
	ErrorBackoff func(failures int) time.Duration
	Logger       *xlog.Logger
	Observe      func(Event)
}

const (
	DefaultPollTimeout   = time.Second
	DefaultShutdownGrace = time.Minute
)

var idleSteps = [...]time.Duration{
	10 * time.Millisecond,
	10 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// DefaultIdleBackoff grows from 10ms to 1s as a worker keeps finding no messages.
func DefaultIdleBackoff(idleRounds int) time.Duration {
	if idleRounds < 1 {
		return 0
	}
	return idleSteps[min(idleRounds, len(idleSteps))-1]
}

// DefaultErrorBackoff doubles from 100ms up to 5s.
var DefaultErrorBackoff = ExponentialBackoff(100*time.Millisecond, 5*time.Second)

// Workers is a resizable set of goroutines that receive from a Transport and
// hand deliveries to a DeliveryProcessor. A shared semaphore limits how many
// deliveries are processed at once regardless of the number of workers.
type Workers struct {
	transport Transport
	process   DeliveryProcessor
	cfg       WorkerPoolConfig
	logger    *xlog.Logger
	sem       *semaphore.Weighted

	// procCtx outlives Stop until the grace period ends.
	procCtx    context.Context
	procCancel context.CancelFunc

	mu       sync.Mutex
	running  []*worker
	nextID   int
	stopping bool
	wg       sync.WaitGroup

	inFlight atomic.Int64
}

type worker struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorkers(transport Transport, process DeliveryProcessor, cfg WorkerPoolConfig) (*Workers, error) {
	if transport == nil {
		return nil, ErrNoTransportConfigured
	}
	if cfg.MaxParallelism < 1 {
		return nil, ErrInvalidParallelism
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.IdleBackoff == nil {
		cfg.IdleBackoff = DefaultIdleBackoff
	}
	if cfg.ErrorBackoff == nil {
		cfg.ErrorBackoff = DefaultErrorBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = xlog.Default()
	}
	if cfg.Observe == nil {
		cfg.Observe = func(Event) {}
	}
	procCtx, cancel := context.WithCancel(context.Background())
	return &Workers{
		transport:  transport,
		process:    process,
		cfg:        cfg,
		logger:     cfg.Logger.With(xlog.Str("queue", transport.Address())),
		sem:        semaphore.NewWeighted(int64(cfg.MaxParallelism)),
		procCtx:    procCtx,
		procCancel: cancel,
	}, nil
}

// NumberOfWorkers returns the number of workers currently running.
func (p *Workers) NumberOfWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.running)
}

// MaxParallelism returns the processing cap shared by all workers.
func (p *Workers) MaxParallelism() int { return p.cfg.MaxParallelism }

// InFlight returns how many deliveries are being processed right now.
func (p *Workers) InFlight() int { return int(p.inFlight.Load()) }

// SetNumberOfWorkers starts or stops workers until n are running. Stopped
// workers finish the message they hold before exiting.
func (p *Workers) SetNumberOfWorkers(n int) error {
	if n < 0 {
		return ErrInvalidWorkers
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrBusClosed
	}
	for len(p.running) < n {
		p.nextID++
		ctx, cancel := context.WithCancel(context.Background())
		w := &worker{id: p.nextID, ctx: ctx, cancel: cancel}
		p.running = append(p.running, w)
		p.wg.Add(1)
		go p.run(w)
	}
	for len(p.running) > n {
		last := len(p.running) - 1
		p.running[last].cancel()
		p.running[last] = nil
		p.running = p.running[:last]
	}
	return nil
}

// Stop signals every worker and waits until they have exited, bounded by
// ctx and the shutdown grace. When the wait is cut short the processing
// context is cancelled and ErrShutdownTimeout is returned.
func (p *Workers) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil
	}
	p.stopping = true
	for _, w := range p.running {
		w.cancel()
	}
	p.running = nil
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(p.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		p.procCancel()
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	p.procCancel()
	p.logger.Warn().Str("in_flight", fmt.Sprint(p.InFlight())).Msg("rebus: workers did not finish within shutdown grace")
	return ErrShutdownTimeout
}

func (p *Workers) run(w *worker) {
	defer p.wg.Done()
	log := p.logger.With(xlog.Str("worker", fmt.Sprint(w.id)))
	p.cfg.Observe(Event{Type: WorkerStarted, Queue: p.transport.Address(), Worker: w.id})
	log.Debug().Msg("rebus: worker started")
	defer func() {
		p.cfg.Observe(Event{Type: WorkerStopped, Queue: p.transport.Address(), Worker: w.id})
		log.Debug().Msg("rebus: worker stopped")
	}()

	idle, failures := 0, 0
	for w.ctx.Err() == nil {
		d, err := p.receive(w)
		switch {
		case err != nil:
			if w.ctx.Err() != nil {
				return
			}
			failures++
			log.Warn().Err(err).Msg("rebus: receive failed")
			p.cfg.Observe(Event{Type: Error, Queue: p.transport.Address(), Worker: w.id, Err: err})
			if !sleep(w.ctx, p.cfg.ErrorBackoff(failures)) {
				return
			}
		case d == nil:
			failures = 0
			idle++
			if !sleep(w.ctx, p.cfg.IdleBackoff(idle)) {
				return
			}
		default:
			failures, idle = 0, 0
			p.handle(w, d)
		}
	}
}

func (p *Workers) receive(w *worker) (d Delivery, err error) {
	defer func() {
		if r := recover(); r != nil {
			d, err = nil, fmt.Errorf("rebus: receive panic: %v", r)
		}
	}()
	return p.transport.Receive(w.ctx, p.cfg.PollTimeout)
}

// handle processes d once a parallelism permit is available. A worker that
// was asked to stop still processes the delivery it already holds.
func (p *Workers) handle(w *worker, d Delivery) {
	if err := p.sem.Acquire(p.procCtx, 1); err != nil {
		nctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Nack(nctx, errors.Join(ErrShutdownTimeout, err))
		return
	}
	p.inFlight.Add(1)
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
	}()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: %v", ErrHandlerPanic, r)
			p.logger.Error().Err(err).Msg("rebus: delivery processing panic (recovered)")
			p.cfg.Observe(Event{Type: Error, Queue: p.transport.Address(), Worker: w.id, Err: err})
			_ = d.Nack(context.Background(), err)
		}
	}()
	p.process(p.procCtx, w.id, d)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
