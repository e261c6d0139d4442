package rebus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"go.uber.org/multierr"
)

var (
	_ API           = (*Bus)(nil)
	_ HealthChecker = (*Bus)(nil)
)

// Bus is the central Facade: it owns the frozen pipelines, the invoker and
// the worker pool of one input queue.
type Bus struct {
	transport     Transport
	types         *TypeRegistry
	router        DestinationRouter
	subscriptions SubscriptionStore
	pipeline      Pipeline
	invoker       PipelineInvoker
	clock         xclock.Clock
	logger        *xlog.Logger
	ackTimeout    time.Duration

	workerCfg       WorkerPoolConfig
	numberOfWorkers int
	workersMu       sync.Mutex
	workers         *Workers

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	metrics   *busMetrics
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// busMetrics uses lock-free atomics.
type busMetrics struct {
	sent         atomic.Uint64
	received     atomic.Uint64
	acked        atomic.Uint64
	nacked       atomic.Uint64
	poisoned     atomic.Uint64
	unhandled    atomic.Uint64
	errors       atomic.Uint64
	processingNs atomic.Int64
}

// SendOption customizes a single outgoing message.
type SendOption func(h Headers)

// WithHeader sets a header on the outgoing message.
func WithHeader(key, value string) SendOption {
	return func(h Headers) { h[key] = value }
}

// WithHeaders copies every entry of headers onto the outgoing message.
func WithHeaders(headers Headers) SendOption {
	return func(h Headers) {
		for k, v := range headers {
			h[k] = v
		}
	}
}

// Address returns the input queue of this bus.
func (b *Bus) Address() string { return b.transport.Address() }

// Pipeline returns the frozen (and decorated) pipeline the invoker runs.
func (b *Bus) Pipeline() Pipeline { return b.pipeline }

// Types returns the registry naming message types on the wire.
func (b *Bus) Types() *TypeRegistry { return b.types }

// Workers returns the worker pool, or nil before Start.
func (b *Bus) Workers() *Workers {
	b.workersMu.Lock()
	defer b.workersMu.Unlock()
	return b.workers
}

// SetNumberOfWorkers resizes the worker pool of a started bus. Workers that
// are stopped finish the message they hold first.
func (b *Bus) SetNumberOfWorkers(n int) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	w := b.Workers()
	if w == nil {
		return ErrNotStarted
	}
	return w.SetNumberOfWorkers(n)
}

// Start launches the configured number of workers on the input queue.
func (b *Bus) Start(_ context.Context) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	cfg := b.workerCfg
	cfg.Observe = b.notifyAsync
	w, err := NewWorkers(b.transport, b.processDelivery, cfg)
	if err != nil {
		b.started.Store(false)
		return err
	}
	if err := w.SetNumberOfWorkers(b.numberOfWorkers); err != nil {
		b.started.Store(false)
		return err
	}
	b.workersMu.Lock()
	b.workers = w
	b.workersMu.Unlock()

	b.logger.Info().
		Str("queue", b.Address()).
		Str("workers", fmt.Sprint(b.numberOfWorkers)).
		Str("max_parallelism", fmt.Sprint(cfg.MaxParallelism)).
		Msg("rebus: bus started")
	return nil
}

// Send delivers msg to destination through the send pipeline.
func (b *Bus) Send(ctx context.Context, destination string, msg any, opts ...SendOption) error {
	if destination == "" {
		return ErrNoDestination
	}
	return b.send(ctx, msg, opts, destination)
}

// SendRouted delivers msg to the owner of its type as resolved by the router.
func (b *Bus) SendRouted(ctx context.Context, msg any, opts ...SendOption) error {
	dest, err := b.route(ctx, msg)
	if err != nil {
		return err
	}
	return b.send(ctx, msg, opts, dest)
}

// SendLocal delivers msg to this bus' own input queue.
func (b *Bus) SendLocal(ctx context.Context, msg any, opts ...SendOption) error {
	return b.send(ctx, msg, opts, b.Address())
}

// Reply sends msg to the return address of the message currently being
// handled. It must be called from within a handler.
func (b *Bus) Reply(ctx context.Context, msg any, opts ...SendOption) error {
	in, ok := HeadersFrom(ctx)
	if !ok {
		return ErrNoMessageContext
	}
	dest, err := in.Require(HeaderReturnAddress)
	if err != nil {
		return err
	}
	opts = append(opts[:len(opts):len(opts)], WithHeader(HeaderInReplyTo, in[HeaderMessageID]))
	return b.send(ctx, msg, opts, dest)
}

// Publish sends msg to every subscriber of its type. Each subscriber gets an
// independent send; failures are combined and successful sends stand.
func (b *Bus) Publish(ctx context.Context, msg any, opts ...SendOption) error {
	if msg == nil {
		return ErrInvalidMessage
	}
	if b.subscriptions == nil {
		return ErrNoSubscriptionStore
	}
	topic := b.types.NameOf(msg)
	subscribers, err := b.subscriptions.GetSubscriberAddresses(ctx, topic)
	if err != nil {
		b.metrics.errors.Add(1)
		return fmt.Errorf("rebus: subscribers of %s: %w", topic, err)
	}
	opts = append(opts[:len(opts):len(opts)], WithHeader(HeaderIntent, IntentPublish))
	var errs error
	for _, addr := range subscribers {
		if err := b.send(ctx, msg, opts, addr); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("publish %s to %q: %w", topic, addr, err))
		}
	}
	return errs
}

// Subscribe asks the owner of T to publish T to this bus.
func Subscribe[T any](ctx context.Context, b *Bus) error {
	return b.SubscribeTopic(ctx, b.types.NameOfType(reflect.TypeFor[T]()))
}

// Unsubscribe reverses Subscribe.
func Unsubscribe[T any](ctx context.Context, b *Bus) error {
	return b.UnsubscribeTopic(ctx, b.types.NameOfType(reflect.TypeFor[T]()))
}

// SubscribeTopic subscribes this bus to the named message type.
func (b *Bus) SubscribeTopic(ctx context.Context, topic string) error {
	return b.subscription(ctx, topic, ActionSubscribe)
}

// UnsubscribeTopic unsubscribes this bus from the named message type.
func (b *Bus) UnsubscribeTopic(ctx context.Context, topic string) error {
	return b.subscription(ctx, topic, ActionUnsubscribe)
}

func (b *Bus) subscription(ctx context.Context, topic, action string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty topic", ErrInvalidMessage)
	}
	if b.router == nil {
		return fmt.Errorf("%w: no router for %s", ErrNoDestination, topic)
	}
	dest, err := b.router.GetDestinationAddress(ctx, topic)
	if err != nil {
		return err
	}
	return b.send(ctx, SubscriptionRequest{Topic: topic, Action: action},
		[]SendOption{WithHeader(HeaderReturnAddress, b.Address())}, dest)
}

func (b *Bus) route(ctx context.Context, msg any) (string, error) {
	if msg == nil {
		return "", ErrInvalidMessage
	}
	if b.router == nil {
		return "", fmt.Errorf("%w: no router configured", ErrNoDestination)
	}
	return b.router.GetDestinationAddress(ctx, b.types.NameOf(msg))
}

func (b *Bus) send(ctx context.Context, msg any, opts []SendOption, destinations ...string) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	if msg == nil {
		return ErrInvalidMessage
	}
	headers := make(Headers, 8)
	for _, o := range opts {
		if o != nil {
			o(headers)
		}
	}
	lm := &LogicalMessage{Headers: headers, Messages: []any{msg}}
	sc := NewStepContext()
	SaveItem(sc, lm)
	sc.SetDestinations(destinations...)

	e := Event{Type: SendStart, Queue: b.Address(), MessageType: b.types.NameOf(msg)}
	if len(destinations) == 1 {
		e.Destination = destinations[0]
	}
	b.notifyAsync(e)

	b.metrics.sent.Add(1)
	start := b.clock.Now()
	err := b.invoker.InvokeSend(ctx, sc)

	e.Type, e.MessageID, e.Duration, e.Err = SendDone, headers[HeaderMessageID], b.clock.Since(start), err
	b.notifyAsync(e)
	if err != nil {
		b.metrics.errors.Add(1)
	}
	return err
}

// processDelivery is the DeliveryProcessor the workers run.
func (b *Bus) processDelivery(ctx context.Context, workerID int, d Delivery) {
	b.metrics.received.Add(1)
	tm := d.Message()
	sc := NewStepContext()
	SaveItem(sc, tm)
	SaveItem(sc, d)

	hctx := InjectAll(ctx, sc, b.logger, b.clock)
	hctx = injectBus(hctx, b)

	e := Event{
		Type:        ReceiveStart,
		Queue:       b.Address(),
		MessageID:   tm.ID(),
		MessageType: tm.Headers[HeaderMessageType],
		Worker:      workerID,
	}
	b.notifyAsync(e)

	start := b.clock.Now()
	err := b.invoker.InvokeReceive(hctx, sc)
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())

	e.Type, e.Duration, e.Err = ReceiveDone, duration, err
	b.notifyAsync(e)

	if err == nil {
		b.metrics.acked.Add(1)
		b.ackWithTimeout(ctx, d, true, nil)
		e.Type, e.Duration = Ack, 0
		b.notifyAsync(e)
		return
	}

	b.metrics.nacked.Add(1)
	b.metrics.errors.Add(1)
	b.logger.Warn().Err(err).Str("message_id", tm.ID()).Msg("rebus: message processing failed")
	b.ackWithTimeout(ctx, d, false, err)
	e.Type, e.Duration = Nack, 0
	b.notifyAsync(e)
}

// poisoned is called by the retry step after a message went to the error queue.
func (b *Bus) poisoned(_ context.Context, tm *TransportMessage, err error) {
	b.metrics.poisoned.Add(1)
	b.notifyAsync(Event{
		Type:        Poisoned,
		Queue:       b.Address(),
		MessageID:   tm.ID(),
		MessageType: tm.Headers[HeaderMessageType],
		Err:         err,
	})
}

// ackWithTimeout settles d without inheriting the cancellation of ctx, so
// messages finished during shutdown are still acknowledged.
func (b *Bus) ackWithTimeout(ctx context.Context, d Delivery, ack bool, reason error) {
	actx := context.WithoutCancel(ctx)
	cancel := func() {}
	if b.ackTimeout > 0 {
		actx, cancel = context.WithTimeout(actx, b.ackTimeout)
	}
	defer cancel()

	if ack {
		if err := d.Ack(actx); err != nil {
			b.metrics.errors.Add(1)
			b.notifyAsync(Event{Type: Error, Queue: b.Address(), MessageID: d.Message().ID(), Err: err})
			b.logger.Warn().Err(err).Msg("rebus: ack failed")
		}
		return
	}
	if err := d.Nack(actx, reason); err != nil {
		b.metrics.errors.Add(1)
		b.notifyAsync(Event{Type: Error, Queue: b.Address(), MessageID: d.Message().ID(), Err: err})
		b.logger.Warn().Err(err).Msg("rebus: nack failed")
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Sent:                b.metrics.sent.Load(),
		Received:            b.metrics.received.Load(),
		Acked:               b.metrics.acked.Load(),
		Nacked:              b.metrics.nacked.Load(),
		Poisoned:            b.metrics.poisoned.Load(),
		Unhandled:           b.metrics.unhandled.Load(),
		Errors:              b.metrics.errors.Load(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	if w := b.Workers(); w != nil {
		m.Workers = w.NumberOfWorkers()
	}
	return m
}

// Health reports "degraded" when more than 5% of received messages failed.
func (b *Bus) Health(_ context.Context) HealthStatus {
	now := b.clock.Now()
	if b.closed.Load() {
		return HealthStatus{Status: "unhealthy", Message: "bus is closed", Timestamp: now}
	}
	metrics := b.GetMetrics()
	status := "healthy"
	if metrics.Received > 0 && metrics.Nacked > 0 {
		if float64(metrics.Nacked)/float64(metrics.Received) > 0.05 {
			status = "degraded"
		}
	}
	return HealthStatus{Status: status, Metrics: metrics, Timestamp: now}
}

// Close stops the workers (waiting up to the shutdown grace), drains the
// observer pool and closes the transport. It is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		if w := b.Workers(); w != nil {
			if err := w.Stop(ctx); err != nil {
				b.logger.Warn().Err(err).Msg("rebus: workers stop")
				b.closeErr = multierr.Append(b.closeErr, err)
			}
		}
		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("rebus: observer pool shutdown timeout")
				b.closeErr = multierr.Append(b.closeErr, err)
			}
		}
		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("rebus: transport close failed")
			b.closeErr = multierr.Append(b.closeErr, err)
		}
		b.logger.Info().Str("queue", b.Address()).Msg("rebus: bus closed")
	})
	return b.closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes the first registration of obs.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()
	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			return
		}
	}
}

func (b *Bus) notifyAsync(e Event) {
	if b.observerPool == nil {
		return
	}
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()
	b.observerPool.Notify(e, observers)
}

// recordProcessingTime keeps an exponential moving average of receive time.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2
	for {
		current := b.metrics.processingNs.Load()
		next := ns
		if current != 0 {
			next = int64(float64(ns)*alpha + float64(current)*(1-alpha))
		}
		if b.metrics.processingNs.CompareAndSwap(current, next) {
			return
		}
	}
}
