package rebus

import (
	"reflect"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"go.uber.org/multierr"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	transportName string
	transportCfg  map[string]any
	transportInst Transport

	serializer Serializer
	codecName  string
	codecInst  Codec
	types      *TypeRegistry

	activator     HandlerActivator
	dispatcherOps []DispatcherOption
	router        DestinationRouter
	subscriptions SubscriptionStore

	numberOfWorkers int
	maxParallelism  int
	parallelismSet  bool
	pollTimeout     time.Duration
	shutdownGrace   time.Duration
	retry           RetryPolicy

	invokerMode    InvokerMode
	invokerFactory func(Pipeline) PipelineInvoker
	decorators     []func(Pipeline) Pipeline
	pipelineEdits  []func(*PipelineBuilder) error

	observers       []Observer
	observerWorkers int
	observerBuffer  int
	logger          *xlog.Logger
	clock           xclock.Clock
	ackTimeout      time.Duration

	errs error
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:       "json",
		numberOfWorkers: 1,
		maxParallelism:  1,
		pollTimeout:     DefaultPollTimeout,
		shutdownGrace:   DefaultShutdownGrace,
		retry:           DefaultRetryPolicy(),
		invokerMode:     InvokerChain,
		observerWorkers: 4,
		observerBuffer:  1024,
		ackTimeout:      5 * time.Second,
	}
}

// WithTransport selects a registered transport by name.
func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready Transport instance (e.g., from adapter Use()).
func (bb *BusBuilder) WithTransportInstance(t Transport) *BusBuilder {
	bb.transportInst = t
	return bb
}

// WithSerializer replaces the codec based serializer entirely.
func (bb *BusBuilder) WithSerializer(s Serializer) *BusBuilder {
	bb.serializer = s
	return bb
}

// WithCodec selects a registered codec by name.
func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithTypes shares a TypeRegistry between the serializer, router and bus.
// Build registers the concrete types the activator has handlers for, so they
// can be decoded on receive. Messages handled only through an interface
// handler must be registered here with RegisterType or RegisterTypeAs;
// otherwise deserialization fails with ErrUnknownMessageType.
func (bb *BusBuilder) WithTypes(r *TypeRegistry) *BusBuilder {
	bb.types = r
	return bb
}

func (bb *BusBuilder) WithActivator(a HandlerActivator) *BusBuilder {
	bb.activator = a
	return bb
}

// WithMiddleware wraps every handler invocation.
func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) > 0 {
		bb.dispatcherOps = append(bb.dispatcherOps, WithHandlerMiddleware(mw...))
	}
	return bb
}

func (bb *BusBuilder) WithDispatcherOptions(opts ...DispatcherOption) *BusBuilder {
	bb.dispatcherOps = append(bb.dispatcherOps, opts...)
	return bb
}

func (bb *BusBuilder) WithRouter(r DestinationRouter) *BusBuilder {
	bb.router = r
	return bb
}

func (bb *BusBuilder) WithSubscriptionStore(s SubscriptionStore) *BusBuilder {
	bb.subscriptions = s
	return bb
}

// WithNumberOfWorkers sets how many workers Start launches. Zero is allowed.
func (bb *BusBuilder) WithNumberOfWorkers(n int) *BusBuilder {
	bb.numberOfWorkers = n
	return bb
}

// WithMaxParallelism caps concurrent processing. When never set it follows
// the number of workers.
func (bb *BusBuilder) WithMaxParallelism(n int) *BusBuilder {
	bb.maxParallelism = n
	bb.parallelismSet = true
	return bb
}

func (bb *BusBuilder) WithPollTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.pollTimeout = d
	}
	return bb
}

func (bb *BusBuilder) WithShutdownGrace(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.shutdownGrace = d
	}
	return bb
}

func (bb *BusBuilder) WithRetryPolicy(p RetryPolicy) *BusBuilder {
	bb.retry = p
	return bb
}

func (bb *BusBuilder) WithInvoker(mode InvokerMode) *BusBuilder {
	bb.invokerMode = mode
	return bb
}

// WithInvokerFactory overrides WithInvoker with a custom invocation strategy.
func (bb *BusBuilder) WithInvokerFactory(f func(Pipeline) PipelineInvoker) *BusBuilder {
	bb.invokerFactory = f
	return bb
}

// Decorate wraps the frozen pipeline before the invoker is built. Decorators
// apply in registration order, so the last one is outermost.
func (bb *BusBuilder) Decorate(fn func(Pipeline) Pipeline) *BusBuilder {
	if fn != nil {
		bb.decorators = append(bb.decorators, fn)
	}
	return bb
}

// InsertStepBefore places a custom step before the builtin or custom step named anchor.
func (bb *BusBuilder) InsertStepBefore(dir Direction, anchor, name string, step Step) *BusBuilder {
	bb.pipelineEdits = append(bb.pipelineEdits, func(pb *PipelineBuilder) error {
		return pb.InsertBefore(dir, anchor, name, step)
	})
	return bb
}

// InsertStepAfter places a custom step after the builtin or custom step named anchor.
func (bb *BusBuilder) InsertStepAfter(dir Direction, anchor, name string, step Step) *BusBuilder {
	bb.pipelineEdits = append(bb.pipelineEdits, func(pb *PipelineBuilder) error {
		return pb.InsertAfter(dir, anchor, name, step)
	})
	return bb
}

// AppendStep adds a custom step at the end of the pipeline for dir.
func (bb *BusBuilder) AppendStep(dir Direction, name string, step Step) *BusBuilder {
	bb.pipelineEdits = append(bb.pipelineEdits, func(pb *PipelineBuilder) error {
		return pb.Append(dir, name, step)
	})
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the asynchronous observer pool.
func (bb *BusBuilder) WithObserverPool(workers, buffer int) *BusBuilder {
	bb.observerWorkers = workers
	bb.observerBuffer = buffer
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

func (bb *BusBuilder) WithAckTimeout(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.ackTimeout = d
	}
	return bb
}

// WithConfig applies every setting of cfg.
func (bb *BusBuilder) WithConfig(cfg Config) *BusBuilder {
	bb.WithNumberOfWorkers(cfg.Workers).
		WithPollTimeout(cfg.PollTimeout).
		WithShutdownGrace(cfg.ShutdownGrace)
	if cfg.MaxParallelism > 0 {
		bb.WithMaxParallelism(cfg.MaxParallelism)
	}
	if cfg.MaxDeliveryAttempts > 0 {
		bb.retry.MaxDeliveryAttempts = cfg.MaxDeliveryAttempts
	}
	if cfg.ErrorQueue != "" {
		bb.retry.ErrorQueue = cfg.ErrorQueue
	}
	mode, err := ParseInvokerMode(cfg.Invoker)
	if err != nil {
		bb.errs = multierr.Append(bb.errs, err)
		return bb
	}
	bb.invokerMode = mode
	return bb
}

// Build validates the configuration, freezes the pipelines and returns a
// bus that is ready to send. Start launches its workers.
func (bb *BusBuilder) Build() (*Bus, error) {
	if bb.errs != nil {
		return nil, bb.errs
	}
	if bb.numberOfWorkers < 0 {
		return nil, ErrInvalidWorkers
	}
	parallelism := bb.maxParallelism
	if !bb.parallelismSet && parallelism < bb.numberOfWorkers {
		parallelism = bb.numberOfWorkers
	}
	if parallelism < 1 {
		return nil, ErrInvalidParallelism
	}

	var (
		tr  Transport
		err error
	)
	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoTransportConfigured
	}

	types := bb.types
	if types == nil {
		types = NewTypeRegistry()
	}
	ser := bb.serializer
	if ser == nil {
		cd := bb.codecInst
		if cd == nil {
			if cd, err = NewCodec(bb.codecName); err != nil {
				return nil, err
			}
		}
		ser = NewCodecSerializer(cd, types)
	}
	activator := bb.activator
	if activator == nil {
		activator = NewBuiltinActivator()
	}
	// Concrete handled types must be known to decode them on receive.
	if src, ok := activator.(DispatchTypeSource); ok {
		for _, t := range src.DispatchTypes() {
			if t.Kind() != reflect.Interface {
				types.NameOfType(t)
			}
		}
	}
	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}

	b := &Bus{
		transport:       tr,
		types:           types,
		router:          bb.router,
		subscriptions:   bb.subscriptions,
		clock:           clk,
		logger:          lg,
		ackTimeout:      bb.ackTimeout,
		numberOfWorkers: bb.numberOfWorkers,
		workerCfg: WorkerPoolConfig{
			MaxParallelism: parallelism,
			PollTimeout:    bb.pollTimeout,
			ShutdownGrace:  bb.shutdownGrace,
			Logger:         lg,
		},
		metrics: &busMetrics{},
	}

	retry := NewRetryStep(bb.retry, tr, lg)
	retry.onPoison = b.poisoned

	pb := NewPipelineBuilder()
	_ = pb.Append(SendDirection, StepAssignHeaders, &assignHeadersStep{address: tr.Address(), clock: clk})
	_ = pb.Append(SendDirection, StepSerialize, &serializeStep{serializer: ser})
	_ = pb.Append(SendDirection, StepSendOutgoing, &sendOutgoingStep{transport: tr})
	_ = pb.Append(ReceiveDirection, StepRetry, retry)
	_ = pb.Append(ReceiveDirection, StepDeserialize, &deserializeStep{serializer: ser})
	_ = pb.Append(ReceiveDirection, StepHandleSubscriptions, &subscriptionStep{store: bb.subscriptions, logger: lg})
	_ = pb.Append(ReceiveDirection, StepDispatch, &dispatchStep{
		dispatcher: NewDispatcher(activator, bb.dispatcherOps...),
		logger:     lg,
		unhandled:  &b.metrics.unhandled,
	})
	for _, edit := range bb.pipelineEdits {
		_ = edit(pb)
	}
	p, err := pb.Freeze()
	if err != nil {
		return nil, err
	}
	for _, d := range bb.decorators {
		p = d(p)
	}
	b.pipeline = p
	if bb.invokerFactory != nil {
		b.invoker = bb.invokerFactory(p)
	} else {
		b.invoker = NewPipelineInvoker(bb.invokerMode, p)
	}

	b.observerPool = NewObserverPool(bb.observerWorkers, bb.observerBuffer, lg)
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}
	return b, nil
}
