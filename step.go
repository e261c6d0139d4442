package rebus

import "context"

// Direction selects the send or the receive pipeline.
type Direction int

const (
	SendDirection Direction = iota
	ReceiveDirection
)

func (d Direction) String() string {
	switch d {
	case SendDirection:
		return "send"
	case ReceiveDirection:
		return "receive"
	default:
		return "unknown"
	}
}

// Next is the continuation handed to a Step. Calling Continue runs the rest
// of the pipeline; not calling it short-circuits the run.
type Next interface {
	Continue(ctx context.Context, sc *StepContext) error
}

// Step is one unit of pipeline processing.
type Step interface {
	Process(ctx context.Context, sc *StepContext, next Next) error
}

// StepFunc is an Adapter that lets a plain function satisfy Step.
type StepFunc func(ctx context.Context, sc *StepContext, next Next) error

func (f StepFunc) Process(ctx context.Context, sc *StepContext, next Next) error {
	return f(ctx, sc, next)
}

// NamedStep is a Step together with its unique name within one direction.
type NamedStep struct {
	Name string
	Step Step
}

// typeKey is the map key for items stored by type. It is zero-sized and
// distinct per T, so typed lookups need no reflection.
type typeKey[T any] struct{}

// StepContext is the per-message bag of items threaded through one pipeline run.
// It is owned by exactly one goroutine for the duration of the run.
type StepContext struct {
	items map[any]any
}

// NewStepContext returns an empty StepContext.
func NewStepContext() *StepContext {
	return &StepContext{items: make(map[any]any, 8)}
}

// Set stores an ad-hoc value under a string key.
func (sc *StepContext) Set(key string, v any) { sc.items[key] = v }

// Get returns the value stored under a string key.
func (sc *StepContext) Get(key string) (any, bool) {
	v, ok := sc.items[key]
	return v, ok
}

// Len reports the number of stored items.
func (sc *StepContext) Len() int { return len(sc.items) }

// SaveItem stores v as the item of type T, replacing any previous one.
func SaveItem[T any](sc *StepContext, v T) {
	sc.items[typeKey[T]{}] = v
}

// Item returns the item of type T.
func Item[T any](sc *StepContext) (T, bool) {
	v, ok := sc.items[typeKey[T]{}]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// MustItem returns the item of type T and panics when it is missing.
// Steps use it for items an earlier step is required to have stored.
func MustItem[T any](sc *StepContext) T {
	v, ok := Item[T](sc)
	if !ok {
		panic("rebus: step context item missing")
	}
	return v
}

// TransportMessage returns the transport message of this run, if any.
func (sc *StepContext) TransportMessage() *TransportMessage {
	m, _ := Item[*TransportMessage](sc)
	return m
}

// LogicalMessage returns the logical message of this run, if any.
func (sc *StepContext) LogicalMessage() *LogicalMessage {
	m, _ := Item[*LogicalMessage](sc)
	return m
}

// Headers returns the logical message headers, falling back to the transport message headers.
func (sc *StepContext) Headers() Headers {
	if lm := sc.LogicalMessage(); lm != nil {
		return lm.Headers
	}
	if tm := sc.TransportMessage(); tm != nil {
		return tm.Headers
	}
	return nil
}

// destinations is the send-pipeline item naming the target queues.
type destinations []string

// Destinations returns the addresses the send pipeline delivers to.
func (sc *StepContext) Destinations() []string {
	d, _ := Item[destinations](sc)
	return d
}

// SetDestinations sets the addresses the send pipeline delivers to.
func (sc *StepContext) SetDestinations(addrs ...string) {
	SaveItem(sc, destinations(addrs))
}
