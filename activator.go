package rebus

import (
	"context"
	"reflect"
	"sync"
)

// HandlerActivator resolves handler instances for one dispatch type.
// The returned order is the invocation order.
type HandlerActivator interface {
	GetHandlerInstancesFor(ctx context.Context, dispatchType reflect.Type) ([]MessageHandler, error)
}

// DispatchTypeSource is implemented by activators that know which dispatch
// types they have handlers for. The returned slice only ever grows.
type DispatchTypeSource interface {
	DispatchTypes() []reflect.Type
}

// BuiltinActivator keeps handlers in memory. Registration is allowed while
// the bus is running; new dispatch types are picked up on the next message.
type BuiltinActivator struct {
	mu       sync.RWMutex
	types    []reflect.Type
	handlers map[reflect.Type][]func() MessageHandler
}

var (
	_ HandlerActivator   = (*BuiltinActivator)(nil)
	_ DispatchTypeSource = (*BuiltinActivator)(nil)
)

func NewBuiltinActivator() *BuiltinActivator {
	return &BuiltinActivator{handlers: make(map[reflect.Type][]func() MessageHandler)}
}

// Handle registers a handler instance for dispatch type T.
func Handle[T any](a *BuiltinActivator, h Handler[T]) {
	mh := Adapt(h)
	a.register(reflect.TypeFor[T](), func() MessageHandler { return mh })
}

// HandleFunc registers fn for dispatch type T.
func HandleFunc[T any](a *BuiltinActivator, fn func(ctx context.Context, msg T) error) {
	Handle[T](a, HandlerFunc[T](fn))
}

// HandleFactory registers a factory that creates a fresh handler for every dispatch.
func HandleFactory[T any](a *BuiltinActivator, factory func() Handler[T]) {
	a.register(reflect.TypeFor[T](), func() MessageHandler { return Adapt(factory()) })
}

func (a *BuiltinActivator) register(t reflect.Type, f func() MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.handlers[t]; !ok {
		a.types = append(a.types, t)
	}
	a.handlers[t] = append(a.handlers[t], f)
}

func (a *BuiltinActivator) GetHandlerInstancesFor(_ context.Context, dispatchType reflect.Type) ([]MessageHandler, error) {
	a.mu.RLock()
	factories := a.handlers[dispatchType]
	a.mu.RUnlock()
	if len(factories) == 0 {
		return nil, nil
	}
	out := make([]MessageHandler, len(factories))
	for i, f := range factories {
		out[i] = f()
	}
	return out, nil
}

func (a *BuiltinActivator) DispatchTypes() []reflect.Type {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.types[:len(a.types):len(a.types)]
}
