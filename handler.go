package rebus

import (
	"context"
	"fmt"
	"reflect"
)

// Handler handles messages of dispatch type T. T is usually a concrete
// message type or an interface implemented by several message types.
type Handler[T any] interface {
	Handle(ctx context.Context, msg T) error
}

// HandlerFunc is an Adapter that lets a plain function satisfy Handler.
type HandlerFunc[T any] func(ctx context.Context, msg T) error

func (f HandlerFunc[T]) Handle(ctx context.Context, msg T) error { return f(ctx, msg) }

// MessageHandler is the type-erased form the dispatcher invokes.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg any) error
}

// MessageHandlerFunc is an Adapter that lets a plain function satisfy MessageHandler.
type MessageHandlerFunc func(ctx context.Context, msg any) error

func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg any) error { return f(ctx, msg) }

// Adapt erases the type parameter of h. The only per-call cost is a type assertion.
func Adapt[T any](h Handler[T]) MessageHandler {
	return adapted[T]{h: h}
}

type adapted[T any] struct {
	h Handler[T]
}

func (a adapted[T]) HandleMessage(ctx context.Context, msg any) error {
	v, ok := msg.(T)
	if !ok {
		return fmt.Errorf("rebus: handler for %s cannot handle %T", reflect.TypeFor[T](), msg)
	}
	return a.h.Handle(ctx, v)
}
