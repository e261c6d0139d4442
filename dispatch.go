package rebus

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/multierr"
)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatchTypes adds candidate dispatch types beyond those the activator reports.
func WithDispatchTypes(types ...reflect.Type) DispatcherOption {
	return func(d *Dispatcher) { d.extra = append(d.extra, types...) }
}

// WithExcludedTypes removes marker/root types from every dispatch type list.
func WithExcludedTypes(types ...reflect.Type) DispatcherOption {
	return func(d *Dispatcher) {
		for _, t := range types {
			d.excluded[t] = struct{}{}
		}
	}
}

// WithHandlerMiddleware wraps every handler invocation. Recovery is always applied first.
func WithHandlerMiddleware(mws ...Middleware) DispatcherOption {
	return func(d *Dispatcher) { d.middlewares = append(d.middlewares, mws...) }
}

// Dispatcher invokes every handler registered for any dispatch type of a message.
type Dispatcher struct {
	activator   HandlerActivator
	source      DispatchTypeSource
	extra       []reflect.Type
	excluded    map[reflect.Type]struct{}
	middlewares []Middleware

	// cache maps a concrete reflect.Type to *dispatchEntry.
	cache sync.Map
}

type dispatchEntry struct {
	candidates int
	types      []reflect.Type
}

func NewDispatcher(activator HandlerActivator, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		activator:   activator,
		excluded:    make(map[reflect.Type]struct{}),
		middlewares: []Middleware{RecoveryMiddleware()},
	}
	if src, ok := activator.(DispatchTypeSource); ok {
		d.source = src
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	return d
}

// DispatchTypesFor returns t followed by every candidate interface t
// implements, in candidate registration order. The result is cached per t
// and recomputed only when new candidates have been registered.
func (d *Dispatcher) DispatchTypesFor(t reflect.Type) []reflect.Type {
	var src []reflect.Type
	if d.source != nil {
		src = d.source.DispatchTypes()
	}
	n := len(d.extra) + len(src)
	if v, ok := d.cache.Load(t); ok {
		if e := v.(*dispatchEntry); e.candidates == n {
			return e.types
		}
	}
	types := d.resolve(t, src)
	d.cache.Store(t, &dispatchEntry{candidates: n, types: types})
	return types
}

func (d *Dispatcher) resolve(t reflect.Type, src []reflect.Type) []reflect.Type {
	seen := map[reflect.Type]struct{}{t: {}}
	var out []reflect.Type
	if _, skip := d.excluded[t]; !skip {
		out = append(out, t)
	}
	add := func(c reflect.Type) {
		if _, dup := seen[c]; dup {
			return
		}
		if _, skip := d.excluded[c]; skip {
			return
		}
		if c.Kind() != reflect.Interface || !t.Implements(c) {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, c := range d.extra {
		add(c)
	}
	for _, c := range src {
		add(c)
	}
	return out
}

// Dispatch runs every handler for every dispatch type of msg and returns how
// many handlers ran. A failing handler never prevents the others from running;
// all failures are combined into the returned error.
func (d *Dispatcher) Dispatch(ctx context.Context, msg any) (int, error) {
	if msg == nil {
		return 0, ErrInvalidMessage
	}
	var (
		errs    error
		handled int
	)
	for _, dt := range d.DispatchTypesFor(reflect.TypeOf(msg)) {
		handlers, err := d.activator.GetHandlerInstancesFor(ctx, dt)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("activate handlers for %s: %w", dt, err))
			continue
		}
		for _, h := range handlers {
			handled++
			if err := Chain(h, d.middlewares...).HandleMessage(ctx, msg); err != nil {
				errs = multierr.Append(errs, fmt.Errorf("handle %T as %s: %w", msg, dt, err))
			}
		}
	}
	return handled, errs
}
