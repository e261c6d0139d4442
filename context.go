package rebus

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in rebus (prevents collisions).
type ctxKey string

const (
	stepCtxKey   ctxKey = "rebus:step"
	loggerCtxKey ctxKey = "rebus:logger"
	clockCtxKey  ctxKey = "rebus:clock"
	busCtxKey    ctxKey = "rebus:bus"
)

// ContextWithStep binds the StepContext of the current pipeline run to ctx.
func ContextWithStep(ctx context.Context, sc *StepContext) context.Context {
	if sc == nil {
		return ctx
	}
	return context.WithValue(ctx, stepCtxKey, sc)
}

// StepContextFrom returns the StepContext of the message being processed.
// Handlers use it to read headers of the incoming message.
func StepContextFrom(ctx context.Context) (*StepContext, bool) {
	if v := ctx.Value(stepCtxKey); v != nil {
		if sc, ok := v.(*StepContext); ok && sc != nil {
			return sc, true
		}
	}
	return nil, false
}

// HeadersFrom is shorthand for the headers of the message being processed.
func HeadersFrom(ctx context.Context) (Headers, bool) {
	sc, ok := StepContextFrom(ctx)
	if !ok {
		return nil, false
	}
	h := sc.Headers()
	return h, h != nil
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectBus(ctx context.Context, b *Bus) context.Context {
	if b == nil {
		return ctx
	}
	return context.WithValue(ctx, busCtxKey, b)
}

// BusFromContext returns the bus that is dispatching the current message.
func BusFromContext(ctx context.Context) (*Bus, bool) {
	if v := ctx.Value(busCtxKey); v != nil {
		if b, ok := v.(*Bus); ok && b != nil {
			return b, true
		}
	}
	return nil, false
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, sc *StepContext, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = ContextWithStep(ctx, sc)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}
