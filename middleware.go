package rebus

import (
	"context"
	"fmt"
	"time"
)

// Middleware composes processing concerns around a MessageHandler.
type Middleware func(next MessageHandler) MessageHandler

// TimeoutMiddleware enforces a maximum processing time for a handler.
// When exceeded, it returns context.DeadlineExceeded and the run fails like any other handler error.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		// No-op if duration invalid.
		return func(next MessageHandler) MessageHandler { return next }
	}
	return func(next MessageHandler) MessageHandler {
		return MessageHandlerFunc(func(ctx context.Context, msg any) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next.HandleMessage(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		})
	}
}

// RecoveryMiddleware prevents panics from crashing workers and converts them into errors.
func RecoveryMiddleware() Middleware {
	return func(next MessageHandler) MessageHandler {
		return MessageHandlerFunc(func(ctx context.Context, msg any) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
				}
			}()
			return next.HandleMessage(ctx, msg)
		})
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h MessageHandler, mws ...Middleware) MessageHandler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
