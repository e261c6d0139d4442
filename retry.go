package rebus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/trickstertwo/xlog"
	"go.uber.org/multierr"
)

// RetryPolicy controls how often a received message is attempted before it
// is forwarded to the error queue.
type RetryPolicy struct {
	// MaxDeliveryAttempts is the total number of attempts including the first one.
	MaxDeliveryAttempts int
	// Backoff computes the wait before the next attempt. Nil retries immediately.
	Backoff func(attempt int) time.Duration
	// RetryIf reports whether err should be retried. Nil retries everything
	// except errors wrapping ErrFailFast.
	RetryIf func(err error) bool
	// Jitter adds up to [0, Jitter] random delay to Backoff.
	Jitter time.Duration
	// ErrorQueue receives messages that exhausted their attempts.
	ErrorQueue string
}

const (
	DefaultMaxDeliveryAttempts = 5
	DefaultErrorQueue          = "error"
)

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxDeliveryAttempts: DefaultMaxDeliveryAttempts,
		ErrorQueue:          DefaultErrorQueue,
	}
}

// ExponentialBackoff doubles base per attempt up to ceiling.
func ExponentialBackoff(base, ceiling time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt && d < ceiling; i++ {
			d *= 2
		}
		return min(d, ceiling)
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxDeliveryAttempts < 1 {
		p.MaxDeliveryAttempts = 1
	}
	if p.ErrorQueue == "" {
		p.ErrorQueue = DefaultErrorQueue
	}
	if p.RetryIf == nil {
		p.RetryIf = func(err error) bool { return !errors.Is(err, ErrFailFast) }
	}
	return p
}

// RetryStep runs the rest of the receive pipeline up to MaxDeliveryAttempts
// times. A message that keeps failing is forwarded to the error queue with
// the failure details in its headers, and the run then counts as handled.
type RetryStep struct {
	policy    RetryPolicy
	transport Transport
	logger    *xlog.Logger
	onPoison  func(ctx context.Context, tm *TransportMessage, err error)
}

func NewRetryStep(policy RetryPolicy, transport Transport, logger *xlog.Logger) *RetryStep {
	if logger == nil {
		logger = xlog.Default()
	}
	return &RetryStep{policy: policy.normalized(), transport: transport, logger: logger}
}

func (s *RetryStep) Process(ctx context.Context, sc *StepContext, next Next) error {
	tm := MustItem[*TransportMessage](sc)
	prior := DeliveryCount(tm.Headers)
	remaining := s.policy.MaxDeliveryAttempts - prior
	if remaining < 1 {
		return s.poison(ctx, tm, 0, fmt.Errorf("%w: delivered %d times already", ErrFailFast, prior))
	}

	var (
		errs   error
		failed int
	)
	for i := 1; i <= remaining; i++ {
		err := next.Continue(ctx, sc)
		if err == nil {
			return nil
		}
		failed++
		errs = multierr.Append(errs, err)

		// Shutting down: leave the message to the transport.
		if ctx.Err() != nil {
			return errs
		}
		if i == remaining || !s.policy.RetryIf(err) {
			break
		}
		if !s.wait(ctx, prior+i) {
			return errs
		}
	}
	return s.poison(ctx, tm, failed, errs)
}

func (s *RetryStep) wait(ctx context.Context, attempt int) bool {
	if s.policy.Backoff == nil {
		return true
	}
	d := s.policy.Backoff(attempt)
	if s.policy.Jitter > 0 {
		d += rand.N(s.policy.Jitter)
	}
	if d <= 0 {
		return true
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

func (s *RetryStep) poison(ctx context.Context, tm *TransportMessage, failed int, cause error) error {
	headers := IncrementDeliveryCount(tm.Headers, failed)
	headers[HeaderErrorDetails] = errorDetails(cause)
	headers[HeaderSourceQueue] = s.transport.Address()

	if err := s.transport.Send(ctx, s.policy.ErrorQueue, &TransportMessage{Headers: headers, Body: tm.Body}); err != nil {
		return multierr.Append(cause, fmt.Errorf("forward to error queue %q: %w", s.policy.ErrorQueue, err))
	}
	s.logger.Warn().Err(cause).
		Str("message_id", tm.ID()).
		Str("error_queue", s.policy.ErrorQueue).
		Str("delivery_count", headers[HeaderDeliveryCount]).
		Msg("rebus: message moved to error queue")
	if s.onPoison != nil {
		s.onPoison(ctx, tm, cause)
	}
	return nil
}

// errorDetails renders one line per failure.
func errorDetails(err error) string {
	errs := multierr.Errors(err)
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = e.Error()
	}
	return strings.Join(lines, "\n")
}
