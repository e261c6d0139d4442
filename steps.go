package rebus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"go.uber.org/multierr"
)

// Names of the builtin steps, usable as anchors for InsertBefore/InsertAfter.
const (
	StepAssignHeaders       = "assign-default-headers"
	StepSerialize           = "serialize-outgoing"
	StepSendOutgoing        = "send-outgoing"
	StepRetry               = "retry"
	StepDeserialize         = "deserialize-incoming"
	StepHandleSubscriptions = "handle-subscription-messages"
	StepDispatch            = "dispatch-incoming"
)

// assignHeadersStep fills in the headers every outgoing message carries.
type assignHeadersStep struct {
	address string
	clock   xclock.Clock
}

func (s *assignHeadersStep) Process(ctx context.Context, sc *StepContext, next Next) error {
	lm := MustItem[*LogicalMessage](sc)
	h := lm.Headers
	if _, ok := h[HeaderMessageID]; !ok {
		h[HeaderMessageID] = uuid.NewString()
	}
	if _, ok := h[HeaderCorrelationID]; !ok {
		h[HeaderCorrelationID] = incomingCorrelationID(ctx, h[HeaderMessageID])
	}
	if _, ok := h[HeaderReturnAddress]; !ok && s.address != "" {
		h[HeaderReturnAddress] = s.address
	}
	if _, ok := h[HeaderIntent]; !ok {
		h[HeaderIntent] = IntentPointToPoint
	}
	if _, ok := h[HeaderSentTime]; !ok {
		h[HeaderSentTime] = s.clock.Now().UTC().Format(time.RFC3339Nano)
	}
	return next.Continue(ctx, sc)
}

// incomingCorrelationID flows the correlation id of the message being handled
// into messages sent from its handler.
func incomingCorrelationID(ctx context.Context, fallback string) string {
	if in, ok := HeadersFrom(ctx); ok {
		if id, ok := in[HeaderCorrelationID]; ok && id != "" {
			return id
		}
	}
	return fallback
}

type serializeStep struct {
	serializer Serializer
}

func (s *serializeStep) Process(ctx context.Context, sc *StepContext, next Next) error {
	tm, err := s.serializer.Serialize(ctx, MustItem[*LogicalMessage](sc))
	if err != nil {
		return err
	}
	SaveItem(sc, tm)
	return next.Continue(ctx, sc)
}

type sendOutgoingStep struct {
	transport Transport
}

func (s *sendOutgoingStep) Process(ctx context.Context, sc *StepContext, next Next) error {
	dests := sc.Destinations()
	if len(dests) == 0 {
		return ErrNoDestination
	}
	tm := MustItem[*TransportMessage](sc)
	var errs error
	for _, d := range dests {
		if err := s.transport.Send(ctx, d, tm); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("send to %q: %w", d, err))
		}
	}
	if errs != nil {
		return errs
	}
	return next.Continue(ctx, sc)
}

type deserializeStep struct {
	serializer Serializer
}

func (s *deserializeStep) Process(ctx context.Context, sc *StepContext, next Next) error {
	lm, err := s.serializer.Deserialize(ctx, MustItem[*TransportMessage](sc))
	if err != nil {
		return err
	}
	SaveItem(sc, lm)
	return next.Continue(ctx, sc)
}

// subscriptionStep applies SubscriptionRequests to the store and ends the run.
// Every other message passes through.
type subscriptionStep struct {
	store  SubscriptionStore
	logger *xlog.Logger
}

func (s *subscriptionStep) Process(ctx context.Context, sc *StepContext, next Next) error {
	lm := MustItem[*LogicalMessage](sc)
	req, ok := lm.Body().(SubscriptionRequest)
	if !ok || len(lm.Messages) != 1 {
		return next.Continue(ctx, sc)
	}
	if s.store == nil {
		return ErrNoSubscriptionStore
	}
	subscriber, err := lm.Headers.Require(HeaderReturnAddress)
	if err != nil {
		return err
	}
	switch req.Action {
	case ActionSubscribe:
		err = s.store.AddSubscriber(ctx, req.Topic, subscriber)
	case ActionUnsubscribe:
		err = s.store.RemoveSubscriber(ctx, req.Topic, subscriber)
	default:
		err = fmt.Errorf("%w: unknown subscription action %q", ErrFailFast, req.Action)
	}
	if err != nil {
		return err
	}
	s.logger.Debug().Str("topic", req.Topic).Str("subscriber", subscriber).Str("action", req.Action).Msg("rebus: subscription updated")
	return nil
}

// dispatchStep hands every message of the logical message to the dispatcher.
type dispatchStep struct {
	dispatcher *Dispatcher
	logger     *xlog.Logger
	unhandled  *atomic.Uint64
}

func (s *dispatchStep) Process(ctx context.Context, sc *StepContext, next Next) error {
	lm := MustItem[*LogicalMessage](sc)
	ctx = ContextWithStep(ctx, sc)

	var (
		errs    error
		handled int
	)
	for _, m := range lm.Messages {
		n, err := s.dispatcher.Dispatch(ctx, m)
		handled += n
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return errs
	}
	if handled == 0 {
		s.unhandled.Add(1)
		s.logger.Debug().Str("message_id", lm.Headers[HeaderMessageID]).Str("message_type", lm.Headers[HeaderMessageType]).Msg("rebus: no handlers for message")
	}
	return next.Continue(ctx, sc)
}
