package rebus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runRetry invokes a receive pipeline of [retry, handler] once for tm.
func runRetry(t *testing.T, policy rebus.RetryPolicy, tr rebus.Transport, tm *rebus.TransportMessage, handler func() error) error {
	t.Helper()
	pb := rebus.NewPipelineBuilder()
	require.NoError(t, pb.Append(rebus.ReceiveDirection, rebus.StepRetry, rebus.NewRetryStep(policy, tr, nil)))
	require.NoError(t, pb.Append(rebus.ReceiveDirection, "handler", rebus.StepFunc(
		func(context.Context, *rebus.StepContext, rebus.Next) error { return handler() })))
	p, err := pb.Freeze()
	require.NoError(t, err)

	sc := rebus.NewStepContext()
	rebus.SaveItem(sc, tm)
	return rebus.NewChainInvoker(p).InvokeReceive(context.Background(), sc)
}

func TestRetryStep_SucceedsAfterFailures(t *testing.T) {
	rec := newRecordingTransport(newMemoryTransport(t, "input"))
	calls := 0
	err := runRetry(t, rebus.RetryPolicy{MaxDeliveryAttempts: 5}, rec,
		rebus.NewTransportMessage(rebus.Headers{rebus.HeaderMessageID: "m-1"}, nil),
		func() error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Empty(t, rec.sends())
}

func TestRetryStep_ExhaustedGoesToErrorQueue(t *testing.T) {
	network, inner := newMemoryNetworkTransport(t, "input")
	rec := newRecordingTransport(inner)
	calls := 0
	err := runRetry(t, rebus.RetryPolicy{MaxDeliveryAttempts: 3, ErrorQueue: "poison"}, rec,
		rebus.NewTransportMessage(rebus.Headers{rebus.HeaderMessageID: "m-1"}, []byte("body")),
		func() error {
			calls++
			return errors.New("boom")
		})
	require.NoError(t, err, "a poisoned message counts as handled")
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, network.Count("poison"))

	sent := rec.sendsTo("poison")
	require.Len(t, sent, 1)
	h := sent[0].msg.Headers
	assert.Equal(t, "m-1", h[rebus.HeaderMessageID])
	assert.Equal(t, "3", h[rebus.HeaderDeliveryCount])
	assert.Equal(t, "input", h[rebus.HeaderSourceQueue])
	assert.Contains(t, h[rebus.HeaderErrorDetails], "boom")
	assert.Equal(t, "body", string(sent[0].msg.Body))
}

func TestRetryStep_FailFastSkipsRetries(t *testing.T) {
	rec := newRecordingTransport(newMemoryTransport(t, "input"))
	calls := 0
	err := runRetry(t, rebus.RetryPolicy{MaxDeliveryAttempts: 5}, rec,
		rebus.NewTransportMessage(rebus.Headers{}, nil),
		func() error {
			calls++
			return errors.Join(rebus.ErrFailFast, errors.New("invalid order"))
		})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	require.Len(t, rec.sendsTo(rebus.DefaultErrorQueue), 1)
	assert.Equal(t, "1", rec.sendsTo(rebus.DefaultErrorQueue)[0].msg.Headers[rebus.HeaderDeliveryCount])
}

func TestRetryStep_PriorDeliveriesCount(t *testing.T) {
	rec := newRecordingTransport(newMemoryTransport(t, "input"))
	calls := 0
	err := runRetry(t, rebus.RetryPolicy{MaxDeliveryAttempts: 3}, rec,
		rebus.NewTransportMessage(rebus.Headers{rebus.HeaderDeliveryCount: "3"}, nil),
		func() error {
			calls++
			return nil
		})
	require.NoError(t, err)
	assert.Zero(t, calls, "handler is not invoked once attempts are used up")
	assert.Len(t, rec.sendsTo(rebus.DefaultErrorQueue), 1)
}

func TestRetryStep_ErrorQueueFailure(t *testing.T) {
	rec := newRecordingTransport(newMemoryTransport(t, "input"))
	sendErr := errors.New("queue down")
	rec.fail(rebus.DefaultErrorQueue, sendErr)

	err := runRetry(t, rebus.RetryPolicy{MaxDeliveryAttempts: 1}, rec,
		rebus.NewTransportMessage(rebus.Headers{}, nil),
		func() error { return errors.New("boom") })
	require.Error(t, err)
	assert.ErrorIs(t, err, sendErr)
	assert.Contains(t, err.Error(), "boom")
}

func TestRetryStep_Backoff(t *testing.T) {
	rec := newRecordingTransport(newMemoryTransport(t, "input"))
	var waits []int
	policy := rebus.RetryPolicy{
		MaxDeliveryAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			waits = append(waits, attempt)
			return time.Millisecond
		},
	}
	_ = runRetry(t, policy, rec, rebus.NewTransportMessage(rebus.Headers{}, nil),
		func() error { return errors.New("boom") })
	assert.Equal(t, []int{1, 2}, waits)
}

func TestExponentialBackoff(t *testing.T) {
	b := rebus.ExponentialBackoff(10*time.Millisecond, 50*time.Millisecond)
	assert.Equal(t, 10*time.Millisecond, b(1))
	assert.Equal(t, 20*time.Millisecond, b(2))
	assert.Equal(t, 40*time.Millisecond, b(3))
	assert.Equal(t, 50*time.Millisecond, b(4))
	assert.Equal(t, 50*time.Millisecond, b(20))
}
