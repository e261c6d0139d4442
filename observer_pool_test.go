package rebus_test

import (
	"sync/atomic"
	"testing"
	"time"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserverPool_DropsWhenFull(t *testing.T) {
	p := rebus.NewObserverPool(1, 1, nil)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var seen atomic.Int64
	blocking := rebus.ObserverFunc(func(rebus.Event) {
		seen.Add(1)
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	observers := []rebus.Observer{blocking}

	p.Notify(rebus.Event{Type: rebus.SendStart}, observers)
	<-entered
	p.Notify(rebus.Event{Type: rebus.SendDone}, observers)
	p.Notify(rebus.Event{Type: rebus.Ack}, observers)
	assert.Equal(t, uint64(1), p.Stats().Dropped)

	close(release)
	require.NoError(t, p.Close(time.Second))
	assert.Equal(t, int64(2), seen.Load())
	assert.Equal(t, uint64(2), p.Stats().Processed)
}

func TestObserverPool_RecoversPanics(t *testing.T) {
	p := rebus.NewObserverPool(2, 8, nil)
	var calls atomic.Int64
	observers := []rebus.Observer{
		rebus.ObserverFunc(func(rebus.Event) { panic("observer bug") }),
		rebus.ObserverFunc(func(rebus.Event) { calls.Add(1) }),
	}
	p.Notify(rebus.Event{Type: rebus.Error}, observers)
	require.NoError(t, p.Close(time.Second))

	assert.Equal(t, int64(1), calls.Load(), "a panicking observer does not starve the others")
	assert.Equal(t, uint64(1), p.Stats().Panics)
}

func TestObserverPool_CloseTimeout(t *testing.T) {
	p := rebus.NewObserverPool(1, 1, nil)
	release := make(chan struct{})
	defer close(release)
	entered := make(chan struct{})
	p.Notify(rebus.Event{}, []rebus.Observer{rebus.ObserverFunc(func(rebus.Event) {
		close(entered)
		<-release
	})})
	<-entered

	assert.ErrorIs(t, p.Close(10*time.Millisecond), rebus.ErrObserverPoolShutdownTimeout)
	assert.NoError(t, p.Close(time.Second), "close is idempotent")

	p.Notify(rebus.Event{}, []rebus.Observer{rebus.ObserverFunc(func(rebus.Event) {})})
	assert.Zero(t, p.Stats().Queued, "events after close are ignored")
}
