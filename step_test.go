package rebus_test

import (
	"context"
	"testing"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tenantID string

func TestStepContext_TypedItems(t *testing.T) {
	sc := rebus.NewStepContext()

	_, ok := rebus.Item[string](sc)
	assert.False(t, ok)

	rebus.SaveItem(sc, "plain")
	rebus.SaveItem(sc, tenantID("acme"))
	rebus.SaveItem(sc, 42)

	s, ok := rebus.Item[string](sc)
	require.True(t, ok)
	assert.Equal(t, "plain", s)
	assert.Equal(t, tenantID("acme"), rebus.MustItem[tenantID](sc))
	assert.Equal(t, 42, rebus.MustItem[int](sc))

	rebus.SaveItem(sc, 43)
	assert.Equal(t, 43, rebus.MustItem[int](sc))
	assert.Equal(t, 3, sc.Len())

	assert.Panics(t, func() { rebus.MustItem[float64](sc) })
}

func TestStepContext_AdHocValues(t *testing.T) {
	sc := rebus.NewStepContext()
	sc.Set("k", 1)
	v, ok := sc.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	_, ok = sc.Get("missing")
	assert.False(t, ok)
}

func TestStepContext_MessagesAndHeaders(t *testing.T) {
	sc := rebus.NewStepContext()
	assert.Nil(t, sc.Headers())
	assert.Nil(t, sc.TransportMessage())
	assert.Nil(t, sc.LogicalMessage())

	tm := rebus.NewTransportMessage(rebus.Headers{"k": "transport"}, nil)
	rebus.SaveItem(sc, tm)
	assert.Equal(t, "transport", sc.Headers()["k"])

	lm := rebus.NewLogicalMessage(rebus.Headers{"k": "logical"}, "body")
	rebus.SaveItem(sc, lm)
	assert.Equal(t, "logical", sc.Headers()["k"])
	assert.Same(t, tm, sc.TransportMessage())
	assert.Same(t, lm, sc.LogicalMessage())

	sc.SetDestinations("a", "b")
	assert.Equal(t, []string{"a", "b"}, sc.Destinations())
}

func TestContext_StepAndHeaders(t *testing.T) {
	ctx := context.Background()
	_, ok := rebus.StepContextFrom(ctx)
	assert.False(t, ok)
	_, ok = rebus.HeadersFrom(ctx)
	assert.False(t, ok)

	sc := rebus.NewStepContext()
	rebus.SaveItem(sc, rebus.NewTransportMessage(rebus.Headers{rebus.HeaderMessageID: "m-1"}, nil))
	ctx = rebus.ContextWithStep(ctx, sc)

	got, ok := rebus.StepContextFrom(ctx)
	require.True(t, ok)
	assert.Same(t, sc, got)
	h, ok := rebus.HeadersFrom(ctx)
	require.True(t, ok)
	assert.Equal(t, "m-1", h[rebus.HeaderMessageID])
}
