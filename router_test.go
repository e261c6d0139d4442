package rebus_test

import (
	"context"
	"reflect"
	"testing"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeRegistry(t *testing.T) {
	r := rebus.NewTypeRegistry()

	name := r.NameOf(orderPlaced{})
	assert.Equal(t, "github.com/Mauricio-HNS/Rebus_test.orderPlaced", name)
	typ, ok := r.TypeOf(name)
	require.True(t, ok)
	assert.Equal(t, reflect.TypeFor[orderPlaced](), typ)

	typ, ok = r.TypeOf("rebus.SubscriptionRequest")
	require.True(t, ok)
	assert.Equal(t, reflect.TypeFor[rebus.SubscriptionRequest](), typ)

	require.NoError(t, rebus.RegisterTypeAs[placeOrder](r, "orders.PlaceOrder"))
	require.NoError(t, rebus.RegisterTypeAs[placeOrder](r, "orders.PlaceOrder"))
	assert.Error(t, rebus.RegisterTypeAs[orderAccepted](r, "orders.PlaceOrder"), "name taken")
	assert.Error(t, rebus.RegisterTypeAs[placeOrder](r, "orders.Other"), "type already named")
	assert.Equal(t, "orders.PlaceOrder", r.NameOf(placeOrder{}))

	assert.Equal(t, "[]string", rebus.DefaultTypeName(reflect.TypeFor[[]string]()))
}

func TestTypeRouter(t *testing.T) {
	types := rebus.NewTypeRegistry()
	r := rebus.NewTypeRouter(types)
	rebus.MapType[placeOrder](r, "orders")
	r.Map("billing.Invoice", "billing")
	ctx := context.Background()

	addr, err := r.GetDestinationAddress(ctx, types.NameOf(placeOrder{}))
	require.NoError(t, err)
	assert.Equal(t, "orders", addr)

	addr, err = r.GetDestinationAddress(ctx, "billing.Invoice")
	require.NoError(t, err)
	assert.Equal(t, "billing", addr)

	_, err = r.GetDestinationAddress(ctx, "unknown")
	assert.ErrorIs(t, err, rebus.ErrNoDestination)

	r.Fallback("catch-all")
	addr, err = r.GetDestinationAddress(ctx, "unknown")
	require.NoError(t, err)
	assert.Equal(t, "catch-all", addr)
}
