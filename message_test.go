package rebus_test

import (
	"testing"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaders(t *testing.T) {
	h := rebus.Headers{"a": "1"}
	c := h.Clone()
	c["a"] = "2"
	assert.Equal(t, "1", h["a"])
	assert.NotNil(t, rebus.Headers(nil).Clone())

	v, ok := h.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	_, err := h.Require("A")
	assert.ErrorIs(t, err, rebus.ErrMissingHeader, "keys are case-sensitive")
	assert.Contains(t, err.Error(), "A")
}

func TestTransportMessage_IsCopied(t *testing.T) {
	headers := rebus.Headers{rebus.HeaderMessageID: "m-1"}
	body := []byte("body")
	tm := rebus.NewTransportMessage(headers, body)
	headers[rebus.HeaderMessageID] = "changed"
	body[0] = 'B'

	assert.Equal(t, "m-1", tm.ID())
	assert.Equal(t, "body", string(tm.Body))

	derived := tm.WithHeader("k", "v")
	assert.Equal(t, "v", derived.Headers["k"])
	_, ok := tm.Headers["k"]
	assert.False(t, ok)
}

func TestDeliveryCount(t *testing.T) {
	assert.Zero(t, rebus.DeliveryCount(rebus.Headers{}))
	assert.Zero(t, rebus.DeliveryCount(rebus.Headers{rebus.HeaderDeliveryCount: "x"}))

	h := rebus.IncrementDeliveryCount(rebus.Headers{}, 2)
	require.Equal(t, 2, rebus.DeliveryCount(h))
	h2 := rebus.IncrementDeliveryCount(h, 3)
	assert.Equal(t, 5, rebus.DeliveryCount(h2))
	assert.Equal(t, 2, rebus.DeliveryCount(h), "original untouched")
}

func TestLogicalMessage_Body(t *testing.T) {
	assert.Nil(t, rebus.NewLogicalMessage(nil).Body())
	assert.Equal(t, "x", rebus.NewLogicalMessage(nil, "x", "y").Body())
}
