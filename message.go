package rebus

import (
	"fmt"
	"maps"
	"strconv"
)

// Well-known header keys. Keys are case-sensitive.
const (
	HeaderMessageID     = "rbs2-msg-id"
	HeaderCorrelationID = "rbs2-corr-id"
	HeaderReturnAddress = "rbs2-return-address"
	HeaderContentType   = "rbs2-content-type"
	HeaderMessageType   = "rbs2-msg-type"
	HeaderSentTime      = "rbs2-senttime"
	HeaderIntent        = "rbs2-intent"
	HeaderInReplyTo     = "rbs2-in-reply-to"

	// HeaderDeliveryCount is the retry hook: the number of failed delivery
	// attempts recorded so far for the message.
	HeaderDeliveryCount = "rbs2-delivery-count"
	HeaderErrorDetails  = "rbs2-error-details"
	HeaderSourceQueue   = "rbs2-source-queue"
)

// Intent header values.
const (
	IntentPointToPoint = "p2p"
	IntentPublish      = "pub"
)

// Headers maps header keys to values for one message.
type Headers map[string]string

// Clone returns an independent copy (never nil).
func (h Headers) Clone() Headers {
	out := make(Headers, len(h)+4)
	maps.Copy(out, h)
	return out
}

// Get returns the header value and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	v, ok := h[key]
	return v, ok
}

// Require returns the header value or ErrMissingHeader when it is absent.
func (h Headers) Require(key string) (string, error) {
	v, ok := h[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMissingHeader, key)
	}
	return v, nil
}

// TransportMessage is the unit a Transport sends and receives.
// It must not be modified once constructed; use WithHeader to derive a copy.
type TransportMessage struct {
	Headers Headers
	Body    []byte
}

// NewTransportMessage copies headers and body into a new TransportMessage.
func NewTransportMessage(headers Headers, body []byte) *TransportMessage {
	b := make([]byte, len(body))
	copy(b, body)
	return &TransportMessage{Headers: headers.Clone(), Body: b}
}

// WithHeader returns a copy of m with key set to value.
func (m *TransportMessage) WithHeader(key, value string) *TransportMessage {
	h := m.Headers.Clone()
	h[key] = value
	return &TransportMessage{Headers: h, Body: m.Body}
}

// ID returns the message id header, if any.
func (m *TransportMessage) ID() string { return m.Headers[HeaderMessageID] }

// LogicalMessage is the pre-serialization/post-deserialization form of a message.
// Messages usually holds exactly one instance; more than one means a bundle.
type LogicalMessage struct {
	Headers  Headers
	Messages []any
}

// NewLogicalMessage builds a LogicalMessage owning a copy of headers.
func NewLogicalMessage(headers Headers, msgs ...any) *LogicalMessage {
	return &LogicalMessage{Headers: headers.Clone(), Messages: msgs}
}

// Body returns the first message instance, or nil for an empty message.
func (m *LogicalMessage) Body() any {
	if len(m.Messages) == 0 {
		return nil
	}
	return m.Messages[0]
}

// DeliveryCount reads HeaderDeliveryCount. Missing or malformed values count as zero.
func DeliveryCount(h Headers) int {
	v, ok := h[HeaderDeliveryCount]
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// IncrementDeliveryCount returns a copy of h with HeaderDeliveryCount increased by n.
func IncrementDeliveryCount(h Headers, n int) Headers {
	out := h.Clone()
	out[HeaderDeliveryCount] = strconv.Itoa(DeliveryCount(h) + n)
	return out
}
