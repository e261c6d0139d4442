package redisstream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	rebus "github.com/Mauricio-HNS/Rebus"
)

var _ rebus.Delivery = (*delivery)(nil)

// delivery implements rebus.Delivery for one stream entry.
type delivery struct {
	t   *Transport
	id  string
	msg *rebus.TransportMessage

	// Ack/Nack settle the entry exactly once.
	once sync.Once
	err  error
}

func (d *delivery) Message() *rebus.TransportMessage { return d.msg }

// Ack removes the entry from the pending list (and the stream with AutoDeleteOnAck).
func (d *delivery) Ack(ctx context.Context) error {
	d.once.Do(func() { d.err = d.ack(ctx) })
	return d.err
}

func (d *delivery) ack(ctx context.Context) error {
	if err := d.t.client.XAck(ctx, d.t.cfg.Queue, d.t.cfg.Group, d.id).Err(); err != nil {
		return err
	}
	d.t.metrics.acked.Add(1)
	if d.t.cfg.AutoDeleteOnAck {
		_ = d.t.client.XDel(ctx, d.t.cfg.Queue, d.id).Err()
	}
	return nil
}

// Nack has no Redis equivalent. With a dead-letter stream the entry is
// copied there and acknowledged; otherwise it stays pending until the claim
// loop (of this or another consumer) takes it over.
func (d *delivery) Nack(ctx context.Context, reason error) error {
	d.once.Do(func() {
		d.t.metrics.nacked.Add(1)
		dl := d.t.cfg.DeadLetter
		if dl == "" {
			return
		}
		values := encodeMessage(d.msg, 3)
		values[fieldError] = fmt.Sprint(reason)
		values[fieldSourceID] = d.id
		values[fieldSource] = d.t.cfg.Queue
		if err := d.t.xadd(ctx, dl, values); err != nil {
			d.err = fmt.Errorf("rebus/redisstream: dead-letter to %q: %w", dl, err)
			return
		}
		d.t.metrics.deadLettered.Add(1)
		d.err = d.ack(ctx)
	})
	return d.err
}

// encodeMessage flattens headers into meta: fields next to the raw body.
func encodeMessage(m *rebus.TransportMessage, extra int) map[string]any {
	values := make(map[string]any, 1+len(m.Headers)+extra)
	values[fieldBody] = m.Body
	for k, v := range m.Headers {
		values[fieldMetaPrefix+k] = v
	}
	return values
}

// decodeMessage rebuilds a TransportMessage from stream entry values. The
// entry id stands in for a missing message id.
func decodeMessage(id string, vals map[string]any) *rebus.TransportMessage {
	msg := &rebus.TransportMessage{Headers: make(rebus.Headers, len(vals))}
	for k, v := range vals {
		switch {
		case k == fieldBody:
			switch p := v.(type) {
			case []byte:
				msg.Body = p
			case string:
				msg.Body = []byte(p)
			}
		case strings.HasPrefix(k, fieldMetaPrefix):
			msg.Headers[strings.TrimPrefix(k, fieldMetaPrefix)] = asString(v)
		}
	}
	if _, ok := msg.Headers[rebus.HeaderMessageID]; !ok {
		msg.Headers[rebus.HeaderMessageID] = id
	}
	return msg
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
