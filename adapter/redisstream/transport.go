package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	rebus "github.com/Mauricio-HNS/Rebus"
	"github.com/redis/go-redis/v9"
)

// ErrClosed is returned by a transport after Close.
var ErrClosed = errors.New("rebus/redisstream: transport is closed")

// Transport implements rebus.Transport on Redis Streams.
type Transport struct {
	cfg        Config
	client     *redis.Client
	ownsClient bool

	closed     atomic.Bool
	closeOnce  sync.Once
	groupMu    sync.Mutex
	groupReady bool

	// reclaimed holds pending entries taken over by the claim loop.
	reclaimed   chan redis.XMessage
	claimCancel context.CancelFunc
	claimDone   chan struct{}

	metrics *transportMetrics
}

type transportMetrics struct {
	sent          atomic.Uint64
	received      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	reclaimed     atomic.Uint64
	deadLettered  atomic.Uint64
	sendErrors    atomic.Uint64
	receiveErrors atomic.Uint64
}

var _ rebus.Transport = (*Transport)(nil)

// NewTransport connects to Redis and returns a transport for cfg.Queue.
func NewTransport(cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	client := redis.NewClient(opts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}
	t, err := NewTransportWithClient(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	t.ownsClient = true
	return t, nil
}

// NewTransportWithClient uses an existing client. The client is not closed by Close.
func NewTransportWithClient(client *redis.Client, cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:       cfg,
		client:    client,
		reclaimed: make(chan redis.XMessage, max(1, cfg.ClaimBatch)),
		metrics:   &transportMetrics{},
	}
	if cfg.AutoCreate {
		if err := t.ensureGroup(context.Background()); err != nil {
			return nil, err
		}
	}
	if cfg.ClaimMinIdle > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		t.claimCancel = cancel
		t.claimDone = make(chan struct{})
		go t.claimLoop(ctx)
	}
	return t, nil
}

func (t *Transport) Address() string { return t.cfg.Queue }

// Client exposes the underlying client, e.g. to share it with a SubscriptionStore.
func (t *Transport) Client() *redis.Client { return t.client }

// ensureGroup creates the consumer group from the start of the stream so
// messages sent before the first receive are not skipped.
func (t *Transport) ensureGroup(ctx context.Context) error {
	t.groupMu.Lock()
	defer t.groupMu.Unlock()
	if t.groupReady {
		return nil
	}
	err := t.client.XGroupCreateMkStream(ctx, t.cfg.Queue, t.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("rebus/redisstream: create group %q on %q: %w", t.cfg.Group, t.cfg.Queue, err)
	}
	t.groupReady = true
	return nil
}

// Send appends msg to the destination stream with XADD.
func (t *Transport) Send(ctx context.Context, destination string, msg *rebus.TransportMessage) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if msg == nil {
		return rebus.ErrInvalidMessage
	}
	if err := t.xadd(ctx, destination, encodeMessage(msg, 0)); err != nil {
		t.metrics.sendErrors.Add(1)
		return fmt.Errorf("rebus/redisstream: send to %q: %w", destination, err)
	}
	t.metrics.sent.Add(1)
	return nil
}

func (t *Transport) xadd(ctx context.Context, stream string, values map[string]any) error {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: values,
	}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return t.client.XAdd(ctx, args).Err()
}

// Receive returns one entry of the input stream, waiting up to timeout.
// Entries reclaimed from idle consumers are handed out first.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (rebus.Delivery, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case m := <-t.reclaimed:
		return t.newDelivery(m), nil
	default:
	}

	block := timeout
	if block <= 0 {
		block = -1
	}
	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.Queue, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, nil
	case err != nil:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.metrics.receiveErrors.Add(1)
		if t.cfg.AutoCreate && strings.Contains(err.Error(), "NOGROUP") {
			// Stream or group was deleted underneath us.
			t.groupMu.Lock()
			t.groupReady = false
			t.groupMu.Unlock()
			_ = t.ensureGroup(ctx)
		}
		return nil, fmt.Errorf("rebus/redisstream: receive from %q: %w", t.cfg.Queue, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	return t.newDelivery(res[0].Messages[0]), nil
}

func (t *Transport) newDelivery(m redis.XMessage) *delivery {
	t.metrics.received.Add(1)
	return &delivery{t: t, id: m.ID, msg: decodeMessage(m.ID, m.Values)}
}

// claimLoop periodically takes over entries that stayed pending longer than
// ClaimMinIdle, e.g. after a consumer crashed or nacked without a dead letter.
func (t *Transport) claimLoop(ctx context.Context) {
	defer close(t.claimDone)
	ticker := time.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, _, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   t.cfg.Queue,
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			MinIdle:  t.cfg.ClaimMinIdle,
			Start:    "0-0",
			Count:    int64(t.cfg.ClaimBatch),
		}).Result()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
				t.metrics.receiveErrors.Add(1)
			}
			continue
		}
		for _, m := range msgs {
			select {
			case t.reclaimed <- m:
				t.metrics.reclaimed.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close stops the claim loop and closes the client if the transport created it.
func (t *Transport) Close(_ context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		if t.claimCancel != nil {
			t.claimCancel()
			<-t.claimDone
		}
		if t.ownsClient {
			err = t.client.Close()
		}
	})
	return err
}

// Stats returns transport telemetry.
type Stats struct {
	Sent          uint64
	Received      uint64
	Acked         uint64
	Nacked        uint64
	Reclaimed     uint64
	DeadLettered  uint64
	SendErrors    uint64
	ReceiveErrors uint64
}

func (t *Transport) Stats() Stats {
	return Stats{
		Sent:          t.metrics.sent.Load(),
		Received:      t.metrics.received.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		Reclaimed:     t.metrics.reclaimed.Load(),
		DeadLettered:  t.metrics.deadLettered.Load(),
		SendErrors:    t.metrics.sendErrors.Load(),
		ReceiveErrors: t.metrics.receiveErrors.Load(),
	}
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
