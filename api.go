package rebus

import (
	"context"
)

// API is the complete bus surface, mainly for decorating or mocking a Bus.
type API interface {
	Address() string
	Start(ctx context.Context) error
	SetNumberOfWorkers(n int) error
	Send(ctx context.Context, destination string, msg any, opts ...SendOption) error
	SendRouted(ctx context.Context, msg any, opts ...SendOption) error
	SendLocal(ctx context.Context, msg any, opts ...SendOption) error
	Reply(ctx context.Context, msg any, opts ...SendOption) error
	Publish(ctx context.Context, msg any, opts ...SendOption) error
	SubscribeTopic(ctx context.Context, topic string) error
	UnsubscribeTopic(ctx context.Context, topic string) error
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}
