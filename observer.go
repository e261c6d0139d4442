package rebus

import (
	"context"
	"time"

	"github.com/trickstertwo/xlog"
)

// EventType names a bus lifecycle event.
type EventType string

const (
	SendStart     EventType = "send_start"
	SendDone      EventType = "send_done"
	ReceiveStart  EventType = "receive_start"
	ReceiveDone   EventType = "receive_done"
	Ack           EventType = "ack"
	Nack          EventType = "nack"
	Poisoned      EventType = "poisoned"
	WorkerStarted EventType = "worker_started"
	WorkerStopped EventType = "worker_stopped"
	Error         EventType = "error"
)

// Event is delivered to observers asynchronously.
type Event struct {
	Type        EventType
	Queue       string
	Destination string
	MessageID   string
	MessageType string
	Worker      int
	Duration    time.Duration
	Err         error
}

// Observer receives bus lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits bus events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	l := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("queue", e.Queue),
	)
	if e.MessageID != "" {
		l = l.With(xlog.Str("message_id", e.MessageID), xlog.Str("message_type", e.MessageType))
	}
	if e.Destination != "" {
		l = l.With(xlog.Str("destination", e.Destination))
	}
	switch e.Type {
	case Error, Nack, Poisoned:
		l.Warn().Err(e.Err).Msg("rebus event")
	default:
		if e.Duration > 0 {
			l = l.With(xlog.Dur("duration", e.Duration))
		}
		l.Debug().Msg("rebus event")
	}
}

// Metrics is a point-in-time snapshot of bus counters.
type Metrics struct {
	Sent                uint64
	Received            uint64
	Acked               uint64
	Nacked              uint64
	Poisoned            uint64
	Unhandled           uint64
	Errors              uint64
	EventsDropped       uint64
	Workers             int
	AvgProcessingTimeMs float64
}

// HealthStatus is reported by Bus.Health.
type HealthStatus struct {
	Status    string
	Message   string
	Metrics   Metrics
	Timestamp time.Time
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}
