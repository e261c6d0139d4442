package rebus

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

var (
	ErrBusClosed             = errors.New("rebus: bus is closed")
	ErrAlreadyStarted        = errors.New("rebus: bus already started")
	ErrNotStarted            = errors.New("rebus: bus not started")
	ErrNoTransportConfigured = errors.New("rebus: no transport configured")
	ErrInvalidParallelism    = errors.New("rebus: max parallelism must be >= 1")
	ErrInvalidWorkers        = errors.New("rebus: number of workers must be >= 0")

	ErrPipelineFrozen = errors.New("rebus: pipeline is frozen")
	ErrDuplicateStep  = errors.New("rebus: duplicate pipeline step")
	ErrUnknownStep    = errors.New("rebus: unknown pipeline step")
	ErrNilStep        = errors.New("rebus: pipeline step must not be nil")

	ErrNoDestination      = errors.New("rebus: no destination for message type")
	ErrUnknownMessageType = errors.New("rebus: unknown message type")
	ErrMissingHeader      = errors.New("rebus: missing header")
	ErrNoMessageContext   = errors.New("rebus: no message context")
	ErrInvalidMessage     = errors.New("rebus: message must not be nil")

	ErrNoSubscriptionStore      = errors.New("rebus: no subscription store configured")
	ErrDefaultBusNotInitialized = errors.New("rebus: default bus not initialized")

	ErrHandlerPanic                = errors.New("rebus: handler panic")
	ErrShutdownTimeout             = errors.New("rebus: shutdown grace period exceeded")
	ErrObserverPoolShutdownTimeout = errors.New("rebus: observer pool shutdown timeout")
)

// ErrFailFast marks an error that must not be retried; wrap it with %w.
var ErrFailFast = errors.New("rebus: fail fast")
