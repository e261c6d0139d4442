package rebus

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the tunables of a bus that can come from the environment.
// A zero MaxParallelism follows the number of workers.
type Config struct {
	Workers             int           `env:"REBUS_WORKERS"               json:"workers"`
	MaxParallelism      int           `env:"REBUS_MAX_PARALLELISM"       json:"max_parallelism"`
	PollTimeout         time.Duration `env:"REBUS_POLL_TIMEOUT"          json:"poll_timeout"`
	ShutdownGrace       time.Duration `env:"REBUS_SHUTDOWN_GRACE"        json:"shutdown_grace"`
	MaxDeliveryAttempts int           `env:"REBUS_MAX_DELIVERY_ATTEMPTS" json:"max_delivery_attempts"`
	ErrorQueue          string        `env:"REBUS_ERROR_QUEUE"           json:"error_queue"`
	Invoker             string        `env:"REBUS_INVOKER"               json:"invoker"`
}

func DefaultConfig() Config {
	return Config{
		Workers:             1,
		PollTimeout:         DefaultPollTimeout,
		ShutdownGrace:       DefaultShutdownGrace,
		MaxDeliveryAttempts: DefaultMaxDeliveryAttempts,
		ErrorQueue:          DefaultErrorQueue,
		Invoker:             string(InvokerChain),
	}
}

// LoadConfig returns DefaultConfig overridden by REBUS_* environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("rebus: load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.Workers < 0 {
		return ErrInvalidWorkers
	}
	if c.MaxParallelism < 0 {
		return ErrInvalidParallelism
	}
	if c.MaxDeliveryAttempts < 1 {
		return fmt.Errorf("rebus: max delivery attempts must be >= 1, got %d", c.MaxDeliveryAttempts)
	}
	if _, err := ParseInvokerMode(c.Invoker); err != nil {
		return err
	}
	return nil
}
