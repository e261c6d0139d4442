package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Input queue and consumer group
	Queue      string
	Group      string
	Consumer   string
	AutoCreate bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults. Queue has no default.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "rebus"
	}
	return Config{
		Addr:          "127.0.0.1:6379",
		Group:         "rebus",
		Consumer:      fmt.Sprintf("rebus-%s-%d", hostname, os.Getpid()),
		AutoCreate:    true,
		ClaimBatch:    32,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Queue == "" {
		return fmt.Errorf("config: queue required")
	}
	if c.Group == "" {
		return fmt.Errorf("config: group required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.MaxLenApprox < 0 {
		return fmt.Errorf("config: max_len_approx must be >= 0, got %d", c.MaxLenApprox)
	}
	if c.ClaimMinIdle > 0 && (c.ClaimInterval <= 0 || c.ClaimBatch < 1) {
		return fmt.Errorf("config: claim_interval and claim_batch must be > 0 if claim_min_idle is set")
	}
	return nil
}

// ConfigFromMap converts a generic map to Config on top of Defaults.
// Durations may be given as time.Duration or as strings like "5s".
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := m["db"].(int); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := m["queue"].(string); ok {
		c.Queue = v
	}
	if v, ok := m["group"].(string); ok && v != "" {
		c.Group = v
	}
	if v, ok := m["consumer"].(string); ok && v != "" {
		c.Consumer = v
	}
	if v, ok := m["auto_create"].(bool); ok {
		c.AutoCreate = v
	}
	if v, ok := m["auto_delete_on_ack"].(bool); ok {
		c.AutoDeleteOnAck = v
	}
	if v, ok := m["dead_letter"].(string); ok {
		c.DeadLetter = v
	}
	switch v := m["max_len_approx"].(type) {
	case int64:
		c.MaxLenApprox = v
	case int:
		c.MaxLenApprox = int64(v)
	}
	if v, ok := duration(m["claim_min_idle"]); ok {
		c.ClaimMinIdle = v
	}
	if v, ok := m["claim_batch"].(int); ok && v > 0 {
		c.ClaimBatch = v
	}
	if v, ok := duration(m["claim_interval"]); ok && v > 0 {
		c.ClaimInterval = v
	}
	return c
}

func duration(v any) (time.Duration, bool) {
	switch d := v.(type) {
	case time.Duration:
		return d, true
	case string:
		p, err := time.ParseDuration(d)
		return p, err == nil
	}
	return 0, false
}
