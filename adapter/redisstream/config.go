package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for the Redis Streams bridge.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer side (Ingest)
	Consumer   string
	BatchSize  int
	Block      time.Duration
	AutoCreate bool

	// Producer side (Forward)
	Codec        string
	WriteTimeout time.Duration
	MaxLenApprox int64

	// Stream management
	AutoDeleteOnAck bool

	// Pending entry recovery (automatic crash recovery)
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xcenter"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Consumer:      fmt.Sprintf("xcenter-%s-%d", hostname, os.Getpid()),
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		Codec:         "json",
		WriteTimeout:  2 * time.Second,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("config: write_timeout must be > 0, got %v", c.WriteTimeout)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// withDefaults fills zero values from Defaults so a partially filled Config works.
func (c Config) withDefaults() Config {
	d := Defaults()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.Consumer == "" {
		c.Consumer = d.Consumer
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Block == 0 {
		c.Block = d.Block
	}
	if c.Codec == "" {
		c.Codec = d.Codec
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ClaimBatch == 0 {
		c.ClaimBatch = d.ClaimBatch
	}
	if c.ClaimInterval == 0 {
		c.ClaimInterval = d.ClaimInterval
	}
	return c
}

// ConfigFromMap safely converts a generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	getString := func(k, d string) string {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getInt := func(k string, d int) int {
		switch v := m[k].(type) {
		case int:
			return v
		case int32:
			return int(v)
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return d
	}
	getInt64 := func(k string, d int64) int64 {
		switch v := m[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return d
	}
	getBool := func(k string, d bool) bool {
		if v, ok := m[k].(bool); ok {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := m[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	d := Defaults()
	return Config{
		Addr:          getString("addr", d.Addr),
		Username:      getString("username", ""),
		Password:      getString("password", ""),
		DB:            getInt("db", 0),
		TLS:           getBool("tls", false),
		TLSServerName: getString("tls_server_name", ""),

		Consumer:   getString("consumer", d.Consumer),
		BatchSize:  getInt("batch_size", d.BatchSize),
		Block:      getDur("block", d.Block),
		AutoCreate: getBool("auto_create", d.AutoCreate),

		Codec:        getString("codec", d.Codec),
		WriteTimeout: getDur("write_timeout", d.WriteTimeout),
		MaxLenApprox: getInt64("max_len_approx", 0),

		AutoDeleteOnAck: getBool("auto_delete_on_ack", false),

		ClaimMinIdle:  getDur("claim_min_idle", 0),
		ClaimBatch:    getInt("claim_batch", d.ClaimBatch),
		ClaimInterval: getDur("claim_interval", d.ClaimInterval),
	}
}
