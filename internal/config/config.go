// Package config loads xcenter settings from a YAML file and XCENTER_*
// environment variables.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/trickstertwo/xcenter"
	"github.com/trickstertwo/xcenter/adapter/redisstream"
)

const envPrefix = "XCENTER"

type Config struct {
	Center struct {
		Name            string        `mapstructure:"name"`
		PollInterval    time.Duration `mapstructure:"poll_interval"`
		TriggerInterval time.Duration `mapstructure:"trigger_interval"`
		ObserverWorkers int           `mapstructure:"observer_workers"`
		ObserverBuffer  int           `mapstructure:"observer_buffer"`
		DebugSend       bool          `mapstructure:"debug_send"`
		DebugReceive    bool          `mapstructure:"debug_receive"`
		ReceiverTimeout time.Duration `mapstructure:"receiver_timeout"`
	} `mapstructure:"center"`

	Log struct {
		Level   string `mapstructure:"level"`
		Console bool   `mapstructure:"console"`
	} `mapstructure:"log"`

	Redis struct {
		Enabled      bool          `mapstructure:"enabled"`
		Addr         string        `mapstructure:"addr"`
		Username     string        `mapstructure:"username"`
		Password     string        `mapstructure:"password"`
		DB           int           `mapstructure:"db"`
		TLS          bool          `mapstructure:"tls"`
		Consumer     string        `mapstructure:"consumer"`
		Block        time.Duration `mapstructure:"block"`
		BatchSize    int           `mapstructure:"batch_size"`
		MaxLenApprox int64         `mapstructure:"max_len_approx"`
		ClaimMinIdle time.Duration `mapstructure:"claim_min_idle"`
	} `mapstructure:"redis"`
}

// setDefaults registers every key; AutomaticEnv only overlays known keys on Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("center.name", "")
	v.SetDefault("center.poll_interval", xcenter.DefaultPollInterval)
	v.SetDefault("center.trigger_interval", 100*time.Millisecond)
	v.SetDefault("center.observer_workers", 2)
	v.SetDefault("center.observer_buffer", 1024)
	v.SetDefault("center.debug_send", false)
	v.SetDefault("center.debug_receive", false)
	v.SetDefault("center.receiver_timeout", time.Duration(0))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)

	rd := redisstream.Defaults()
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", rd.Addr)
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.tls", false)
	v.SetDefault("redis.consumer", "")
	v.SetDefault("redis.block", rd.Block)
	v.SetDefault("redis.batch_size", rd.BatchSize)
	v.SetDefault("redis.max_len_approx", 0)
	v.SetDefault("redis.claim_min_idle", time.Duration(0))
}

// Load reads path (optional) and overlays XCENTER_* environment variables,
// e.g. XCENTER_CENTER_NAME or XCENTER_REDIS_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Center.PollInterval <= 0 {
		return errors.New("config: center.poll_interval must be > 0")
	}
	if c.Center.ObserverWorkers < 1 {
		return errors.New("config: center.observer_workers must be >= 1")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info":
	default:
		return errors.New("config: log.level must be debug or info")
	}
	return nil
}

// Debug reports whether debug logging is requested.
func (c *Config) Debug() bool { return strings.EqualFold(c.Log.Level, "debug") }

// Builder returns a CenterBuilder carrying the center settings.
func (c *Config) Builder() *xcenter.CenterBuilder {
	b := xcenter.NewCenterBuilder().
		WithName(c.Center.Name).
		WithPollInterval(c.Center.PollInterval).
		WithObserverPool(c.Center.ObserverWorkers, c.Center.ObserverBuffer).
		WithDebugSend(c.Center.DebugSend).
		WithDebugReceive(c.Center.DebugReceive)
	if c.Center.ReceiverTimeout > 0 {
		b.WithMiddleware(xcenter.TimeoutMiddleware(c.Center.ReceiverTimeout))
	}
	return b
}

// RedisConfig returns the bridge configuration; zero fields keep bridge defaults.
func (c *Config) RedisConfig() redisstream.Config {
	rc := redisstream.Defaults()
	r := c.Redis
	rc.Addr = r.Addr
	rc.Username = r.Username
	rc.Password = r.Password
	rc.DB = r.DB
	rc.TLS = r.TLS
	if r.Consumer != "" {
		rc.Consumer = r.Consumer
	}
	if r.Block > 0 {
		rc.Block = r.Block
	}
	if r.BatchSize > 0 {
		rc.BatchSize = r.BatchSize
	}
	rc.MaxLenApprox = r.MaxLenApprox
	rc.ClaimMinIdle = r.ClaimMinIdle
	return rc
}
