package peernet

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	defaultMaxQueue       = 200
	defaultMaxConnections = 100
	defaultMaxMessageSize = 1 << 20
	defaultWriteTimeout   = 10 * time.Second
	defaultSweepInterval  = 15 * time.Minute
	defaultStaleTimeout   = 30 * time.Minute
)

// Config carries the construction-time options of a Network. The zero value
// is usable; zero fields fall back to their defaults (MaxRetryAttempts zero
// meaning unbounded retries).
type Config struct {
	// Relays is a static list of location hints passed to the channel
	// factory for every dial, after the peer's own hints.
	Relays []string `env:"CAPLINK_RELAYS,default="`

	// MaxQueue caps the number of unacknowledged messages per peer.
	MaxQueue int `env:"CAPLINK_MAX_QUEUE,default=0"`

	// MaxRetryAttempts caps reconnection attempts per uninterrupted
	// episode. Zero means retry forever.
	MaxRetryAttempts int `env:"CAPLINK_MAX_RETRY_ATTEMPTS,default=0"`

	// MaxConnections caps the number of simultaneously installed channels.
	MaxConnections int `env:"CAPLINK_MAX_CONNECTIONS,default=0"`

	// MaxMessageSize caps the serialized payload size of a single message.
	MaxMessageSize int `env:"CAPLINK_MAX_MESSAGE_SIZE,default=0"`

	// WriteTimeout is the deadline applied to each channel write. A write
	// that does not complete in time counts as a connection loss.
	WriteTimeout time.Duration `env:"CAPLINK_WRITE_TIMEOUT,default=0"`

	// SweepInterval is the period of the stale-peer sweep.
	SweepInterval time.Duration `env:"CAPLINK_SWEEP_INTERVAL,default=0"`

	// StaleTimeout is the idle time after which a peer with no channel and
	// no active reconnection is discarded.
	StaleTimeout time.Duration `env:"CAPLINK_STALE_TIMEOUT,default=0"`
}

// LoadConfig reads a Config from the environment.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	return cfg, err
}

// withDefaults returns a copy of cfg with zero fields replaced by defaults.
func (c Config) withDefaults() Config {
	if c.MaxQueue <= 0 {
		c.MaxQueue = defaultMaxQueue
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaultMaxConnections
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = defaultStaleTimeout
	}
	return c
}
