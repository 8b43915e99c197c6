package rpc

import (
	"time"

	"github.com/danmuck/durable/internal/backoff"
	"github.com/danmuck/durable/internal/protocol/frame"
)

// Config defines transport defaults shared by dialers and listeners.
type Config struct {
	DialTimeout time.Duration
	// MaxConnectAttempts bounds Dial retries. Calls themselves are never
	// retried.
	MaxConnectAttempts int
	Backoff            backoff.Config
	Limits             frame.Limits
	// AuthToken, when set, is sent with every call and required of every
	// incoming call.
	AuthToken string
	TLS       TLSConfig
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:        5 * time.Second,
		MaxConnectAttempts: 5,
		Backoff: backoff.Config{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
		Limits: frame.DefaultLimits(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = def.MaxConnectAttempts
	}
	if c.Backoff == (backoff.Config{}) {
		c.Backoff = def.Backoff
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = def.Limits
	}
	return c
}
