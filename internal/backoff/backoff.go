// Package backoff computes retry delays for alarm re-arming and peer dialing.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Config defines retry backoff behavior.
type Config struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultConfig mirrors the platform's alarm retry curve: 2s doubling up to a minute.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 2 * time.Second,
		Multiplier:   2.0,
		MaxDelay:     time.Minute,
		Jitter:       true,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = def.InitialDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = def.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = def.MaxDelay
	}
	return c
}

// Next returns the retry delay for attempt N (1-based).
func Next(cfg Config, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
