package tracker

import (
	"math"
	"time"
)

// RetryConfig bounds how often and how long a queued event is retried.
type RetryConfig struct {
	MaxRetries int
	MaxAge     time.Duration
	// BaseDelay is the wait after the first failure. A Multiplier of 1
	// gives a fixed delay; above 1 the delay grows exponentially.
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		MaxAge:     24 * time.Hour,
		BaseDelay:  5000 * time.Millisecond,
		Multiplier: 1,
		MaxDelay:   time.Minute,
	}
}

type RetryPolicy struct {
	config RetryConfig
}

func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	def := DefaultRetryConfig()
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.MaxAge <= 0 {
		config.MaxAge = def.MaxAge
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = def.BaseDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	return &RetryPolicy{config: config}
}

func (p *RetryPolicy) Config() RetryConfig { return p.config }

// Exhausted reports whether attempts has reached the retry limit.
func (p *RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.config.MaxRetries
}

// Expired reports whether an entry enqueued at enqueuedAt is too old to keep.
func (p *RetryPolicy) Expired(enqueuedAt, now time.Time) bool {
	return now.Sub(enqueuedAt) > p.config.MaxAge
}

// NextDelay is the wait after the given number of failed attempts.
func (p *RetryPolicy) NextDelay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.config.BaseDelay
	}
	delay := float64(p.config.BaseDelay) * math.Pow(p.config.Multiplier, float64(attempts-1))
	if delay > float64(p.config.MaxDelay) {
		return p.config.MaxDelay
	}
	return time.Duration(delay)
}
