package model

import (
	"math"
	"time"
)

// RetryPolicy configures bounded exponential backoff between retry
// attempts. It is pure configuration; Delay is the only computation.
type RetryPolicy struct {
	MaxAttempts       int           `json:"max_attempts" yaml:"max_attempts"`
	Backoff           time.Duration `json:"backoff" yaml:"backoff"`
	BackoffMultiplier float64       `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoff        time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultRetryPolicy returns sensible defaults: three attempts, one second
// base delay doubling up to thirty seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		Backoff:           time.Second,
		BackoffMultiplier: 2,
		MaxBackoff:        30 * time.Second,
	}
}

// Delay returns the backoff delay before the given zero-based attempt:
// min(Backoff * BackoffMultiplier^attempt, MaxBackoff).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.Backoff) * math.Pow(p.BackoffMultiplier, float64(attempt))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}
