package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"
)

// Config controls how many times and how patiently an operation is retried.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	// Retryable is authoritative: a failure is retried only when it is
	// retryable by classification and its category is listed here.
	Retryable []Category
}

// DefaultConfig is the policy for provider calls.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   10 * time.Second,
		Multiplier: 2,
		Retryable:  []Category{CategoryNetwork, CategoryRateLimit, CategoryServerError, CategoryTimeout},
	}
}

// PersistenceConfig is the policy for local database writes.
func PersistenceConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   5 * time.Second,
		Multiplier: 2,
		Retryable:  []Category{CategoryNetwork, CategoryServerError, CategoryTimeout, CategoryUnknown},
	}
}

// Validate reports bounds violations.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("base delay must be > 0, got %s", c.BaseDelay))
	}
	if c.MaxDelay < c.BaseDelay {
		errs = append(errs, fmt.Errorf("max delay %s is below base delay %s", c.MaxDelay, c.BaseDelay))
	}
	if c.Multiplier <= 1 {
		errs = append(errs, fmt.Errorf("multiplier must be > 1, got %g", c.Multiplier))
	}
	return errors.Join(errs...)
}

// ShouldRetry reports whether a failure with classification cl may be retried.
func (c Config) ShouldRetry(cl Classification) bool {
	return cl.IsRetryable && slices.Contains(c.Retryable, cl.Category)
}

// Backoff returns the delay before retry number idx (zero based).
func Backoff(cfg Config, idx int) time.Duration {
	return BackoffWith(cfg, idx, rand.Float64)
}

// BackoffWith is Backoff with an explicit uniform [0,1) source.
//
// delay = min(base*mult^idx + U(0, 0.25*base*mult^idx), max)
func BackoffWith(cfg Config, idx int, rnd func() float64) time.Duration {
	if idx < 0 {
		idx = 0
	}
	exp := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(idx))
	delay := exp + rnd()*0.25*exp
	if delay > float64(cfg.MaxDelay) || math.IsInf(delay, 0) || math.IsNaN(delay) {
		return cfg.MaxDelay
	}
	return time.Duration(delay)
}
