package retry

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// JitterFactor bounds the random delay added to each backoff: the jitter
// is uniform in [0, JitterFactor * exponential delay].
const JitterFactor = 0.2

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Total attempts are MaxRetries+1.
	MaxRetries int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps every computed delay, jitter included.
	MaxDelay time.Duration

	// BackoffMultiplier is applied to the delay after each retry.
	BackoffMultiplier float64
}

// DefaultConfig is the standard retry configuration.
var DefaultConfig = Config{
	MaxRetries:        3,
	InitialDelay:      1 * time.Second,
	MaxDelay:          30 * time.Second,
	BackoffMultiplier: 2.0,
}

// NoRetry disables retries.
var NoRetry = Config{
	MaxRetries:        0,
	InitialDelay:      0,
	MaxDelay:          0,
	BackoffMultiplier: 1,
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry: max retries must be >= 0, got %d", c.MaxRetries))
	}
	if c.InitialDelay < 0 {
		errs = append(errs, fmt.Errorf("retry: initial delay must be >= 0, got %s", c.InitialDelay))
	}
	if c.MaxDelay < c.InitialDelay {
		errs = append(errs, fmt.Errorf("retry: max delay %s is below initial delay %s", c.MaxDelay, c.InitialDelay))
	}
	if c.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("retry: backoff multiplier must be >= 1, got %g", c.BackoffMultiplier))
	}
	return errors.Join(errs...)
}

// ComputeDelay returns the wait before retry number attempt (zero-based):
//
//	min(InitialDelay * BackoffMultiplier^attempt + jitter, MaxDelay)
//
// The result never exceeds MaxDelay, however large attempt grows.
func ComputeDelay(attempt int, cfg Config) time.Duration {
	return computeDelay(attempt, cfg, rand.Float64)
}

func computeDelay(attempt int, cfg Config, random func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if cfg.MaxDelay <= 0 {
		return 0
	}

	ceiling := float64(cfg.MaxDelay)
	exponential := float64(cfg.InitialDelay) * math.Pow(cfg.BackoffMultiplier, float64(attempt))
	if math.IsNaN(exponential) || math.IsInf(exponential, 0) || exponential >= ceiling {
		return cfg.MaxDelay
	}

	delay := exponential + exponential*JitterFactor*random()
	if delay > ceiling {
		delay = ceiling
	}
	return time.Duration(delay)
}
