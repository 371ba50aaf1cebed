// Package recovery provides retry policies with configurable backoff
// strategies and a circuit breaker for protecting unhealthy downstreams.
package recovery

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Strategy selects how retry delays grow between attempts.
type Strategy string

const (
	// StrategyLinear uses a constant delay.
	StrategyLinear Strategy = "linear"

	// StrategyExponential doubles the delay each attempt.
	StrategyExponential Strategy = "exponential"

	// StrategyJittered is exponential with randomized delays.
	StrategyJittered Strategy = "jittered-exponential"
)

// RetryContext is passed to the BeforeRetry hook.
type RetryContext struct {
	// Err is the error that triggered the retry.
	Err error

	// Operation is the caller-supplied operation name.
	Operation string

	// Attempt is the attempt that just failed (1-based).
	Attempt int

	// Delay is the backoff that will be slept before the next attempt.
	Delay time.Duration
}

// Config parameterizes a recovery policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 2.
	MaxRetries int

	// Backoff selects the delay growth strategy. Default: jittered.
	Backoff Strategy

	// InitialDelay is the delay after the first failure. Default: 100ms.
	InitialDelay time.Duration

	// MaxDelay caps the delay between attempts. Default: 10s.
	MaxDelay time.Duration

	// IsRetryable decides whether an error is worth retrying. When nil,
	// DefaultRetryable is used.
	IsRetryable func(error) bool

	// BeforeRetry is invoked before each retry sleep.
	BeforeRetry func(RetryContext)

	// OnRecovered fires when an operation succeeds after at least one
	// retry.
	OnRecovered func(operation string, attempts int)

	// Breaker, when set, wraps every execution in the circuit breaker.
	Breaker *BreakerConfig
}

// Policy executes operations with retries and an optional circuit
// breaker. A Policy is safe for concurrent use.
type Policy struct {
	cfg     Config
	breaker *Breaker
}

// New creates a recovery policy, applying defaults for zero fields.
func New(cfg Config) *Policy {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Backoff == "" {
		cfg.Backoff = StrategyJittered
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultRetryable
	}
	p := &Policy{cfg: cfg}
	if cfg.Breaker != nil {
		p.breaker = NewBreaker(*cfg.Breaker)
	}
	return p
}

// Breaker exposes the policy's circuit breaker, or nil.
func (p *Policy) CircuitBreaker() *Breaker {
	return p.breaker
}

// Execute runs fn, retrying retryable failures with backoff. The
// operation name is used for hooks and error context.
func (p *Policy) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	_, err := ExecuteWithValue(ctx, p, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// ExecuteWithValue runs fn with retries, returning its value.
func ExecuteWithValue[T any](ctx context.Context, p *Policy, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxRetries+1; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		var value T
		var err error
		if p.breaker != nil {
			err = p.breaker.Allow()
			if err == nil {
				value, err = fn(ctx)
				p.breaker.Record(err == nil)
			}
		} else {
			value, err = fn(ctx)
		}

		if err == nil {
			if attempt > 1 && p.cfg.OnRecovered != nil {
				p.cfg.OnRecovered(operation, attempt)
			}
			return value, nil
		}
		lastErr = err

		// Open breakers fast-fail without consuming retry budget sleep.
		if errors.Is(err, ErrCircuitOpen) {
			return zero, err
		}
		if !p.cfg.IsRetryable(err) || attempt > p.cfg.MaxRetries {
			break
		}

		delay := p.delay(attempt)
		if p.cfg.BeforeRetry != nil {
			p.cfg.BeforeRetry(RetryContext{Err: err, Operation: operation, Attempt: attempt, Delay: delay})
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

// delay computes the backoff for the given 1-based attempt.
func (p *Policy) delay(attempt int) time.Duration {
	base := float64(p.cfg.InitialDelay)
	switch p.cfg.Backoff {
	case StrategyLinear:
		base *= float64(attempt)
	case StrategyExponential, StrategyJittered:
		base *= math.Pow(2, float64(attempt-1))
	}
	if base > float64(p.cfg.MaxDelay) {
		base = float64(p.cfg.MaxDelay)
	}
	if p.cfg.Backoff == StrategyJittered {
		// Jitter: base * [0.5, 1.5]
		base *= 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	}
	return time.Duration(base)
}

// PermanentError marks an error that must not be retried regardless of
// the retryable predicate.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps an error to exclude it from retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked permanent.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
