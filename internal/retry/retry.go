package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration for cache operations
type Config struct {
	// Attempts is the total number of tries per operation (min 1)
	Attempts int
	// Delay is the fixed pause between attempts
	Delay time.Duration
	// RetryableFunc determines if an error is retryable
	RetryableFunc func(error) bool
}

// DefaultConfig returns the default operation retry configuration
func DefaultConfig() Config {
	return Config{
		Attempts:      3,
		Delay:         50 * time.Millisecond,
		RetryableFunc: DefaultRetryableFunc,
	}
}

// DefaultRetryableFunc is the default function to determine if an error is retryable
func DefaultRetryableFunc(err error) bool {
	// Context errors mean the caller gave up
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return false
	}

	return true
}

// Retrier executes operations with a bounded, fixed-delay retry policy.
// The last error is reported with the attempt count once the budget is
// exhausted; callers decide fail-open vs fail-closed from there.
type Retrier struct {
	config Config
}

// New creates a new retrier with the given configuration
func New(config Config) *Retrier {
	if config.Attempts < 1 {
		config.Attempts = 3
	}
	if config.Delay <= 0 {
		config.Delay = 50 * time.Millisecond
	}
	if config.RetryableFunc == nil {
		config.RetryableFunc = DefaultRetryableFunc
	}

	return &Retrier{config: config}
}

// Do executes fn until it succeeds or the attempt budget is exhausted
func (r *Retrier) Do(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt >= r.config.Attempts {
			break
		}
		if !r.config.RetryableFunc(err) {
			return err
		}

		select {
		case <-time.After(r.config.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return &Error{Err: lastErr, Attempts: r.config.Attempts}
}

// Error reports an exhausted retry budget
type Error struct {
	Err      error
	Attempts int
}

// Error implements the error interface
func (e *Error) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// PermanentError wraps an error to indicate it should not be retried
type PermanentError struct {
	err error
}

// Permanent marks an error as non-retryable
func Permanent(err error) error {
	return &PermanentError{err: err}
}

// Error implements the error interface
func (e *PermanentError) Error() string {
	return e.err.Error()
}

// Unwrap returns the underlying error
func (e *PermanentError) Unwrap() error {
	return e.err
}

// BackoffConfig shapes the reconnect backoff
type BackoffConfig struct {
	// InitialDelay is the delay after the first failed attempt
	InitialDelay time.Duration
	// MaxDelay caps the computed delay
	MaxDelay time.Duration
	// Multiplier grows the delay between attempts
	Multiplier float64
}

// DefaultBackoffConfig returns the default reconnect backoff configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
	}
}

// Backoff computes jittered, capped exponential delays for connection
// establishment. The jitter is recomputed on every call so many clients
// reconnecting at once do not synchronize into a storm.
type Backoff struct {
	config  BackoffConfig
	attempt int
}

// NewBackoff creates a backoff with the given configuration
func NewBackoff(config BackoffConfig) *Backoff {
	if config.InitialDelay <= 0 {
		config.InitialDelay = 250 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 1 {
		config.Multiplier = 2.0
	}
	return &Backoff{config: config}
}

// Next returns the delay to wait before the next attempt
func (b *Backoff) Next() time.Duration {
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Multiplier, float64(b.attempt))
	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}
	b.attempt++

	// +-25% jitter
	jitter := delay * 0.25
	delay = delay + (rand.Float64()*2-1)*jitter

	return time.Duration(delay)
}

// Reset restarts the backoff sequence after a successful connection
func (b *Backoff) Reset() {
	b.attempt = 0
}
