// Package retry wraps fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// Config defines retry behavior.
type Config struct {
	MaxAttempts       int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
	// AttemptTimeout bounds each individual attempt; zero means no per-attempt deadline.
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
}

// DefaultConfig returns 3 attempts, 1s initial delay, 10s cap, multiplier 2.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
	}
}

// Validate rejects non-sensical values.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: retry max_attempts must be >= 1", sources.ErrInvalidConfiguration)
	case c.InitialDelay < 0, c.MaxDelay < 0, c.AttemptTimeout < 0:
		return fmt.Errorf("%w: retry delays must be >= 0", sources.ErrInvalidConfiguration)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("%w: retry backoff_multiplier must be >= 1", sources.ErrInvalidConfiguration)
	}
	return nil
}

// Delay returns the wait after the given zero-based failed attempt:
// min(MaxDelay, InitialDelay * BackoffMultiplier^attempt).
func (c Config) Delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffMultiplier, float64(attempt))
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(d)
}

// Do invokes op up to cfg.MaxAttempts times. Fatal errors are returned
// immediately; retryable ones are retried after a backoff delay. Exhausting
// all attempts returns the last error.
func Do[T any](ctx context.Context, cfg Config, op func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := runAttempt(ctx, cfg.AttemptTimeout, op)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsRetryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%w (last error: %w)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}

	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, op func(context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as retryable regardless of its kind. Sources use it for
// transport failures the classifier cannot recognize.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable classifies an error. Timeouts, connection resets, DNS failures,
// 5xx and 429 statuses are retryable; everything else is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var marked *retryableError
	if errors.As(err, &marked) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		code := coded.StatusCode()
		return code >= 500 || code == http.StatusTooManyRequests
	}

	return false
}
