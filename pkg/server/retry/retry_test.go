package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastConfig(3), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, &sources.StatusError{Code: 503}
		}
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 3, calls)
}

func TestDo_FatalErrorStopsImmediately(t *testing.T) {
	calls := 0
	fatal := &sources.StatusError{Code: 404}
	_, err := Do(context.Background(), fastConfig(5), func(context.Context) (int, error) {
		calls++
		return 0, fatal
	})

	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(3), func(context.Context) (string, error) {
		calls++
		return "", Retryable(fmt.Errorf("attempt %d", calls))
	})

	require.Error(t, err)
	assert.Equal(t, "attempt 3", err.Error())
	assert.Equal(t, 3, calls)
}

func TestDo_NoDelayAfterFinalAttempt(t *testing.T) {
	cfg := Config{MaxAttempts: 1, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2}
	failure := Retryable(errors.New("upstream unavailable"))

	start := time.Now()
	_, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
		return 0, failure
	})

	assert.ErrorIs(t, err, failure)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestDo_OnlyDelaysBetweenAttempts(t *testing.T) {
	// one 20ms wait between two attempts; a wait after the second would be 2s
	cfg := Config{MaxAttempts: 2, InitialDelay: 20 * time.Millisecond, MaxDelay: time.Hour, BackoffMultiplier: 100}

	calls := 0
	start := time.Now()
	_, err := Do(context.Background(), cfg, func(context.Context) (int, error) {
		calls++
		return 0, &sources.StatusError{Code: 503}
	})

	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiplier: 2}

	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, cfg, func(context.Context) (int, error) {
		calls++
		return 0, &sources.StatusError{Code: 500}
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_AttemptTimeout(t *testing.T) {
	cfg := fastConfig(2)
	cfg.AttemptTimeout = 5 * time.Millisecond

	calls := 0
	_, err := Do(context.Background(), cfg, func(ctx context.Context) (int, error) {
		calls++
		<-ctx.Done()
		return 0, ctx.Err()
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, calls)
}

func TestConfig_Delay(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Second, cfg.Delay(0))
	assert.Equal(t, 2*time.Second, cfg.Delay(1))
	assert.Equal(t, 4*time.Second, cfg.Delay(2))
	assert.Equal(t, 10*time.Second, cfg.Delay(5))
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxAttempts = 0
	assert.ErrorIs(t, bad.Validate(), sources.ErrInvalidConfiguration)

	bad = DefaultConfig()
	bad.BackoffMultiplier = 0.5
	assert.ErrorIs(t, bad.Validate(), sources.ErrInvalidConfiguration)
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("bad payload"), want: false},
		{name: "500", err: &sources.StatusError{Code: 500}, want: true},
		{name: "502 wrapped", err: fmt.Errorf("fetch: %w", &sources.StatusError{Code: 502}), want: true},
		{name: "429", err: &sources.StatusError{Code: 429}, want: true},
		{name: "400", err: &sources.StatusError{Code: 400}, want: false},
		{name: "dns", err: &net.DNSError{Err: "no such host", Name: "example.invalid"}, want: true},
		{name: "net timeout", err: &net.OpError{Op: "read", Err: timeoutErr{}}, want: true},
		{name: "conn reset", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: true},
		{name: "deadline", err: context.DeadlineExceeded, want: true},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "marked", err: Retryable(errors.New("flaky")), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
