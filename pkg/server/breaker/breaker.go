// Package breaker implements a per-source circuit breaker.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/StrathCole/oracle-aggregator/pkg/server/sources"
)

// State is the circuit state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" json:"reset_timeout"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// DefaultConfig returns threshold 5, 60s reset timeout and 3 half-open probes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Validate checks the thresholds. A zero ResetTimeout is allowed and lets an
// open breaker probe again on the very next call.
func (c Config) Validate() error {
	switch {
	case c.FailureThreshold < 1:
		return fmt.Errorf("%w: circuit breaker failure_threshold must be >= 1", sources.ErrInvalidConfiguration)
	case c.ResetTimeout < 0:
		return fmt.Errorf("%w: circuit breaker reset_timeout must be >= 0", sources.ErrInvalidConfiguration)
	case c.HalfOpenMaxCalls < 1:
		return fmt.Errorf("%w: circuit breaker half_open_max_calls must be >= 1", sources.ErrInvalidConfiguration)
	}
	return nil
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State         State     `json:"-"`
	StateName     string    `json:"state"`
	Failures      int       `json:"failures"`
	LastFailure   time.Time `json:"last_failure,omitempty"`
	HalfOpenCalls int       `json:"half_open_calls"`
}

// TransitionFunc is invoked after a state change, outside the breaker lock.
type TransitionFunc func(from, to State)

// Breaker tracks consecutive failures of one source.
type Breaker struct {
	mu            sync.Mutex
	cfg           Config
	now           func() time.Time
	onTransition  TransitionFunc
	state         State
	failures      int
	lastFailure   time.Time
	halfOpenCalls int
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook registers a callback for state changes.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a closed breaker.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{cfg: cfg, now: time.Now, state: StateClosed}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. An open breaker whose reset
// timeout has elapsed moves to half-open; half-open admits at most
// HalfOpenMaxCalls probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := false

	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
			b.state = StateHalfOpen
			b.halfOpenCalls = 1
			allowed = true
		}
	case StateHalfOpen:
		if b.halfOpenCalls < b.cfg.HalfOpenMaxCalls {
			b.halfOpenCalls++
			allowed = true
		}
	}

	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

// RecordSuccess resets the failure count and closes a half-open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.halfOpenCalls = 0
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// RecordFailure counts a failure. A half-open breaker reopens immediately; a
// closed one opens once the threshold is reached.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenCalls = 0
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
		}
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:         b.state,
		StateName:     b.state.String(),
		Failures:      b.failures,
		LastFailure:   b.lastFailure,
		HalfOpenCalls: b.halfOpenCalls,
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onTransition != nil {
		b.onTransition(from, to)
	}
}
