// Package breaker implements the spawn circuit breaker. Repeated downstream
// provisioning failures convert into a temporary global admission stop
// instead of propagating per-request errors.
package breaker

import (
	"sync"
	"time"

	"github.com/travsart/spawngate/internal/log"
	"github.com/travsart/spawngate/internal/metrics"
)

// State represents the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

func gaugeValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}

// clock abstracts time operations for testability.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Config holds the breaker tuning. All windows are wall-clock durations.
type Config struct {
	// OpenThresholdPercent is the failure rate over FailureWindow above
	// which a closed breaker opens.
	OpenThresholdPercent float64
	// CloseThresholdPercent is the failure rate over RecoveryWindow below
	// which a half-open breaker closes.
	CloseThresholdPercent float64
	// Cooldown is how long an open breaker blocks before probing.
	Cooldown time.Duration
	// RecoveryWindow is how long a half-open breaker must stay healthy.
	RecoveryWindow time.Duration
	// FailureWindow is the rolling window for the failure rate.
	FailureWindow time.Duration
	// MinimumSampleSize gates the open transition until enough attempts
	// have resolved inside the failure window.
	MinimumSampleSize int
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		OpenThresholdPercent:  50,
		CloseThresholdPercent: 10,
		Cooldown:              30 * time.Second,
		RecoveryWindow:        15 * time.Second,
		FailureWindow:         60 * time.Second,
		MinimumSampleSize:     20,
	}
}

type outcome struct {
	at time.Time
	ok bool
}

// Breaker is a three-state circuit breaker with a time-windowed failure
// rate. It owns its outcome history and prunes it on each query. All entry
// points are internally synchronized and never panic.
type Breaker struct {
	mu    sync.Mutex
	cfg   Config
	state State
	clock clock

	outcomes      []outcome
	attempts      uint64 // cumulative, reset only via Reset
	openedAt      time.Time
	halfOpenSince time.Time
}

// Option is a functional option for Breaker configuration.
type Option func(*Breaker)

// WithClock sets a custom clock for testing.
func WithClock(c clock) Option {
	return func(b *Breaker) { b.clock = c }
}

// sanitize fills non-positive windows and sample sizes with the defaults so
// a partially built Config cannot wedge the state machine.
func sanitize(cfg Config) Config {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = 60 * time.Second
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 15 * time.Second
	}
	if cfg.MinimumSampleSize <= 0 {
		cfg.MinimumSampleSize = 1
	}
	return cfg
}

// New creates a breaker in the closed state.
func New(cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		cfg:   sanitize(cfg),
		state: StateClosed,
		clock: realClock{},
	}
	for _, opt := range opts {
		opt(b)
	}
	metrics.SetBreakerState(gaugeValue(b.state))
	return b
}

// Allow reports whether a spawn attempt may proceed. An open breaker flips
// to half-open once the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.openedAt) >= b.cfg.Cooldown {
			b.transitionTo(StateHalfOpen, "cooldown_elapsed")
			return true
		}
		return false
	default: // StateHalfOpen: probe attempts allowed
		return true
	}
}

// RecordAttempt counts a spawn hand-off. Attempts feed the cumulative
// counter only; the failure rate is computed from resolved outcomes.
func (b *Breaker) RecordAttempt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
}

// RecordSuccess records a successful provisioning outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.outcomes = append(b.outcomes, outcome{at: now, ok: true})
	b.pruneLocked(now)

	if b.state == StateHalfOpen && now.Sub(b.halfOpenSince) >= b.cfg.RecoveryWindow {
		if b.rateSinceLocked(now.Add(-b.cfg.RecoveryWindow)) < b.cfg.CloseThresholdPercent {
			b.transitionTo(StateClosed, "recovered")
		}
	}
}

// RecordFailure records a failed provisioning outcome. A closed breaker
// opens once the windowed failure rate crosses the threshold; a half-open
// breaker opens immediately and the cooldown restarts.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	b.outcomes = append(b.outcomes, outcome{at: now, ok: false})
	b.pruneLocked(now)

	switch b.state {
	case StateHalfOpen:
		b.openedAt = now
		b.transitionTo(StateOpen, "half_open_failure")
	case StateClosed:
		samples := len(b.outcomes)
		if samples >= b.cfg.MinimumSampleSize &&
			b.rateSinceLocked(now.Add(-b.cfg.FailureWindow)) > b.cfg.OpenThresholdPercent {
			b.openedAt = now
			b.transitionTo(StateOpen, "threshold_exceeded")
		}
	}
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureRate returns the failure percentage over the rolling failure
// window, 0 when no outcomes resolved inside it.
func (b *Breaker) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.pruneLocked(now)
	return b.rateSinceLocked(now.Add(-b.cfg.FailureWindow))
}

// OpenThreshold returns the configured open threshold percentage. The
// throttler reads it to slow admission before the breaker trips.
func (b *Breaker) OpenThreshold() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg.OpenThresholdPercent
}

// SetConfig swaps the breaker tuning at runtime. State and outcome history
// survive the swap; the new windows apply from the next query on.
func (b *Breaker) SetConfig(cfg Config) {
	b.mu.Lock()
	b.cfg = sanitize(cfg)
	b.mu.Unlock()
}

// Attempts returns the cumulative attempt count since the last Reset.
func (b *Breaker) Attempts() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Reset is a manual override back to the closed state. History and the
// cumulative attempt counter are dropped.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.outcomes = nil
	b.attempts = 0
	if b.state != StateClosed {
		b.transitionTo(StateClosed, "manual_reset")
	}
}

// pruneLocked drops outcomes older than the failure window. Caller must
// hold the lock.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.FailureWindow)
	i := 0
	for i < len(b.outcomes) && b.outcomes[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.outcomes = append(b.outcomes[:0], b.outcomes[i:]...)
	}
}

func (b *Breaker) rateSinceLocked(cutoff time.Time) float64 {
	var total, failed int
	for _, o := range b.outcomes {
		if o.at.Before(cutoff) {
			continue
		}
		total++
		if !o.ok {
			failed++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(failed) / float64(total) * 100
}

// transitionTo handles state transitions, metrics and logging. Caller must
// hold the lock.
func (b *Breaker) transitionTo(newState State, cause string) {
	if b.state == newState {
		return
	}
	old := b.state
	b.state = newState
	if newState == StateHalfOpen {
		b.halfOpenSince = b.clock.Now()
	}
	metrics.SetBreakerState(gaugeValue(newState))
	metrics.RecordBreakerTransition(cause)
	logger := log.WithComponent("breaker")
	logger.Info().
		Str(log.FieldEvent, "breaker.transition").
		Str(log.FieldOldState, string(old)).
		Str(log.FieldNewState, string(newState)).
		Str(log.FieldReason, cause).
		Msg("circuit breaker state changed")
}
