// Package throttle implements the adaptive spawn admission decision engine.
// It combines resource pressure, circuit breaker state and the startup phase
// into "may a batch release now, and how large".
package throttle

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/travsart/spawngate/internal/breaker"
	"github.com/travsart/spawngate/internal/metrics"
	"github.com/travsart/spawngate/internal/monitor"
	"github.com/travsart/spawngate/internal/queue"
)

// Config holds the throttle tuning, loaded once at init.
type Config struct {
	MinBatchSize      int
	MaxBatchSize      int
	BaseBatchInterval time.Duration
	// AggressivenessMultiplier scales the pre-clamp batch base.
	AggressivenessMultiplier float64

	EnableAdaptive       bool
	EnableCircuitBreaker bool

	EnableBurstPrevention  bool
	BurstWindow            time.Duration
	BurstWindowMaxRequests int
}

// DefaultConfig returns the standard throttle tuning.
func DefaultConfig() Config {
	return Config{
		MinBatchSize:             1,
		MaxBatchSize:             25,
		BaseBatchInterval:        500 * time.Millisecond,
		AggressivenessMultiplier: 1.0,
		EnableAdaptive:           true,
		EnableCircuitBreaker:     true,
		EnableBurstPrevention:    true,
		BurstWindow:              10 * time.Second,
		BurstWindowMaxRequests:   200,
	}
}

// Gate rejection reasons, used for metrics labels and the throttled
// diagnostic string.
const (
	ReasonInterval    = "interval_pending"
	ReasonBreakerOpen = "breaker_open"
	ReasonPressure    = "resource_critical"
	ReasonBurst       = "burst_limit"
)

// PhaseSource supplies the active startup phase's rate multiplier. The
// orchestrator implements it; a nil source means steady-state (1.0).
type PhaseSource interface {
	RateMultiplier() float64
}

// Metrics is a cumulative counter snapshot. Counters only increase within a
// run and reset via Reset.
type Metrics struct {
	Attempts  uint64 `json:"attempts"`
	Successes uint64 `json:"successes"`
	Failures  uint64 `json:"failures"`
	Batches   uint64 `json:"batches"`
}

// Throttler decides when and how large spawn batches may release. It owns
// no pending requests, only its config and counters; pressure and failure
// signals are read from the monitor and breaker it borrows.
type Throttler struct {
	mu  sync.Mutex
	cfg Config

	monitor *monitor.Monitor
	breaker *breaker.Breaker
	phases  PhaseSource

	sinceLastBatch time.Duration
	burst          *rate.Limiter

	counters Metrics
}

// New creates a throttler over the given collaborators.
func New(cfg Config, mon *monitor.Monitor, brk *breaker.Breaker, phases PhaseSource) *Throttler {
	t := &Throttler{
		cfg:     cfg,
		monitor: mon,
		breaker: brk,
		phases:  phases,
		// Start with the interval already elapsed so the first batch does
		// not wait a full base interval.
		sinceLastBatch: cfg.BaseBatchInterval,
	}
	if cfg.EnableBurstPrevention && cfg.BurstWindow > 0 && cfg.BurstWindowMaxRequests > 0 {
		perSecond := float64(cfg.BurstWindowMaxRequests) / cfg.BurstWindow.Seconds()
		t.burst = rate.NewLimiter(rate.Limit(perSecond), cfg.BurstWindowMaxRequests)
	}
	return t
}

// SetPhaseSource wires the startup phase source after construction. The
// orchestrator needs the throttler at construction time, so the phase link
// is closed here.
func (t *Throttler) SetPhaseSource(src PhaseSource) {
	t.mu.Lock()
	t.phases = src
	t.mu.Unlock()
}

// SetConfig swaps the throttle tuning at runtime. The burst limiter is
// rebuilt only when its window parameters change, so an unrelated reload
// does not hand back already-spent budget.
func (t *Throttler) SetConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	burstChanged := cfg.EnableBurstPrevention != t.cfg.EnableBurstPrevention ||
		cfg.BurstWindow != t.cfg.BurstWindow ||
		cfg.BurstWindowMaxRequests != t.cfg.BurstWindowMaxRequests
	t.cfg = cfg
	if !burstChanged {
		return
	}
	t.burst = nil
	if cfg.EnableBurstPrevention && cfg.BurstWindow > 0 && cfg.BurstWindowMaxRequests > 0 {
		perSecond := float64(cfg.BurstWindowMaxRequests) / cfg.BurstWindow.Seconds()
		t.burst = rate.NewLimiter(rate.Limit(perSecond), cfg.BurstWindowMaxRequests)
	}
}

// Update advances the internal timers. It performs no decision work.
func (t *Throttler) Update(delta time.Duration) {
	t.mu.Lock()
	t.sinceLastBatch += delta
	t.mu.Unlock()
}

// CanSpawnNow is the cheap admission gate, checked before any batch-size
// computation so Critical pressure answers "no" with minimal work.
func (t *Throttler) CanSpawnNow() bool {
	ok, reason := t.Gate()
	if !ok {
		metrics.RecordThrottleReject(reason)
	}
	return ok
}

// Gate evaluates the admission gate and returns the blocking reason when
// closed. It does not touch metrics, so status endpoints may poll it.
func (t *Throttler) Gate() (bool, string) {
	if t.config().EnableCircuitBreaker && t.breaker != nil && !t.breaker.Allow() {
		return false, ReasonBreakerOpen
	}
	if t.monitor != nil && !t.monitor.IsSpawningSafe() {
		return false, ReasonPressure
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sinceLastBatch < t.currentIntervalLocked() {
		return false, ReasonInterval
	}
	if t.burst != nil && t.burst.Tokens() < 1 {
		return false, ReasonBurst
	}
	return true, ""
}

// BatchSize computes the admission batch size,
// round(base * resourceMult * phaseMult * failureMult) clamped to
// [MinBatchSize, MaxBatchSize], then trimmed to whatever burst-window
// budget remains.
func (t *Throttler) BatchSize() int {
	t.mu.Lock()
	cfg := t.cfg
	phases := t.phases
	t.mu.Unlock()

	base := float64(cfg.MaxBatchSize) * cfg.AggressivenessMultiplier
	if !cfg.EnableAdaptive {
		return t.burstCap(clamp(cfg, int(math.Round(base))))
	}

	resourceMult := 1.0
	if t.monitor != nil {
		resourceMult = t.monitor.RecommendedRateMultiplier()
	}
	phaseMult := 1.0
	if phases != nil {
		phaseMult = phases.RateMultiplier()
	}

	size := math.Round(base * resourceMult * phaseMult * t.failureMultiplier(cfg))
	return t.burstCap(clamp(cfg, int(size)))
}

// burstCap trims a batch to the remaining burst-window budget so a single
// release can never overshoot BurstWindowMaxRequests.
func (t *Throttler) burstCap(n int) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.burst == nil {
		return n
	}
	if budget := int(t.burst.Tokens()); budget < n {
		n = budget
	}
	if n < 0 {
		n = 0
	}
	return n
}

// RecommendedDelay returns how long until the next batch may release. The
// base interval stretches as the resource multiplier shrinks, up to a 10x
// cap when spawning is fully suppressed.
func (t *Throttler) RecommendedDelay() time.Duration {
	const maxStretch = 10
	cfg := t.config()
	resourceMult := 1.0
	if cfg.EnableAdaptive && t.monitor != nil {
		resourceMult = t.monitor.RecommendedRateMultiplier()
	}
	if resourceMult <= 1.0/maxStretch {
		return cfg.BaseBatchInterval * maxStretch
	}
	return time.Duration(float64(cfg.BaseBatchInterval) / resourceMult)
}

// NoteBatchReleased restarts the batch interval and consumes burst budget
// for n released requests. The service calls it once per released batch.
func (t *Throttler) NoteBatchReleased(n int) {
	t.mu.Lock()
	t.sinceLastBatch = 0
	t.counters.Batches++
	if t.burst != nil {
		// ReserveN consumes tokens even when the budget is short, unlike
		// AllowN which leaves the bucket untouched on refusal. Single-token
		// reservations always succeed, so each released request is charged.
		now := time.Now()
		for i := 0; i < n; i++ {
			t.burst.ReserveN(now, 1)
		}
	}
	t.mu.Unlock()
	metrics.RecordBatch(n)
}

// NoteAttempt records a spawn hand-off to the owner.
func (t *Throttler) NoteAttempt(req queue.Request) {
	t.mu.Lock()
	t.counters.Attempts++
	t.mu.Unlock()
	if t.breaker != nil {
		t.breaker.RecordAttempt()
	}
	metrics.RecordAttempt(req.Priority.String())
}

// RecordSuccess records a successful provisioning outcome and forwards it
// to the breaker.
func (t *Throttler) RecordSuccess(req queue.Request) {
	t.mu.Lock()
	t.counters.Successes++
	t.mu.Unlock()
	if t.breaker != nil {
		t.breaker.RecordSuccess()
	}
	metrics.RecordSuccess(req.Priority.String())
}

// RecordFailure records a failed provisioning outcome and forwards it to
// the breaker. The throttling system never retries; the owner decides.
func (t *Throttler) RecordFailure(req queue.Request, reason string) {
	t.mu.Lock()
	t.counters.Failures++
	t.mu.Unlock()
	if t.breaker != nil {
		t.breaker.RecordFailure()
	}
	if reason == "" {
		reason = "unspecified"
	}
	metrics.RecordFailure(req.Priority.String(), reason)
}

// Metrics returns a cumulative counter snapshot.
func (t *Throttler) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Reset zeroes the cumulative counters.
func (t *Throttler) Reset() {
	t.mu.Lock()
	t.counters = Metrics{}
	t.mu.Unlock()
}

// failureMultiplier decreases smoothly from 1.0 toward 0.1 as the breaker's
// windowed failure rate approaches its open threshold, slowing admission
// before the breaker trips.
func (t *Throttler) failureMultiplier(cfg Config) float64 {
	if !cfg.EnableCircuitBreaker || t.breaker == nil {
		return 1.0
	}
	failRate := t.breaker.FailureRate()
	threshold := t.breaker.OpenThreshold()
	if threshold <= 0 || failRate <= 0 {
		return 1.0
	}
	m := 1.0 - 0.9*(failRate/threshold)
	if m < 0.1 {
		return 0.1
	}
	if m > 1.0 {
		return 1.0
	}
	return m
}

func clamp(cfg Config, n int) int {
	if n < cfg.MinBatchSize {
		return cfg.MinBatchSize
	}
	if n > cfg.MaxBatchSize {
		return cfg.MaxBatchSize
	}
	return n
}

func (t *Throttler) config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

func (t *Throttler) currentIntervalLocked() time.Duration {
	return t.cfg.BaseBatchInterval
}
