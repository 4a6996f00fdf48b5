// Package orchestrator drives the timed startup ramp for bulk initial
// provisioning, then hands control to steady-state on-demand spawning.
package orchestrator

import (
	"sync"
	"time"

	"github.com/travsart/spawngate/internal/log"
	"github.com/travsart/spawngate/internal/metrics"
	"github.com/travsart/spawngate/internal/queue"
	"github.com/travsart/spawngate/internal/throttle"
)

// Phase identifies a startup ramp stage. Phases are strictly ordered and
// never regress.
type Phase int

const (
	PhaseImmediate Phase = iota
	PhaseRapid
	PhaseSteady
	PhaseBackground
	PhaseSteadyState
)

func (p Phase) String() string {
	switch p {
	case PhaseImmediate:
		return "immediate"
	case PhaseRapid:
		return "rapid"
	case PhaseSteady:
		return "steady"
	case PhaseBackground:
		return "background"
	case PhaseSteadyState:
		return "steady-state"
	default:
		return "unknown"
	}
}

// PhaseConfig tunes one ramp stage.
type PhaseConfig struct {
	// Target bounds how many spawns this phase dispatches; <= 0 means
	// unbounded. The phase still ends on its timer either way.
	Target int
	// Duration is the wall-clock length of the phase.
	Duration time.Duration
	// RateMultiplier scales batch sizes while the phase is active.
	RateMultiplier float64
	// PriorityFloor suppresses tiers below it while the phase is active.
	PriorityFloor queue.Priority
}

// Config holds the per-phase tuning for the ramp.
type Config struct {
	Immediate  PhaseConfig
	Rapid      PhaseConfig
	Steady     PhaseConfig
	Background PhaseConfig
}

// DefaultConfig returns the standard ramp: 30s of Critical-only, rapid
// drain to 2min, steady drain to 10min, then a reduced background sweep.
func DefaultConfig() Config {
	return Config{
		Immediate:  PhaseConfig{Target: 50, Duration: 30 * time.Second, RateMultiplier: 2.0, PriorityFloor: queue.PriorityCritical},
		Rapid:      PhaseConfig{Target: 500, Duration: 90 * time.Second, RateMultiplier: 1.5, PriorityFloor: queue.PriorityHigh},
		Steady:     PhaseConfig{Target: 0, Duration: 8 * time.Minute, RateMultiplier: 1.0, PriorityFloor: queue.PriorityLow},
		Background: PhaseConfig{Target: 0, Duration: 20 * time.Minute, RateMultiplier: 0.8, PriorityFloor: queue.PriorityLow},
	}
}

// Sink receives requests released by the ramp. The spawn service implements
// it, registering in-flight tracking before handing off to the owner.
type Sink interface {
	Dispatch(req queue.Request)
}

// PhaseStats is the per-phase slice of the orchestrator metrics snapshot.
type PhaseStats struct {
	Spawned int
	Elapsed time.Duration
}

// Metrics is the orchestrator metrics snapshot.
type Metrics struct {
	Phase        Phase
	StartedAt    time.Time
	TotalSpawned int
	PerPhase     map[string]PhaseStats
}

// Orchestrator advances the startup phases strictly by elapsed wall-clock
// time and, while a bulk phase is active, releases batches through the
// throttle gate restricted to the phase's priority floor.
type Orchestrator struct {
	mu  sync.Mutex
	cfg Config

	queue     *queue.Queue
	throttler *throttle.Throttler
	sink      Sink

	phase     Phase
	inPhase   time.Duration
	startedAt time.Time
	started   bool

	spawned [PhaseSteadyState + 1]int
	elapsed [PhaseSteadyState + 1]time.Duration
}

// New creates an orchestrator in the terminal steady-state; call
// BeginStartupSequence to arm the ramp.
func New(cfg Config, q *queue.Queue, th *throttle.Throttler, sink Sink) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		queue:     q,
		throttler: th,
		sink:      sink,
		phase:     PhaseSteadyState,
	}
	metrics.SetStartupPhase(float64(o.phase))
	return o
}

// BeginStartupSequence resets to the Immediate phase and records the start
// time.
func (o *Orchestrator) BeginStartupSequence() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.phase = PhaseImmediate
	o.inPhase = 0
	o.startedAt = time.Now()
	o.started = true
	o.spawned = [PhaseSteadyState + 1]int{}
	o.elapsed = [PhaseSteadyState + 1]time.Duration{}
	metrics.SetStartupPhase(float64(o.phase))
	logger := log.WithComponent("orchestrator")
	logger.Info().
		Str(log.FieldEvent, "startup.begin").
		Str(log.FieldPhase, o.phase.String()).
		Msg("startup spawn sequence armed")
}

// SetConfig swaps the per-phase tuning at runtime. The active phase keeps
// its elapsed time and spawn count and is measured against the new budgets
// from the next Update on.
func (o *Orchestrator) SetConfig(cfg Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

// EnqueueStartupBots bulk-loads the initial backlog. Duplicate IDs are
// skipped; the count of accepted requests is returned.
func (o *Orchestrator) EnqueueStartupBots(reqs []queue.Request) int {
	accepted := 0
	for _, r := range reqs {
		if r.EnqueuedAt.IsZero() {
			r.EnqueuedAt = time.Now()
		}
		if o.queue.Enqueue(r) {
			accepted++
		}
	}
	logger := log.WithComponent("orchestrator")
	logger.Info().
		Str(log.FieldEvent, "startup.backlog").
		Int("accepted", accepted).
		Int("offered", len(reqs)).
		Msg("startup backlog enqueued")
	return accepted
}

// Update advances the phase by elapsed time and, if the throttle gate is
// open, releases one batch restricted to the phase's priority floor. A
// phase ends on its timer regardless of whether its target was reached,
// which bounds total startup duration.
func (o *Orchestrator) Update(delta time.Duration) {
	o.mu.Lock()
	if !o.started || o.phase == PhaseSteadyState {
		o.mu.Unlock()
		return
	}

	o.inPhase += delta
	o.elapsed[o.phase] += delta
	for o.phase < PhaseSteadyState {
		pc := o.phaseConfigLocked(o.phase)
		if o.inPhase < pc.Duration {
			break
		}
		o.inPhase -= pc.Duration
		o.advanceLocked()
	}

	if o.phase == PhaseSteadyState {
		o.mu.Unlock()
		return
	}

	pc := o.phaseConfigLocked(o.phase)
	phase := o.phase
	remaining := -1
	if pc.Target > 0 {
		remaining = pc.Target - o.spawned[phase]
		if remaining <= 0 {
			o.mu.Unlock()
			return
		}
	}
	o.mu.Unlock()

	if o.throttler == nil || o.sink == nil || !o.throttler.CanSpawnNow() {
		return
	}

	size := o.throttler.BatchSize()
	if remaining >= 0 && size > remaining {
		size = remaining
	}

	released := 0
	for i := 0; i < size; i++ {
		req, ok := o.queue.DequeueNextAtOrAbove(pc.PriorityFloor)
		if !ok {
			break
		}
		o.sink.Dispatch(req)
		released++
	}
	if released > 0 {
		o.throttler.NoteBatchReleased(released)
		o.mu.Lock()
		o.spawned[phase] += released
		o.mu.Unlock()
	}
}

// IsStartupComplete reports whether the ramp has reached its terminal
// phase.
func (o *Orchestrator) IsStartupComplete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase == PhaseSteadyState
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// RateMultiplier implements throttle.PhaseSource. Steady-state applies no
// phase scaling.
func (o *Orchestrator) RateMultiplier() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.phase == PhaseSteadyState {
		return 1.0
	}
	return o.phaseConfigLocked(o.phase).RateMultiplier
}

// PriorityFloor returns the lowest tier the active phase drains.
func (o *Orchestrator) PriorityFloor() queue.Priority {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.phase == PhaseSteadyState {
		return queue.PriorityLow
	}
	return o.phaseConfigLocked(o.phase).PriorityFloor
}

// Metrics returns the per-phase counts and timings.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := Metrics{
		Phase:     o.phase,
		StartedAt: o.startedAt,
		PerPhase:  make(map[string]PhaseStats, int(PhaseSteadyState)),
	}
	for p := PhaseImmediate; p <= PhaseSteadyState; p++ {
		m.PerPhase[p.String()] = PhaseStats{Spawned: o.spawned[p], Elapsed: o.elapsed[p]}
		m.TotalSpawned += o.spawned[p]
	}
	return m
}

func (o *Orchestrator) phaseConfigLocked(p Phase) PhaseConfig {
	switch p {
	case PhaseImmediate:
		return o.cfg.Immediate
	case PhaseRapid:
		return o.cfg.Rapid
	case PhaseSteady:
		return o.cfg.Steady
	default:
		return o.cfg.Background
	}
}

// advanceLocked moves to the next phase. Caller must hold the lock.
func (o *Orchestrator) advanceLocked() {
	old := o.phase
	o.phase++
	metrics.SetStartupPhase(float64(o.phase))
	logger := log.WithComponent("orchestrator")
	logger.Info().
		Str(log.FieldEvent, "phase.advanced").
		Str(log.FieldOldState, old.String()).
		Str(log.FieldNewState, o.phase.String()).
		Int("spawned_in_phase", o.spawned[old]).
		Msg("startup phase advanced")
}
