// Package spawn wires the admission components into one service: the tick
// driver, the owner-facing request API and the diagnostic surface.
package spawn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/travsart/spawngate/internal/breaker"
	"github.com/travsart/spawngate/internal/log"
	"github.com/travsart/spawngate/internal/metrics"
	"github.com/travsart/spawngate/internal/monitor"
	"github.com/travsart/spawngate/internal/orchestrator"
	"github.com/travsart/spawngate/internal/queue"
	"github.com/travsart/spawngate/internal/throttle"
)

// Dispatcher is the owner-side hand-off for released requests. Dispatch may
// start asynchronous provisioning work; the owner reports the outcome back
// through RecordOutcome.
type Dispatcher interface {
	Dispatch(req queue.Request)
}

// Options bundles the component tuning for one service instance.
type Options struct {
	// TickInterval drives Run's update cycle.
	TickInterval time.Duration
	// StarvationWarnAfter is the diagnostic age threshold for queued
	// low-priority requests.
	StarvationWarnAfter time.Duration
	// InflightWarnAfter is the diagnostic age threshold for dispatched
	// requests without an outcome.
	InflightWarnAfter time.Duration

	Monitor  monitor.Thresholds
	Breaker  breaker.Config
	Throttle throttle.Config
	Ramp     orchestrator.Config
}

// DefaultOptions returns the standard service tuning.
func DefaultOptions() Options {
	return Options{
		TickInterval:        100 * time.Millisecond,
		StarvationWarnAfter: 5 * time.Minute,
		InflightWarnAfter:   30 * time.Second,
		Monitor:             monitor.DefaultThresholds(),
		Breaker:             breaker.DefaultConfig(),
		Throttle:            throttle.DefaultConfig(),
		Ramp:                orchestrator.DefaultConfig(),
	}
}

type inflightEntry struct {
	req          queue.Request
	dispatchedAt time.Time
}

// Status is the externally visible service snapshot.
type Status struct {
	Phase           string           `json:"phase"`
	StartupComplete bool             `json:"startupComplete"`
	Pressure        string           `json:"pressure"`
	BreakerState    string           `json:"breakerState"`
	FailureRate     float64          `json:"failureRatePercent"`
	QueueDepths     map[string]int   `json:"queueDepths"`
	Inflight        int              `json:"inflight"`
	Throttle        throttle.Metrics `json:"throttle"`
	Summary         string           `json:"summary"`
}

// Service owns the admission components as explicit instances constructed
// once at init and handed to the tick driver; nothing reaches them through
// globals.
type Service struct {
	opts   Options
	logger zerolog.Logger

	mon  *monitor.Monitor
	q    *queue.Queue
	brk  *breaker.Breaker
	th   *throttle.Throttler
	orch *orchestrator.Orchestrator

	// mu guards opts, inflight and dispatcher; the owner may call the
	// outcome, enqueue and reconfigure entry points from its own
	// goroutines.
	mu         sync.Mutex
	inflight   map[string]inflightEntry
	dispatcher Dispatcher

	lastStarveWarn   time.Time
	lastInflightWarn time.Time
}

// New assembles a service from the given options.
func New(opts Options) *Service {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	if opts.StarvationWarnAfter <= 0 {
		opts.StarvationWarnAfter = 5 * time.Minute
	}
	if opts.InflightWarnAfter <= 0 {
		opts.InflightWarnAfter = 30 * time.Second
	}

	s := &Service{
		opts:     opts,
		logger:   log.WithComponent("spawn"),
		mon:      monitor.New(opts.Monitor),
		q:        queue.New(),
		brk:      breaker.New(opts.Breaker),
		inflight: make(map[string]inflightEntry),
	}
	s.th = throttle.New(opts.Throttle, s.mon, s.brk, nil)
	s.orch = orchestrator.New(opts.Ramp, s.q, s.th, s)
	s.th.SetPhaseSource(s.orch)
	return s
}

// Reconfigure applies fresh tuning to the running service. Component state
// (queue contents, breaker history, ramp progress) survives; only the knobs
// change. TickInterval takes effect on the next Run, not mid-loop.
func (s *Service) Reconfigure(opts Options) {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 100 * time.Millisecond
	}
	if opts.StarvationWarnAfter <= 0 {
		opts.StarvationWarnAfter = 5 * time.Minute
	}
	if opts.InflightWarnAfter <= 0 {
		opts.InflightWarnAfter = 30 * time.Second
	}

	s.mon.SetThresholds(opts.Monitor)
	s.brk.SetConfig(opts.Breaker)
	s.th.SetConfig(opts.Throttle)
	s.orch.SetConfig(opts.Ramp)

	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()

	s.logger.Info().
		Str(log.FieldEvent, "service.reconfigured").
		Msg("admission tuning reapplied")
}

// Monitor exposes the resource monitor so the owner can feed connection
// and worker counts.
func (s *Service) Monitor() *monitor.Monitor { return s.mon }

// Breaker exposes the circuit breaker for the manual reset endpoint.
func (s *Service) Breaker() *breaker.Breaker { return s.brk }

// Orchestrator exposes the startup ramp.
func (s *Service) Orchestrator() *orchestrator.Orchestrator { return s.orch }

// SetDispatcher registers the owner-side hand-off for tick-driven
// dispatch. Without one, the owner pulls via PollNextBatch.
func (s *Service) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	s.dispatcher = d
	s.mu.Unlock()
}

// EnqueueSpawnRequest queues a provisioning request and returns its ID.
func (s *Service) EnqueueSpawnRequest(priority queue.Priority, reason string) string {
	id := uuid.New().String()
	s.q.Enqueue(queue.Request{
		ID:         id,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		Reason:     reason,
	})
	s.logger.Debug().
		Str(log.FieldEvent, "request.enqueued").
		Str(log.FieldSpawnID, id).
		Str(log.FieldPriority, priority.String()).
		Str(log.FieldReason, reason).
		Msg("spawn request enqueued")
	return id
}

// CancelRequest removes a queued-but-not-yet-dispatched request. Once
// dispatched to the owner, a request cannot be cancelled here.
func (s *Service) CancelRequest(id string) bool {
	return s.q.Remove(id)
}

// PollNextBatch releases the next admission batch to a pulling owner. It
// returns nil when the gate is closed or the queue is drained.
func (s *Service) PollNextBatch() []queue.Request {
	if !s.th.CanSpawnNow() {
		return nil
	}
	size := s.th.BatchSize()
	floor := s.orch.PriorityFloor()

	batch := make([]queue.Request, 0, size)
	for i := 0; i < size; i++ {
		req, ok := s.q.DequeueNextAtOrAbove(floor)
		if !ok {
			break
		}
		s.track(req)
		batch = append(batch, req)
	}
	if len(batch) == 0 {
		return nil
	}
	s.th.NoteBatchReleased(len(batch))
	return batch
}

// Dispatch implements orchestrator.Sink: the ramp releases requests through
// the service so in-flight tracking stays in one place before the owner
// hand-off.
func (s *Service) Dispatch(req queue.Request) {
	s.track(req)
	s.mu.Lock()
	d := s.dispatcher
	s.mu.Unlock()
	if d != nil {
		d.Dispatch(req)
	}
}

// RecordOutcome resolves a dispatched request. Unknown IDs are logged and
// ignored; the admission loop never unwinds over a stray callback.
func (s *Service) RecordOutcome(id string, success bool, failureReason string) bool {
	s.mu.Lock()
	entry, ok := s.inflight[id]
	if ok {
		delete(s.inflight, id)
		metrics.SetInflightRequests(float64(len(s.inflight)))
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn().
			Str(log.FieldEvent, "outcome.unknown").
			Str(log.FieldSpawnID, id).
			Msg("outcome for unknown or already resolved request")
		return false
	}

	if success {
		s.th.RecordSuccess(entry.req)
	} else {
		s.th.RecordFailure(entry.req, failureReason)
		s.logger.Debug().
			Str(log.FieldEvent, "spawn.failed").
			Str(log.FieldSpawnID, id).
			Str(log.FieldReason, failureReason).
			Msg("spawn attempt failed")
	}
	return true
}

// BeginStartup arms the phased bulk ramp with the given backlog.
func (s *Service) BeginStartup(backlog []queue.Request) {
	s.orch.EnqueueStartupBots(backlog)
	s.orch.BeginStartupSequence()
}

// Tick runs one update cycle: monitor, then ramp, then throttler timers,
// then steady-state dispatch and the diagnostic scans.
func (s *Service) Tick(delta time.Duration) {
	s.mon.Update(delta)
	s.th.Update(delta)
	s.orch.Update(delta)

	if s.orch.IsStartupComplete() {
		s.mu.Lock()
		d := s.dispatcher
		s.mu.Unlock()
		if d != nil {
			for _, req := range s.PollNextBatch() {
				d.Dispatch(req)
			}
		}
	}

	s.scanStarvation()
	s.scanInflight()
}

// Run drives Tick until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	interval := s.opts.TickInterval
	s.mu.Unlock()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(now.Sub(last))
			last = now
		}
	}
}

// Summary renders the human-readable admission diagnostic.
func (s *Service) Summary() string {
	phase := s.orch.Phase()
	pressure := s.mon.PressureLevel()
	state := s.brk.GetState()

	if ok, reason := s.th.Gate(); !ok {
		switch reason {
		case throttle.ReasonBreakerOpen:
			return fmt.Sprintf("throttled: circuit breaker %s (failure rate %.1f%%)", state, s.brk.FailureRate())
		case throttle.ReasonPressure:
			return fmt.Sprintf("throttled: resource pressure %s", pressure)
		case throttle.ReasonBurst:
			return "throttled: burst window exhausted"
		default:
			return "throttled: batch interval pending"
		}
	}
	return fmt.Sprintf("admitting: phase %s, pressure %s, breaker %s", phase, pressure, state)
}

// Status returns the externally visible snapshot for the status API.
func (s *Service) Status() Status {
	s.mu.Lock()
	inflight := len(s.inflight)
	s.mu.Unlock()

	return Status{
		Phase:           s.orch.Phase().String(),
		StartupComplete: s.orch.IsStartupComplete(),
		Pressure:        s.mon.PressureLevel().String(),
		BreakerState:    string(s.brk.GetState()),
		FailureRate:     s.brk.FailureRate(),
		QueueDepths:     s.q.Depths(),
		Inflight:        inflight,
		Throttle:        s.th.Metrics(),
		Summary:         s.Summary(),
	}
}

func (s *Service) track(req queue.Request) {
	s.th.NoteAttempt(req)
	s.mu.Lock()
	s.inflight[req.ID] = inflightEntry{req: req, dispatchedAt: time.Now()}
	metrics.SetInflightRequests(float64(len(s.inflight)))
	s.mu.Unlock()
}

// scanStarvation emits the low-tier starvation diagnostic. Strict priority
// ordering accepts low-tier starvation under sustained high-tier load, so
// this only warns.
func (s *Service) scanStarvation() {
	oldest, ok := s.q.OldestWaiting(queue.PriorityLow)
	if !ok {
		return
	}
	s.mu.Lock()
	warnAfter := s.opts.StarvationWarnAfter
	s.mu.Unlock()
	age := time.Since(oldest)
	if age < warnAfter {
		return
	}
	if time.Since(s.lastStarveWarn) < 30*time.Second {
		return
	}
	s.lastStarveWarn = time.Now()
	metrics.RecordStarvationWarning()
	s.logger.Warn().
		Str(log.FieldEvent, "queue.starvation_risk").
		Str(log.FieldPriority, queue.PriorityLow.String()).
		Int64(log.FieldWaitedMS, age.Milliseconds()).
		Msg("low-priority requests aging beyond the diagnostic threshold")
}

// scanInflight warns about dispatched requests with no outcome yet. There
// is no hard cap and no auto-retry; the age is purely diagnostic.
func (s *Service) scanInflight() {
	s.mu.Lock()
	overdue := 0
	var oldest time.Duration
	for _, e := range s.inflight {
		age := time.Since(e.dispatchedAt)
		if age >= s.opts.InflightWarnAfter {
			overdue++
			if age > oldest {
				oldest = age
			}
		}
	}
	s.mu.Unlock()

	if overdue == 0 || time.Since(s.lastInflightWarn) < 30*time.Second {
		return
	}
	s.lastInflightWarn = time.Now()
	s.logger.Warn().
		Str(log.FieldEvent, "spawn.outcome_overdue").
		Int("overdue", overdue).
		Int64(log.FieldWaitedMS, oldest.Milliseconds()).
		Msg("dispatched requests without outcome beyond the diagnostic threshold")
}
