package orchestrator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/travsart/spawngate/internal/queue"
	"github.com/travsart/spawngate/internal/throttle"
)

type recordingSink struct {
	mu   sync.Mutex
	reqs []queue.Request
}

func (s *recordingSink) Dispatch(req queue.Request) {
	s.mu.Lock()
	s.reqs = append(s.reqs, req)
	s.mu.Unlock()
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.reqs))
	for i, r := range s.reqs {
		out[i] = r.ID
	}
	return out
}

func openThrottler() *throttle.Throttler {
	cfg := throttle.DefaultConfig()
	cfg.MinBatchSize = 1
	cfg.MaxBatchSize = 10
	cfg.BaseBatchInterval = 0
	cfg.EnableBurstPrevention = false
	return throttle.New(cfg, nil, nil, nil)
}

func rampConfig() Config {
	cfg := DefaultConfig()
	cfg.Immediate.Duration = 30 * time.Second
	cfg.Immediate.Target = 0
	cfg.Rapid.Duration = 90 * time.Second
	cfg.Steady.Duration = 8 * time.Minute
	cfg.Background.Duration = 20 * time.Minute
	return cfg
}

func TestOrchestrator_SingleTransitionAtPhaseBoundary(t *testing.T) {
	o := New(rampConfig(), queue.New(), openThrottler(), &recordingSink{})
	o.BeginStartupSequence()

	transitions := 0
	prev := o.Phase()
	for tick := 0; tick < 35; tick++ {
		o.Update(time.Second)
		if p := o.Phase(); p != prev {
			transitions++
			prev = p
			if tick+1 != 30 {
				t.Fatalf("transition at t=%ds, want exactly t=30s", tick+1)
			}
		}
	}
	if transitions != 1 {
		t.Fatalf("transitions = %d over 35s, want 1", transitions)
	}
	if prev != PhaseRapid {
		t.Fatalf("phase after 35s = %v, want rapid", prev)
	}
}

func TestOrchestrator_PhaseMonotonicity(t *testing.T) {
	o := New(rampConfig(), queue.New(), openThrottler(), &recordingSink{})
	o.BeginStartupSequence()

	last := o.Phase()
	for tick := 0; tick < 45*60; tick++ {
		o.Update(time.Second)
		p := o.Phase()
		if p < last {
			t.Fatalf("phase regressed from %v to %v at t=%ds", last, p, tick+1)
		}
		last = p
	}
	if last != PhaseSteadyState {
		t.Fatalf("phase after full ramp = %v, want steady-state", last)
	}
	if !o.IsStartupComplete() {
		t.Fatal("IsStartupComplete must be true after the full ramp")
	}
}

func TestOrchestrator_ImmediatePhaseDrainsOnlyCritical(t *testing.T) {
	q := queue.New()
	sink := &recordingSink{}
	o := New(rampConfig(), q, openThrottler(), sink)
	o.BeginStartupSequence()

	o.EnqueueStartupBots([]queue.Request{
		{ID: "low-1", Priority: queue.PriorityLow},
		{ID: "crit-1", Priority: queue.PriorityCritical},
		{ID: "high-1", Priority: queue.PriorityHigh},
	})

	o.Update(time.Second)

	ids := sink.ids()
	if len(ids) != 1 || ids[0] != "crit-1" {
		t.Fatalf("dispatched %v during Immediate, want only crit-1", ids)
	}
	if q.TotalSize() != 2 {
		t.Fatalf("queue size = %d, want 2 parked requests", q.TotalSize())
	}
}

func TestOrchestrator_RapidPhaseDrainsHighAndAbove(t *testing.T) {
	q := queue.New()
	sink := &recordingSink{}
	cfg := rampConfig()
	o := New(cfg, q, openThrottler(), sink)
	o.BeginStartupSequence()

	o.EnqueueStartupBots([]queue.Request{
		{ID: "low-1", Priority: queue.PriorityLow},
		{ID: "high-1", Priority: queue.PriorityHigh},
	})

	// Jump into the Rapid phase.
	o.Update(30 * time.Second)
	if o.Phase() != PhaseRapid {
		t.Fatalf("phase = %v, want rapid", o.Phase())
	}
	o.Update(time.Second)

	ids := sink.ids()
	if len(ids) != 1 || ids[0] != "high-1" {
		t.Fatalf("dispatched %v during Rapid, want only high-1", ids)
	}
}

func TestOrchestrator_TargetBoundsPhaseSpawns(t *testing.T) {
	q := queue.New()
	sink := &recordingSink{}
	cfg := rampConfig()
	cfg.Immediate.Target = 2
	o := New(cfg, q, openThrottler(), sink)
	o.BeginStartupSequence()

	var backlog []queue.Request
	for i := 0; i < 5; i++ {
		backlog = append(backlog, queue.Request{ID: fmt.Sprintf("c%d", i), Priority: queue.PriorityCritical})
	}
	o.EnqueueStartupBots(backlog)

	for i := 0; i < 10; i++ {
		o.Update(time.Second)
	}

	if got := len(sink.ids()); got != 2 {
		t.Fatalf("dispatched %d during Immediate with target 2, want 2", got)
	}
}

func TestOrchestrator_RateMultiplierPerPhase(t *testing.T) {
	o := New(rampConfig(), queue.New(), openThrottler(), &recordingSink{})

	// Before the ramp is armed the orchestrator applies no scaling.
	if got := o.RateMultiplier(); got != 1.0 {
		t.Fatalf("steady-state multiplier = %v, want 1.0", got)
	}

	o.BeginStartupSequence()
	if got := o.RateMultiplier(); got != 2.0 {
		t.Fatalf("immediate multiplier = %v, want 2.0", got)
	}

	o.Update(30 * time.Second)
	if got := o.RateMultiplier(); got != 1.5 {
		t.Fatalf("rapid multiplier = %v, want 1.5", got)
	}

	o.Update(90 * time.Second)
	if got := o.RateMultiplier(); got != 1.0 {
		t.Fatalf("steady multiplier = %v, want 1.0", got)
	}
}

func TestOrchestrator_EnqueueStartupBotsSkipsDuplicates(t *testing.T) {
	o := New(rampConfig(), queue.New(), openThrottler(), &recordingSink{})
	accepted := o.EnqueueStartupBots([]queue.Request{
		{ID: "a", Priority: queue.PriorityNormal},
		{ID: "a", Priority: queue.PriorityNormal},
		{ID: "b", Priority: queue.PriorityNormal},
	})
	if accepted != 2 {
		t.Fatalf("accepted = %d, want 2", accepted)
	}
}

func TestOrchestrator_MetricsTracksPerPhase(t *testing.T) {
	q := queue.New()
	sink := &recordingSink{}
	o := New(rampConfig(), q, openThrottler(), sink)
	o.BeginStartupSequence()

	o.EnqueueStartupBots([]queue.Request{
		{ID: "c1", Priority: queue.PriorityCritical},
		{ID: "c2", Priority: queue.PriorityCritical},
	})
	o.Update(time.Second)

	m := o.Metrics()
	if m.Phase != PhaseImmediate {
		t.Fatalf("metrics phase = %v, want immediate", m.Phase)
	}
	if m.PerPhase["immediate"].Spawned != 2 {
		t.Fatalf("immediate spawned = %d, want 2", m.PerPhase["immediate"].Spawned)
	}
	if m.TotalSpawned != 2 {
		t.Fatalf("total spawned = %d, want 2", m.TotalSpawned)
	}
}
