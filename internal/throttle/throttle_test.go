package throttle

import (
	"testing"
	"time"

	"github.com/travsart/spawngate/internal/breaker"
	"github.com/travsart/spawngate/internal/monitor"
	"github.com/travsart/spawngate/internal/queue"
)

type fixedPhase struct{ mult float64 }

func (f fixedPhase) RateMultiplier() float64 { return f.mult }

func testMonitorAt(t *testing.T, cpu, mem float64) *monitor.Monitor {
	t.Helper()
	m := monitor.New(monitor.DefaultThresholds())
	for i := 0; i < 10; i++ {
		m.ObserveUsage(cpu, mem)
		m.Update(50 * time.Millisecond)
	}
	return m
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinBatchSize = 2
	cfg.MaxBatchSize = 20
	cfg.BaseBatchInterval = 100 * time.Millisecond
	return cfg
}

func TestThrottler_IntervalGate(t *testing.T) {
	th := New(testConfig(), testMonitorAt(t, 10, 10), breaker.New(breaker.DefaultConfig()), nil)

	// The constructor pre-elapses the interval so the first batch releases.
	if ok, reason := th.Gate(); !ok {
		t.Fatalf("gate closed at start: %s", reason)
	}

	th.NoteBatchReleased(5)
	if ok, reason := th.Gate(); ok || reason != ReasonInterval {
		t.Fatalf("gate = %v/%s, want closed/interval_pending right after a batch", ok, reason)
	}

	th.Update(150 * time.Millisecond)
	if ok, _ := th.Gate(); !ok {
		t.Fatal("gate must reopen once the interval elapsed")
	}
}

func TestThrottler_PressureGate(t *testing.T) {
	th := New(testConfig(), testMonitorAt(t, 95, 10), breaker.New(breaker.DefaultConfig()), nil)
	th.Update(time.Second)

	ok, reason := th.Gate()
	if ok || reason != ReasonPressure {
		t.Fatalf("gate = %v/%s, want closed/resource_critical", ok, reason)
	}
}

func TestThrottler_BreakerGate(t *testing.T) {
	bcfg := breaker.Config{
		OpenThresholdPercent: 10, CloseThresholdPercent: 5,
		Cooldown: time.Minute, RecoveryWindow: 10 * time.Second,
		FailureWindow: time.Minute, MinimumSampleSize: 5,
	}
	brk := breaker.New(bcfg)
	th := New(testConfig(), testMonitorAt(t, 10, 10), brk, nil)
	th.Update(time.Second)

	for i := 0; i < 10; i++ {
		brk.RecordFailure()
	}
	ok, reason := th.Gate()
	if ok || reason != ReasonBreakerOpen {
		t.Fatalf("gate = %v/%s, want closed/breaker_open", ok, reason)
	}
}

func TestThrottler_BatchSizeClamped(t *testing.T) {
	mon := testMonitorAt(t, 10, 10)
	brk := breaker.New(breaker.DefaultConfig())

	for _, phase := range []float64{0.0, 0.1, 1.0, 1.5, 10.0} {
		th := New(testConfig(), mon, brk, fixedPhase{phase})
		got := th.BatchSize()
		if got < 2 || got > 20 {
			t.Fatalf("BatchSize = %d with phase mult %v, want within [2, 20]", got, phase)
		}
	}

	// Zero resource multiplier still yields the minimum, not zero.
	th := New(testConfig(), testMonitorAt(t, 95, 10), brk, fixedPhase{1.0})
	if got := th.BatchSize(); got != 2 {
		t.Fatalf("BatchSize = %d under critical pressure, want min 2", got)
	}
}

func TestThrottler_FailureMultiplierSlowsBatches(t *testing.T) {
	mon := testMonitorAt(t, 10, 10)

	healthy := New(testConfig(), mon, breaker.New(breaker.DefaultConfig()), fixedPhase{1.0})
	full := healthy.BatchSize()

	// A breaker at 60% of its open threshold should shrink batches before
	// any state transition happens.
	bcfg := breaker.DefaultConfig() // open threshold 50%
	bcfg.MinimumSampleSize = 100    // keep it closed for this test
	brk := breaker.New(bcfg)
	for i := 0; i < 3; i++ {
		brk.RecordFailure()
	}
	for i := 0; i < 7; i++ {
		brk.RecordSuccess()
	}

	degraded := New(testConfig(), mon, brk, fixedPhase{1.0})
	got := degraded.BatchSize()
	if got >= full {
		t.Fatalf("BatchSize = %d with elevated failure rate, want < %d", got, full)
	}
	if got < 2 {
		t.Fatalf("BatchSize = %d, must not fall below the configured minimum", got)
	}
}

func TestThrottler_RecommendedDelayGrowsUnderPressure(t *testing.T) {
	cfg := testConfig()

	normal := New(cfg, testMonitorAt(t, 10, 10), nil, nil)
	elevated := New(cfg, testMonitorAt(t, 65, 10), nil, nil)
	critical := New(cfg, testMonitorAt(t, 95, 10), nil, nil)

	dNormal := normal.RecommendedDelay()
	dElevated := elevated.RecommendedDelay()
	dCritical := critical.RecommendedDelay()

	if dNormal != cfg.BaseBatchInterval {
		t.Fatalf("normal delay = %v, want base %v", dNormal, cfg.BaseBatchInterval)
	}
	if dElevated <= dNormal {
		t.Fatalf("elevated delay %v must exceed normal %v", dElevated, dNormal)
	}
	if dCritical != cfg.BaseBatchInterval*10 {
		t.Fatalf("critical delay = %v, want capped at 10x base", dCritical)
	}
}

func TestThrottler_BurstPrevention(t *testing.T) {
	cfg := testConfig()
	cfg.BurstWindow = 10 * time.Second
	cfg.BurstWindowMaxRequests = 10

	th := New(cfg, testMonitorAt(t, 10, 10), nil, nil)
	th.Update(time.Second)

	if ok, _ := th.Gate(); !ok {
		t.Fatal("gate must start open")
	}

	// Drain the whole burst budget in one go.
	th.NoteBatchReleased(10)
	th.Update(time.Second)

	ok, reason := th.Gate()
	if ok || reason != ReasonBurst {
		t.Fatalf("gate = %v/%s, want closed/burst_limit after budget drained", ok, reason)
	}
}

func TestThrottler_BurstBudgetCapsWindowTotal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBatchSize = 25
	cfg.BurstWindow = 10 * time.Second
	cfg.BurstWindowMaxRequests = 10

	th := New(cfg, testMonitorAt(t, 10, 10), nil, fixedPhase{1.0})
	th.Update(time.Second)

	// Keep releasing whole batches until the gate closes. The window budget
	// must bound the total no matter how large each batch wants to be.
	total := 0
	for i := 0; i < 20; i++ {
		ok, _ := th.Gate()
		if !ok {
			break
		}
		n := th.BatchSize()
		if n > cfg.BurstWindowMaxRequests {
			t.Fatalf("BatchSize = %d, must never exceed window budget %d", n, cfg.BurstWindowMaxRequests)
		}
		total += n
		th.NoteBatchReleased(n)
		th.Update(150 * time.Millisecond)
	}

	if total > cfg.BurstWindowMaxRequests {
		t.Fatalf("released %d requests inside one window, want at most %d", total, cfg.BurstWindowMaxRequests)
	}
	if ok, reason := th.Gate(); ok || reason != ReasonBurst {
		t.Fatalf("gate = %v/%s, want closed/burst_limit once the budget is spent", ok, reason)
	}
}

func TestThrottler_BurstOverReleaseStillCharged(t *testing.T) {
	cfg := testConfig()
	cfg.BurstWindow = 10 * time.Second
	cfg.BurstWindowMaxRequests = 10

	th := New(cfg, testMonitorAt(t, 10, 10), nil, nil)
	th.Update(time.Second)

	// Releasing more than the remaining budget must still debit the window
	// rather than silently leaving it full.
	th.NoteBatchReleased(15)
	th.Update(time.Second)

	if ok, reason := th.Gate(); ok || reason != ReasonBurst {
		t.Fatalf("gate = %v/%s, want closed/burst_limit after over-release", ok, reason)
	}
	if got := th.BatchSize(); got != 0 {
		t.Fatalf("BatchSize = %d with exhausted window, want 0", got)
	}
}

func TestThrottler_SetConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BurstWindow = 10 * time.Second
	cfg.BurstWindowMaxRequests = 10

	th := New(cfg, testMonitorAt(t, 10, 10), nil, fixedPhase{1.0})
	th.NoteBatchReleased(10)

	// An unrelated retune must not hand back the spent burst budget.
	cfg.MaxBatchSize = 40
	th.SetConfig(cfg)
	th.Update(time.Second)
	if ok, reason := th.Gate(); ok || reason != ReasonBurst {
		t.Fatalf("gate = %v/%s, want closed/burst_limit across an unrelated retune", ok, reason)
	}

	// Changing the window itself rebuilds the limiter with a fresh budget.
	cfg.BurstWindowMaxRequests = 50
	th.SetConfig(cfg)
	if ok, reason := th.Gate(); !ok {
		t.Fatalf("gate closed (%s) after the burst window was re-tuned", reason)
	}
	if got := th.BatchSize(); got > 40 {
		t.Fatalf("BatchSize = %d, want bounded by the new max 40", got)
	}
}

func TestThrottler_CumulativeCounters(t *testing.T) {
	th := New(testConfig(), nil, nil, nil)
	req := queue.Request{ID: "r1", Priority: queue.PriorityHigh}

	th.NoteAttempt(req)
	th.NoteAttempt(req)
	th.RecordSuccess(req)
	th.RecordFailure(req, "world_full")
	th.NoteBatchReleased(2)

	m := th.Metrics()
	if m.Attempts != 2 || m.Successes != 1 || m.Failures != 1 || m.Batches != 1 {
		t.Fatalf("metrics = %+v, want attempts=2 successes=1 failures=1 batches=1", m)
	}

	th.Reset()
	if m := th.Metrics(); m != (Metrics{}) {
		t.Fatalf("metrics after Reset = %+v, want zeroes", m)
	}
}
