// Package monitor maintains a smoothed view of host resource pressure for
// spawn admission decisions.
package monitor

import (
	"sync"
	"time"

	"github.com/travsart/spawngate/internal/log"
	"github.com/travsart/spawngate/internal/metrics"
)

// Level classifies current host resource pressure.
type Level int

const (
	LevelNormal Level = iota
	LevelElevated
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelElevated:
		return "elevated"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Metrics is an immutable snapshot of the observed host state. Consumers
// always receive a copy, never a live reference.
type Metrics struct {
	CPUUsagePercent    float64
	MemoryUsagePercent float64
	ActiveConnections  int
	MaxConnections     int
	ActiveWorkers      int
	Timestamp          time.Time
}

// Thresholds holds the pressure classification boundaries in percent.
type Thresholds struct {
	CPUElevated float64
	CPUHigh     float64
	CPUCritical float64

	MemoryElevated float64
	MemoryHigh     float64
	MemoryCritical float64

	// ConnectionThresholdPercent raises the level to at least High once the
	// connection pool is this full.
	ConnectionThresholdPercent float64

	// HysteresisMargin is subtracted from a boundary before the level may
	// downgrade across it, damping flapping near a boundary.
	HysteresisMargin float64
}

// DefaultThresholds returns the standard classification boundaries.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUElevated:                60,
		CPUHigh:                    75,
		CPUCritical:                85,
		MemoryElevated:             70,
		MemoryHigh:                 80,
		MemoryCritical:             90,
		ConnectionThresholdPercent: 90,
		HysteresisMargin:           5,
	}
}

// Window sizes for the moving averages, in samples.
const (
	shortWindow  = 5
	mediumWindow = 30
	longWindow   = 120
)

// Monitor owns a bounded history of resource samples and derives a smoothed
// pressure level from it. The sampler goroutine writes observations through
// Observe*, the tick driver reads through the Get* methods; a single mutex
// guards the swap so readers never see a torn snapshot.
type Monitor struct {
	mu         sync.Mutex
	thresholds Thresholds

	current Metrics
	history [longWindow]Metrics
	head    int
	count   int

	level Level
}

// New creates a monitor with the given thresholds.
func New(t Thresholds) *Monitor {
	return &Monitor{
		thresholds: t,
		current:    Metrics{Timestamp: time.Now()},
	}
}

// SetThresholds swaps the classification boundaries at runtime. The next
// Update reclassifies against them; sample history is untouched.
func (m *Monitor) SetThresholds(t Thresholds) {
	m.mu.Lock()
	m.thresholds = t
	m.mu.Unlock()
}

// ObserveUsage records the latest CPU and memory usage sample. The
// background sampler is the single writer of these two fields.
func (m *Monitor) ObserveUsage(cpuPercent, memPercent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.CPUUsagePercent = clampPercent(cpuPercent)
	m.current.MemoryUsagePercent = clampPercent(memPercent)
}

// ObserveConnections records the current connection pool usage.
func (m *Monitor) ObserveConnections(active, max int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.ActiveConnections = active
	m.current.MaxConnections = max
}

// ObserveWorkers records the current live worker count.
func (m *Monitor) ObserveWorkers(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.ActiveWorkers = n
}

// Update stamps the current observation into the history ring and
// recomputes the smoothed pressure level. It runs on the hot tick path and
// performs no I/O.
func (m *Monitor) Update(delta time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current.Timestamp = time.Now()
	m.history[m.head] = m.current
	m.head = (m.head + 1) % longWindow
	if m.count < longWindow {
		m.count++
	}

	prev := m.level
	m.level = m.classifyLocked()
	if m.level != prev {
		logger := log.WithComponent("monitor")
		logger.Info().
			Str(log.FieldEvent, "pressure.changed").
			Str(log.FieldOldState, prev.String()).
			Str(log.FieldNewState, m.level.String()).
			Float64("cpu_pct", m.current.CPUUsagePercent).
			Float64("mem_pct", m.current.MemoryUsagePercent).
			Msg("resource pressure level changed")
	}
	metrics.SetPressureLevel(float64(m.level))
}

// CurrentMetrics returns a copy of the latest snapshot.
func (m *Monitor) CurrentMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SmoothedUsage returns the short, medium and long moving averages of CPU
// and memory usage.
func (m *Monitor) SmoothedUsage() (shortAvg, mediumAvg, longAvg Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageLocked(shortWindow), m.averageLocked(mediumWindow), m.averageLocked(longWindow)
}

// PressureLevel returns the current smoothed classification.
func (m *Monitor) PressureLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// IsSpawningSafe reports whether admission is allowed at all. Only Critical
// pressure hard-blocks spawning.
func (m *Monitor) IsSpawningSafe() bool {
	return m.PressureLevel() != LevelCritical
}

// RecommendedRateMultiplier returns an advisory batch scale factor in
// [0.0, 1.0], non-increasing as pressure rises. It is never a hard gate on
// its own; the throttler combines it with the breaker and phase signals.
func (m *Monitor) RecommendedRateMultiplier() float64 {
	switch m.PressureLevel() {
	case LevelNormal:
		return 1.0
	case LevelElevated:
		return 0.7
	case LevelHigh:
		return 0.4
	default:
		return 0.0
	}
}

func (m *Monitor) averageLocked(window int) Metrics {
	n := window
	if n > m.count {
		n = m.count
	}
	if n == 0 {
		return m.current
	}
	var cpu, mem float64
	for i := 0; i < n; i++ {
		idx := (m.head - 1 - i + longWindow) % longWindow
		cpu += m.history[idx].CPUUsagePercent
		mem += m.history[idx].MemoryUsagePercent
	}
	avg := m.current
	avg.CPUUsagePercent = cpu / float64(n)
	avg.MemoryUsagePercent = mem / float64(n)
	return avg
}

// classifyLocked derives the combined pressure level from the short-window
// averages. Downgrades require dropping below boundary-margin so the level
// does not flap around a boundary.
func (m *Monitor) classifyLocked() Level {
	avg := m.averageLocked(shortWindow)
	t := m.thresholds

	raw := maxLevel(
		classify(avg.CPUUsagePercent, t.CPUElevated, t.CPUHigh, t.CPUCritical),
		classify(avg.MemoryUsagePercent, t.MemoryElevated, t.MemoryHigh, t.MemoryCritical),
	)
	if m.connectionsSaturatedLocked() && raw < LevelHigh {
		raw = LevelHigh
	}

	if raw >= m.level {
		return raw
	}

	// Downgrade path: reclassify against boundaries pulled down by the
	// hysteresis margin. The value must clear the margin to drop a level.
	damped := maxLevel(
		classify(avg.CPUUsagePercent, t.CPUElevated-t.HysteresisMargin, t.CPUHigh-t.HysteresisMargin, t.CPUCritical-t.HysteresisMargin),
		classify(avg.MemoryUsagePercent, t.MemoryElevated-t.HysteresisMargin, t.MemoryHigh-t.HysteresisMargin, t.MemoryCritical-t.HysteresisMargin),
	)
	if m.connectionsSaturatedLocked() && damped < LevelHigh {
		damped = LevelHigh
	}
	if damped > m.level {
		return m.level
	}
	return damped
}

func (m *Monitor) connectionsSaturatedLocked() bool {
	if m.current.MaxConnections <= 0 || m.thresholds.ConnectionThresholdPercent <= 0 {
		return false
	}
	used := float64(m.current.ActiveConnections) / float64(m.current.MaxConnections) * 100
	return used >= m.thresholds.ConnectionThresholdPercent
}

func classify(value, elevated, high, critical float64) Level {
	switch {
	case value > critical:
		return LevelCritical
	case value > high:
		return LevelHigh
	case value > elevated:
		return LevelElevated
	default:
		return LevelNormal
	}
}

func maxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
