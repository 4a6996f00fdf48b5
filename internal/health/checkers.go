// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"

	"github.com/travsart/spawngate/internal/breaker"
	"github.com/travsart/spawngate/internal/monitor"
)

// BreakerChecker reports the circuit breaker state. An open breaker is
// degraded, not unhealthy: the breaker recovers on its own.
type BreakerChecker struct {
	Breaker *breaker.Breaker
}

func (c *BreakerChecker) Name() string { return "circuit_breaker" }

func (c *BreakerChecker) Check(_ context.Context) CheckResult {
	state := c.Breaker.GetState()
	switch state {
	case breaker.StateOpen:
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("breaker open, failure rate %.1f%%", c.Breaker.FailureRate()),
		}
	case breaker.StateHalfOpen:
		return CheckResult{Status: StatusDegraded, Message: "breaker probing recovery"}
	default:
		return CheckResult{Status: StatusHealthy}
	}
}

// PressureChecker reports the resource pressure level. Critical pressure is
// degraded; Elevated and High still admit work.
type PressureChecker struct {
	Monitor *monitor.Monitor
}

func (c *PressureChecker) Name() string { return "resource_pressure" }

func (c *PressureChecker) Check(_ context.Context) CheckResult {
	level := c.Monitor.PressureLevel()
	if level == monitor.LevelCritical {
		m := c.Monitor.CurrentMetrics()
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("critical pressure: cpu %.1f%%, memory %.1f%%", m.CPUUsagePercent, m.MemoryUsagePercent),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: level.String()}
}
