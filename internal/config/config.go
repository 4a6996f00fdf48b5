// SPDX-License-Identifier: MIT

// Package config loads and validates the daemon configuration. Values are
// layered: built-in defaults, then the optional YAML file, then environment
// variables. A config that fails validation is never applied.
package config

import (
	"fmt"
	"time"

	"github.com/travsart/spawngate/internal/breaker"
	"github.com/travsart/spawngate/internal/monitor"
	"github.com/travsart/spawngate/internal/orchestrator"
	"github.com/travsart/spawngate/internal/spawn"
	"github.com/travsart/spawngate/internal/throttle"
)

// Config is the full daemon configuration.
type Config struct {
	// Listen is the bind address of the admission API.
	Listen string
	// MetricsListen is the bind address of the Prometheus endpoint.
	MetricsListen string
	LogLevel      string

	// TickInterval drives the admission update cycle.
	TickInterval time.Duration
	// SampleInterval drives the background CPU/memory sampler.
	SampleInterval time.Duration

	StarvationWarnAfter time.Duration
	InflightWarnAfter   time.Duration

	Throttle throttle.Config
	Monitor  monitor.Thresholds
	Breaker  breaker.Config
	Ramp     orchestrator.Config
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:              ":8080",
		MetricsListen:       ":9090",
		LogLevel:            "info",
		TickInterval:        100 * time.Millisecond,
		SampleInterval:      time.Second,
		StarvationWarnAfter: 5 * time.Minute,
		InflightWarnAfter:   30 * time.Second,
		Throttle:            throttle.DefaultConfig(),
		Monitor:             monitor.DefaultThresholds(),
		Breaker:             breaker.DefaultConfig(),
		Ramp:                orchestrator.DefaultConfig(),
	}
}

// ServiceOptions maps the configuration onto spawn service options.
func (c Config) ServiceOptions() spawn.Options {
	return spawn.Options{
		TickInterval:        c.TickInterval,
		StarvationWarnAfter: c.StarvationWarnAfter,
		InflightWarnAfter:   c.InflightWarnAfter,
		Monitor:             c.Monitor,
		Breaker:             c.Breaker,
		Throttle:            c.Throttle,
		Ramp:                c.Ramp,
	}
}

// Validate rejects configurations that cannot run. Errors here are fatal at
// startup and veto a hot reload.
func Validate(c Config) error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be positive, got %s", c.SampleInterval)
	}

	t := c.Throttle
	if t.MinBatchSize < 1 {
		return fmt.Errorf("min batch size must be at least 1, got %d", t.MinBatchSize)
	}
	if t.MaxBatchSize < t.MinBatchSize {
		return fmt.Errorf("max batch size %d is below min batch size %d", t.MaxBatchSize, t.MinBatchSize)
	}
	if t.BaseBatchInterval < 0 {
		return fmt.Errorf("batch interval must not be negative, got %s", t.BaseBatchInterval)
	}
	if t.AggressivenessMultiplier <= 0 {
		return fmt.Errorf("aggressiveness multiplier must be positive, got %g", t.AggressivenessMultiplier)
	}
	if t.EnableBurstPrevention {
		if t.BurstWindow <= 0 {
			return fmt.Errorf("burst window must be positive, got %s", t.BurstWindow)
		}
		if t.BurstWindowMaxRequests < 1 {
			return fmt.Errorf("burst window max requests must be at least 1, got %d", t.BurstWindowMaxRequests)
		}
	}

	if err := validateThresholds(c.Monitor); err != nil {
		return err
	}

	b := c.Breaker
	if b.OpenThresholdPercent <= 0 || b.OpenThresholdPercent > 100 {
		return fmt.Errorf("breaker open threshold must be in (0, 100], got %g", b.OpenThresholdPercent)
	}
	if b.CloseThresholdPercent < 0 || b.CloseThresholdPercent >= b.OpenThresholdPercent {
		return fmt.Errorf("breaker close threshold %g must be below open threshold %g", b.CloseThresholdPercent, b.OpenThresholdPercent)
	}
	if b.Cooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive, got %s", b.Cooldown)
	}
	if b.RecoveryWindow <= 0 {
		return fmt.Errorf("breaker recovery window must be positive, got %s", b.RecoveryWindow)
	}
	if b.FailureWindow <= 0 {
		return fmt.Errorf("breaker failure window must be positive, got %s", b.FailureWindow)
	}
	if b.MinimumSampleSize < 1 {
		return fmt.Errorf("breaker minimum sample size must be at least 1, got %d", b.MinimumSampleSize)
	}

	for _, pc := range []struct {
		name  string
		phase orchestrator.PhaseConfig
	}{
		{"immediate", c.Ramp.Immediate},
		{"rapid", c.Ramp.Rapid},
		{"steady", c.Ramp.Steady},
		{"background", c.Ramp.Background},
	} {
		if pc.phase.Duration <= 0 {
			return fmt.Errorf("ramp phase %s duration must be positive, got %s", pc.name, pc.phase.Duration)
		}
		if pc.phase.RateMultiplier < 0 {
			return fmt.Errorf("ramp phase %s rate multiplier must not be negative, got %g", pc.name, pc.phase.RateMultiplier)
		}
	}

	return nil
}

func validateThresholds(th monitor.Thresholds) error {
	for _, v := range []struct {
		name  string
		value float64
	}{
		{"cpu elevated", th.CPUElevated},
		{"cpu high", th.CPUHigh},
		{"cpu critical", th.CPUCritical},
		{"memory elevated", th.MemoryElevated},
		{"memory high", th.MemoryHigh},
		{"memory critical", th.MemoryCritical},
		{"connection threshold", th.ConnectionThresholdPercent},
	} {
		if v.value <= 0 || v.value > 100 {
			return fmt.Errorf("%s threshold must be in (0, 100], got %g", v.name, v.value)
		}
	}
	if !(th.CPUElevated < th.CPUHigh && th.CPUHigh < th.CPUCritical) {
		return fmt.Errorf("cpu thresholds must ascend: %g < %g < %g", th.CPUElevated, th.CPUHigh, th.CPUCritical)
	}
	if !(th.MemoryElevated < th.MemoryHigh && th.MemoryHigh < th.MemoryCritical) {
		return fmt.Errorf("memory thresholds must ascend: %g < %g < %g", th.MemoryElevated, th.MemoryHigh, th.MemoryCritical)
	}
	if th.HysteresisMargin < 0 || th.HysteresisMargin >= th.CPUElevated {
		return fmt.Errorf("hysteresis margin %g must be non-negative and below the lowest boundary", th.HysteresisMargin)
	}
	return nil
}
