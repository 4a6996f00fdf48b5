// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/travsart/spawngate/internal/orchestrator"
	"github.com/travsart/spawngate/internal/queue"
)

// duration accepts Go duration strings ("500ms", "45s") in YAML.
type duration time.Duration

func (d *duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(parsed)
	return nil
}

// fileConfig is the YAML schema. Fields are pointers so that an absent key
// leaves the underlying default untouched.
type fileConfig struct {
	Listen              *string   `yaml:"listen"`
	MetricsListen       *string   `yaml:"metricsListen"`
	LogLevel            *string   `yaml:"logLevel"`
	TickInterval        *duration `yaml:"tickInterval"`
	SampleInterval      *duration `yaml:"sampleInterval"`
	StarvationWarnAfter *duration `yaml:"starvationWarnAfter"`
	InflightWarnAfter   *duration `yaml:"inflightWarnAfter"`

	Throttle *struct {
		MinBatchSize             *int      `yaml:"minBatchSize"`
		MaxBatchSize             *int      `yaml:"maxBatchSize"`
		BatchInterval            *duration `yaml:"batchInterval"`
		AggressivenessMultiplier *float64  `yaml:"aggressivenessMultiplier"`
		Adaptive                 *bool     `yaml:"adaptive"`
		CircuitBreaker           *bool     `yaml:"circuitBreaker"`
		BurstPrevention          *bool     `yaml:"burstPrevention"`
		BurstWindow              *duration `yaml:"burstWindow"`
		BurstMaxRequests         *int      `yaml:"burstMaxRequests"`
	} `yaml:"throttle"`

	Monitor *struct {
		CPUElevated         *float64 `yaml:"cpuElevated"`
		CPUHigh             *float64 `yaml:"cpuHigh"`
		CPUCritical         *float64 `yaml:"cpuCritical"`
		MemoryElevated      *float64 `yaml:"memoryElevated"`
		MemoryHigh          *float64 `yaml:"memoryHigh"`
		MemoryCritical      *float64 `yaml:"memoryCritical"`
		ConnectionThreshold *float64 `yaml:"connectionThreshold"`
		HysteresisMargin    *float64 `yaml:"hysteresisMargin"`
	} `yaml:"monitor"`

	Breaker *struct {
		OpenThreshold  *float64  `yaml:"openThreshold"`
		CloseThreshold *float64  `yaml:"closeThreshold"`
		Cooldown       *duration `yaml:"cooldown"`
		RecoveryWindow *duration `yaml:"recoveryWindow"`
		FailureWindow  *duration `yaml:"failureWindow"`
		MinSamples     *int      `yaml:"minSamples"`
	} `yaml:"breaker"`

	Ramp *struct {
		Immediate  *filePhase `yaml:"immediate"`
		Rapid      *filePhase `yaml:"rapid"`
		Steady     *filePhase `yaml:"steady"`
		Background *filePhase `yaml:"background"`
	} `yaml:"ramp"`
}

type filePhase struct {
	Target         *int      `yaml:"target"`
	Duration       *duration `yaml:"duration"`
	RateMultiplier *float64  `yaml:"rateMultiplier"`
	PriorityFloor  *string   `yaml:"priorityFloor"`
}

// applyFile overlays the YAML file at path onto cfg. A missing file is not
// an error; a malformed one is.
func applyFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.Listen, fc.Listen)
	setString(&cfg.MetricsListen, fc.MetricsListen)
	setString(&cfg.LogLevel, fc.LogLevel)
	setDuration(&cfg.TickInterval, fc.TickInterval)
	setDuration(&cfg.SampleInterval, fc.SampleInterval)
	setDuration(&cfg.StarvationWarnAfter, fc.StarvationWarnAfter)
	setDuration(&cfg.InflightWarnAfter, fc.InflightWarnAfter)

	if t := fc.Throttle; t != nil {
		setInt(&cfg.Throttle.MinBatchSize, t.MinBatchSize)
		setInt(&cfg.Throttle.MaxBatchSize, t.MaxBatchSize)
		setDuration(&cfg.Throttle.BaseBatchInterval, t.BatchInterval)
		setFloat(&cfg.Throttle.AggressivenessMultiplier, t.AggressivenessMultiplier)
		setBool(&cfg.Throttle.EnableAdaptive, t.Adaptive)
		setBool(&cfg.Throttle.EnableCircuitBreaker, t.CircuitBreaker)
		setBool(&cfg.Throttle.EnableBurstPrevention, t.BurstPrevention)
		setDuration(&cfg.Throttle.BurstWindow, t.BurstWindow)
		setInt(&cfg.Throttle.BurstWindowMaxRequests, t.BurstMaxRequests)
	}

	if m := fc.Monitor; m != nil {
		setFloat(&cfg.Monitor.CPUElevated, m.CPUElevated)
		setFloat(&cfg.Monitor.CPUHigh, m.CPUHigh)
		setFloat(&cfg.Monitor.CPUCritical, m.CPUCritical)
		setFloat(&cfg.Monitor.MemoryElevated, m.MemoryElevated)
		setFloat(&cfg.Monitor.MemoryHigh, m.MemoryHigh)
		setFloat(&cfg.Monitor.MemoryCritical, m.MemoryCritical)
		setFloat(&cfg.Monitor.ConnectionThresholdPercent, m.ConnectionThreshold)
		setFloat(&cfg.Monitor.HysteresisMargin, m.HysteresisMargin)
	}

	if b := fc.Breaker; b != nil {
		setFloat(&cfg.Breaker.OpenThresholdPercent, b.OpenThreshold)
		setFloat(&cfg.Breaker.CloseThresholdPercent, b.CloseThreshold)
		setDuration(&cfg.Breaker.Cooldown, b.Cooldown)
		setDuration(&cfg.Breaker.RecoveryWindow, b.RecoveryWindow)
		setDuration(&cfg.Breaker.FailureWindow, b.FailureWindow)
		setInt(&cfg.Breaker.MinimumSampleSize, b.MinSamples)
	}

	if r := fc.Ramp; r != nil {
		if err := applyPhase(&cfg.Ramp.Immediate, r.Immediate); err != nil {
			return cfg, fmt.Errorf("ramp phase immediate: %w", err)
		}
		if err := applyPhase(&cfg.Ramp.Rapid, r.Rapid); err != nil {
			return cfg, fmt.Errorf("ramp phase rapid: %w", err)
		}
		if err := applyPhase(&cfg.Ramp.Steady, r.Steady); err != nil {
			return cfg, fmt.Errorf("ramp phase steady: %w", err)
		}
		if err := applyPhase(&cfg.Ramp.Background, r.Background); err != nil {
			return cfg, fmt.Errorf("ramp phase background: %w", err)
		}
	}

	return cfg, nil
}

func applyPhase(dst *orchestrator.PhaseConfig, src *filePhase) error {
	if src == nil {
		return nil
	}
	setInt(&dst.Target, src.Target)
	setDuration(&dst.Duration, src.Duration)
	setFloat(&dst.RateMultiplier, src.RateMultiplier)
	if src.PriorityFloor != nil {
		p, ok := queue.ParsePriority(*src.PriorityFloor)
		if !ok {
			return fmt.Errorf("unknown priority %q", *src.PriorityFloor)
		}
		dst.PriorityFloor = p
	}
	return nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

func setFloat(dst *float64, src *float64) {
	if src != nil {
		*dst = *src
	}
}

func setBool(dst *bool, src *bool) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *duration) {
	if src != nil {
		*dst = time.Duration(*src)
	}
}
