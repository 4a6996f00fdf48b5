// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/travsart/spawngate/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default value. It logs the source for observability.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			logger.Debug().
				Str("key", key).
				Str("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		}
		logger.Debug().
			Str("key", key).
			Str("value", v).
			Str("source", "environment").
			Msg("using environment variable")
		return v
	}
	logger.Debug().
		Str("key", key).
		Str("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer from an environment variable or returns the
// default value. It falls back to the default on parse errors.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			logger.Debug().
				Str("key", key).
				Int("value", i).
				Str("source", "environment").
				Msg("using environment variable")
			return i
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
	}
	return defaultValue
}

// ParseFloat reads a float64 from an environment variable or returns the
// default value.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			logger.Debug().
				Str("key", key).
				Float64("value", f).
				Str("source", "environment").
				Msg("using environment variable")
			return f
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
	}
	return defaultValue
}

// ParseBool reads a boolean from an environment variable or returns the
// default value. It accepts "true", "false", "1", "0", "yes", "no"
// (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		switch strings.ToLower(v) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		default:
			logger.Warn().
				Str("key", key).
				Str("value", v).
				Bool("default", defaultValue).
				Msg("invalid boolean in environment variable, using default")
		}
	}
	return defaultValue
}

// ParseDuration reads a duration from an environment variable in Go
// duration format (e.g. "5s"). It falls back to the default on parse
// errors or empty variables.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			logger.Debug().
				Str("key", key).
				Dur("value", d).
				Str("source", "environment").
				Msg("using environment variable")
			return d
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
	}
	return defaultValue
}

// applyEnv overlays SPAWNGATE_* environment variables onto cfg.
func applyEnv(cfg Config) Config {
	cfg.Listen = ParseString("SPAWNGATE_LISTEN", cfg.Listen)
	cfg.MetricsListen = ParseString("SPAWNGATE_METRICS_LISTEN", cfg.MetricsListen)
	cfg.LogLevel = ParseString("SPAWNGATE_LOG_LEVEL", cfg.LogLevel)
	cfg.TickInterval = ParseDuration("SPAWNGATE_TICK_INTERVAL", cfg.TickInterval)
	cfg.SampleInterval = ParseDuration("SPAWNGATE_SAMPLE_INTERVAL", cfg.SampleInterval)
	cfg.StarvationWarnAfter = ParseDuration("SPAWNGATE_STARVATION_WARN_AFTER", cfg.StarvationWarnAfter)
	cfg.InflightWarnAfter = ParseDuration("SPAWNGATE_INFLIGHT_WARN_AFTER", cfg.InflightWarnAfter)

	cfg.Throttle.MinBatchSize = ParseInt("SPAWNGATE_MIN_BATCH_SIZE", cfg.Throttle.MinBatchSize)
	cfg.Throttle.MaxBatchSize = ParseInt("SPAWNGATE_MAX_BATCH_SIZE", cfg.Throttle.MaxBatchSize)
	cfg.Throttle.BaseBatchInterval = ParseDuration("SPAWNGATE_BATCH_INTERVAL", cfg.Throttle.BaseBatchInterval)
	cfg.Throttle.AggressivenessMultiplier = ParseFloat("SPAWNGATE_AGGRESSIVENESS", cfg.Throttle.AggressivenessMultiplier)
	cfg.Throttle.EnableAdaptive = ParseBool("SPAWNGATE_ADAPTIVE_ENABLED", cfg.Throttle.EnableAdaptive)
	cfg.Throttle.EnableCircuitBreaker = ParseBool("SPAWNGATE_BREAKER_ENABLED", cfg.Throttle.EnableCircuitBreaker)
	cfg.Throttle.EnableBurstPrevention = ParseBool("SPAWNGATE_BURST_PREVENTION_ENABLED", cfg.Throttle.EnableBurstPrevention)
	cfg.Throttle.BurstWindow = ParseDuration("SPAWNGATE_BURST_WINDOW", cfg.Throttle.BurstWindow)
	cfg.Throttle.BurstWindowMaxRequests = ParseInt("SPAWNGATE_BURST_MAX_REQUESTS", cfg.Throttle.BurstWindowMaxRequests)

	cfg.Monitor.CPUElevated = ParseFloat("SPAWNGATE_CPU_ELEVATED", cfg.Monitor.CPUElevated)
	cfg.Monitor.CPUHigh = ParseFloat("SPAWNGATE_CPU_HIGH", cfg.Monitor.CPUHigh)
	cfg.Monitor.CPUCritical = ParseFloat("SPAWNGATE_CPU_CRITICAL", cfg.Monitor.CPUCritical)
	cfg.Monitor.MemoryElevated = ParseFloat("SPAWNGATE_MEMORY_ELEVATED", cfg.Monitor.MemoryElevated)
	cfg.Monitor.MemoryHigh = ParseFloat("SPAWNGATE_MEMORY_HIGH", cfg.Monitor.MemoryHigh)
	cfg.Monitor.MemoryCritical = ParseFloat("SPAWNGATE_MEMORY_CRITICAL", cfg.Monitor.MemoryCritical)
	cfg.Monitor.ConnectionThresholdPercent = ParseFloat("SPAWNGATE_CONNECTION_THRESHOLD", cfg.Monitor.ConnectionThresholdPercent)
	cfg.Monitor.HysteresisMargin = ParseFloat("SPAWNGATE_HYSTERESIS_MARGIN", cfg.Monitor.HysteresisMargin)

	cfg.Breaker.OpenThresholdPercent = ParseFloat("SPAWNGATE_BREAKER_OPEN_THRESHOLD", cfg.Breaker.OpenThresholdPercent)
	cfg.Breaker.CloseThresholdPercent = ParseFloat("SPAWNGATE_BREAKER_CLOSE_THRESHOLD", cfg.Breaker.CloseThresholdPercent)
	cfg.Breaker.Cooldown = ParseDuration("SPAWNGATE_BREAKER_COOLDOWN", cfg.Breaker.Cooldown)
	cfg.Breaker.RecoveryWindow = ParseDuration("SPAWNGATE_BREAKER_RECOVERY_WINDOW", cfg.Breaker.RecoveryWindow)
	cfg.Breaker.FailureWindow = ParseDuration("SPAWNGATE_BREAKER_FAILURE_WINDOW", cfg.Breaker.FailureWindow)
	cfg.Breaker.MinimumSampleSize = ParseInt("SPAWNGATE_BREAKER_MIN_SAMPLES", cfg.Breaker.MinimumSampleSize)

	cfg.Ramp.Immediate.Duration = ParseDuration("SPAWNGATE_PHASE_IMMEDIATE_DURATION", cfg.Ramp.Immediate.Duration)
	cfg.Ramp.Rapid.Duration = ParseDuration("SPAWNGATE_PHASE_RAPID_DURATION", cfg.Ramp.Rapid.Duration)
	cfg.Ramp.Steady.Duration = ParseDuration("SPAWNGATE_PHASE_STEADY_DURATION", cfg.Ramp.Steady.Duration)
	cfg.Ramp.Background.Duration = ParseDuration("SPAWNGATE_PHASE_BACKGROUND_DURATION", cfg.Ramp.Background.Duration)
	cfg.Ramp.Immediate.Target = ParseInt("SPAWNGATE_PHASE_IMMEDIATE_TARGET", cfg.Ramp.Immediate.Target)
	cfg.Ramp.Rapid.Target = ParseInt("SPAWNGATE_PHASE_RAPID_TARGET", cfg.Ramp.Rapid.Target)

	return cfg
}
