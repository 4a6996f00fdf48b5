package monitor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/travsart/spawngate/internal/log"
	"github.com/travsart/spawngate/internal/metrics"
)

const defaultSampleInterval = 2 * time.Second

// UsageProvider returns the current CPU and memory usage in percent.
type UsageProvider func() (cpuPercent, memPercent float64, err error)

// procStatReader computes CPU usage from consecutive /proc/stat reads.
type procStatReader struct {
	lastIdle  uint64
	lastTotal uint64
}

func (r *procStatReader) cpuPercent() (float64, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, err
	}
	line, _, _ := strings.Cut(string(data), "\n")
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, fmt.Errorf("stat parse: unexpected first line %q", line)
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("stat parse: %w", err)
		}
		total += v
		// idle + iowait
		if i == 3 || i == 4 {
			idle += v
		}
	}

	dTotal := total - r.lastTotal
	dIdle := idle - r.lastIdle
	r.lastTotal = total
	r.lastIdle = idle
	if dTotal == 0 {
		return 0, fmt.Errorf("stat parse: no tick delta")
	}
	return 100 * (1 - float64(dIdle)/float64(dTotal)), nil
}

func memPercent() (float64, error) {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	var total, available float64
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("meminfo parse: MemTotal missing")
	}
	return 100 * (1 - available/total), nil
}

// ReadSystemUsage returns a UsageProvider backed by /proc. The provider
// keeps state between calls for the CPU delta computation.
func ReadSystemUsage() UsageProvider {
	r := &procStatReader{}
	// Prime the counters so the first real sample has a delta.
	_, _ = r.cpuPercent()
	return func() (float64, float64, error) {
		cpu, err := r.cpuPercent()
		if err != nil {
			return 0, 0, err
		}
		mem, err := memPercent()
		if err != nil {
			return 0, 0, err
		}
		return cpu, mem, nil
	}
}

// StartSampler begins a background sampler that feeds host usage into the
// monitor. A failed read retains the last observed values and logs; sampling
// failure never halts admission by itself. The sampler stops when ctx is
// canceled.
func StartSampler(ctx context.Context, m *Monitor, interval time.Duration, provider UsageProvider) {
	if m == nil {
		return
	}
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	if provider == nil {
		provider = ReadSystemUsage()
	}

	logger := log.WithComponent("monitor")
	sample := func() {
		cpu, mem, err := provider()
		if err != nil {
			metrics.RecordSampleFailure("usage")
			logger.Warn().
				Err(err).
				Str(log.FieldEvent, "sample.failed").
				Msg("resource sample failed, retaining last values")
			return
		}
		m.ObserveUsage(cpu, mem)
	}

	// Take an immediate sample to avoid startup gaps.
	sample()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample()
			}
		}
	}()
}
