package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type mockClock struct {
	now time.Time
}

func (m *mockClock) Now() time.Time { return m.now }

func testConfig() Config {
	return Config{
		OpenThresholdPercent:  10,
		CloseThresholdPercent: 5,
		Cooldown:              30 * time.Second,
		RecoveryWindow:        10 * time.Second,
		FailureWindow:         60 * time.Second,
		MinimumSampleSize:     20,
	}
}

func TestBreaker_OpensOnFailureRate(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	b := New(testConfig(), WithClock(clock))

	// 25 failures out of 30 attempts (83%) within the window, threshold 10%.
	for i := 0; i < 30; i++ {
		b.RecordAttempt()
		if i < 25 {
			b.RecordFailure()
		} else {
			b.RecordSuccess()
		}
		clock.now = clock.now.Add(time.Second)
	}

	assert.Equal(t, StateOpen, b.GetState())
	assert.False(t, b.Allow())
}

func TestBreaker_MinimumSampleSizeGatesOpen(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	b := New(testConfig(), WithClock(clock)) // minimum 20 samples

	// 100% failure rate but only 10 samples: stays closed.
	for i := 0; i < 10; i++ {
		b.RecordAttempt()
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.GetState())
	assert.True(t, b.Allow())
}

func TestBreaker_HysteresisDuringCooldown(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	b := New(testConfig(), WithClock(clock))

	for i := 0; i < 25; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateOpen, b.GetState())

	// Synthetic successes during cooldown must not reopen admission early.
	for i := 0; i < 10; i++ {
		clock.now = clock.now.Add(time.Second)
		b.RecordSuccess()
		assert.False(t, b.Allow(), "Allow must stay false for the full cooldown")
	}

	// After the cooldown the breaker probes via half-open.
	clock.now = clock.now.Add(25 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	b := New(testConfig(), WithClock(clock))

	for i := 0; i < 25; i++ {
		b.RecordFailure()
	}
	clock.now = clock.now.Add(31 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())

	// The cooldown restarted at the probe failure.
	clock.now = clock.now.Add(29 * time.Second)
	assert.False(t, b.Allow())
	clock.now = clock.now.Add(2 * time.Second)
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenRecoversAfterWindow(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	b := New(testConfig(), WithClock(clock))

	for i := 0; i < 25; i++ {
		b.RecordFailure()
	}
	clock.now = clock.now.Add(31 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.GetState())

	// Healthy probes across the recovery window close the breaker. The old
	// failures age out of the failure window while time advances.
	for i := 0; i < 12; i++ {
		clock.now = clock.now.Add(3 * time.Second)
		b.RecordSuccess()
	}
	assert.Equal(t, StateClosed, b.GetState())
	assert.True(t, b.Allow())
}

func TestBreaker_FailureRateWindowed(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	b := New(testConfig(), WithClock(clock))

	b.RecordFailure()
	b.RecordSuccess()
	assert.InDelta(t, 50.0, b.FailureRate(), 0.01)

	// Outcomes age out after the failure window.
	clock.now = clock.now.Add(61 * time.Second)
	assert.Equal(t, 0.0, b.FailureRate())
}

func TestBreaker_Reset(t *testing.T) {
	clock := &mockClock{now: time.Now()}
	b := New(testConfig(), WithClock(clock))

	for i := 0; i < 25; i++ {
		b.RecordAttempt()
		b.RecordFailure()
	}
	assert.Equal(t, StateOpen, b.GetState())

	b.Reset()
	assert.Equal(t, StateClosed, b.GetState())
	assert.True(t, b.Allow())
	assert.Equal(t, uint64(0), b.Attempts())
	assert.Equal(t, 0.0, b.FailureRate())
}
