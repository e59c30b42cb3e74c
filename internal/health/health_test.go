package health

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-router/internal/clock"
	"github.com/vnmchuo/llm-router/internal/provider"
)

func newTestMonitor(t *testing.T) (*Monitor, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	return NewMonitor(DefaultConfig(), clk, nil), clk
}

func TestConsecutiveFailuresOpenCircuit(t *testing.T) {
	m, clk := newTestMonitor(t)

	for i := 0; i < 4; i++ {
		m.RecordFailure("a", provider.KindTransientServer, false)
	}
	assert.True(t, m.IsAvailable("a"), "four failures should not trip")

	m.RecordFailure("a", provider.KindTransientServer, false)
	assert.False(t, m.IsAvailable("a"), "fifth consecutive failure trips immediately")
	assert.Equal(t, StateOpen, m.State("a"))

	clk.Advance(29 * time.Second)
	assert.False(t, m.IsAvailable("a"))

	clk.Advance(time.Second)
	assert.True(t, m.IsAvailable("a"), "available again once the cooldown elapses")
	assert.Equal(t, StateHalfOpen, m.State("a"))
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	m, _ := newTestMonitor(t)

	for i := 0; i < 4; i++ {
		m.RecordFailure("a", provider.KindTimeout, false)
	}
	m.RecordSuccess("a", 100*time.Millisecond, false)
	for i := 0; i < 4; i++ {
		m.RecordFailure("a", provider.KindTimeout, false)
	}
	assert.Equal(t, StateClosed, m.State("a"))
	assert.Equal(t, 4, m.Snapshot("a").ConsecutiveFailures)
}

func TestFailureRatioOpensCircuit(t *testing.T) {
	m, _ := newTestMonitor(t)

	// Alternate so the consecutive threshold never fires.
	for i := 0; i < 19; i++ {
		if i%2 == 0 {
			m.RecordFailure("a", provider.KindTransientServer, false)
		} else {
			m.RecordSuccess("a", time.Millisecond, false)
		}
	}
	assert.Equal(t, StateClosed, m.State("a"), "ratio needs a full window")

	m.RecordSuccess("a", time.Millisecond, false)
	assert.Equal(t, StateClosed, m.State("a"), "successes never trip")

	m.RecordFailure("a", provider.KindTransientServer, false)
	snap := m.Snapshot("a")
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, 20, snap.Samples)
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	m, clk := newTestMonitor(t)
	for i := 0; i < 5; i++ {
		m.RecordFailure("a", provider.KindTimeout, false)
	}
	clk.Advance(30 * time.Second)

	trial, ok := m.Acquire("a")
	require.True(t, ok)
	assert.True(t, trial)

	assert.False(t, m.IsAvailable("a"), "trial in flight hides the provider")
	_, ok = m.Acquire("a")
	assert.False(t, ok)

	m.ReleaseTrial("a")
	assert.True(t, m.IsAvailable("a"))
}

func TestHalfOpenSuccessCloses(t *testing.T) {
	m, clk := newTestMonitor(t)
	for i := 0; i < 5; i++ {
		m.RecordFailure("a", provider.KindTimeout, false)
	}
	clk.Advance(30 * time.Second)

	trial, ok := m.Acquire("a")
	require.True(t, ok)
	require.True(t, trial)
	m.RecordSuccess("a", 50*time.Millisecond, trial)

	snap := m.Snapshot("a")
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Zero(t, snap.Samples)
	assert.Equal(t, 30*time.Second, snap.Cooldown)
}

func TestHalfOpenFailureDoublesCooldownUpToMax(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewMonitor(Config{
		ConsecutiveFailures: 1,
		BaseCooldown:        time.Second,
		MaxCooldown:         3 * time.Second,
	}, clk, nil)

	m.RecordFailure("a", provider.KindTransientServer, false)
	require.Equal(t, StateOpen, m.State("a"))
	assert.Equal(t, time.Second, m.Snapshot("a").Cooldown)

	clk.Advance(time.Second)
	require.Equal(t, StateHalfOpen, m.State("a"))
	m.RecordFailure("a", provider.KindTransientServer, true)
	assert.Equal(t, StateOpen, m.State("a"))
	assert.Equal(t, 2*time.Second, m.Snapshot("a").Cooldown)

	clk.Advance(time.Second)
	assert.Equal(t, StateOpen, m.State("a"), "doubled cooldown not yet elapsed")
	clk.Advance(time.Second)
	require.Equal(t, StateHalfOpen, m.State("a"))
	m.RecordFailure("a", provider.KindTransientServer, true)
	assert.Equal(t, 3*time.Second, m.Snapshot("a").Cooldown, "capped at max")
}

func TestLateResultWhileOpenDoesNotTransition(t *testing.T) {
	m, _ := newTestMonitor(t)
	for i := 0; i < 5; i++ {
		m.RecordFailure("a", provider.KindTimeout, false)
	}
	m.RecordSuccess("a", time.Millisecond, false)
	assert.Equal(t, StateOpen, m.State("a"))
}

func TestLateResultWhileHalfOpenLeavesTrialInCharge(t *testing.T) {
	m, clk := newTestMonitor(t)

	// Admitted while closed; its outcome lands after the circuit has moved on.
	trial, ok := m.Acquire("a")
	require.True(t, ok)
	require.False(t, trial)

	for i := 0; i < 5; i++ {
		m.RecordFailure("a", provider.KindTimeout, false)
	}
	clk.Advance(30 * time.Second)

	trial, ok = m.Acquire("a")
	require.True(t, ok)
	require.True(t, trial)

	m.RecordFailure("a", provider.KindTimeout, false)
	snap := m.Snapshot("a")
	assert.Equal(t, StateHalfOpen, snap.State, "late failure must not reopen")
	assert.True(t, snap.TrialInFlight)
	assert.Equal(t, 30*time.Second, snap.Cooldown)
	assert.Equal(t, provider.KindTimeout, snap.LastFailureKind)

	m.RecordSuccess("a", time.Millisecond, true)
	snap = m.Snapshot("a")
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 30*time.Second, snap.Cooldown)
}

func TestLateSuccessWhileHalfOpenDoesNotClose(t *testing.T) {
	m, clk := newTestMonitor(t)
	for i := 0; i < 5; i++ {
		m.RecordFailure("a", provider.KindTimeout, false)
	}
	clk.Advance(30 * time.Second)

	trial, ok := m.Acquire("a")
	require.True(t, ok)
	require.True(t, trial)

	m.RecordSuccess("a", time.Millisecond, false)
	snap := m.Snapshot("a")
	assert.Equal(t, StateHalfOpen, snap.State)
	assert.True(t, snap.TrialInFlight)
	assert.False(t, snap.LastSuccess.IsZero())

	m.RecordFailure("a", provider.KindTransientServer, true)
	snap = m.Snapshot("a")
	assert.Equal(t, StateOpen, snap.State)
	assert.Equal(t, time.Minute, snap.Cooldown)
}

func TestLatencyEWMA(t *testing.T) {
	m, _ := newTestMonitor(t)
	assert.Zero(t, m.Latency("a"))

	m.RecordSuccess("a", 100*time.Millisecond, false)
	assert.Equal(t, 100*time.Millisecond, m.Latency("a"))

	m.RecordSuccess("a", 200*time.Millisecond, false)
	assert.InDelta(t, float64(120*time.Millisecond), float64(m.Latency("a")), float64(time.Microsecond))
}

func TestConcurrentRecording(t *testing.T) {
	m, _ := newTestMonitor(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordSuccess("a", time.Millisecond, false)
			m.IsAvailable("a")
		}()
	}
	wg.Wait()

	snap := m.Snapshot("a")
	assert.Equal(t, StateClosed, snap.State)
	assert.Equal(t, 20, snap.Samples)
}
