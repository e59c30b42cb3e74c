package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-router/internal/clock"
	"github.com/vnmchuo/llm-router/internal/provider"
)

var start = time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC)

func newTracker(limits Limits, shared SharedLimiter) (*Tracker, *clock.Fake) {
	clk := clock.NewFake(start)
	return NewTracker(map[string]Limits{"a": limits}, clk, shared, nil), clk
}

func denialReason(t *testing.T, err error) provider.Kind {
	t.Helper()
	var de *DenialError
	require.True(t, errors.As(err, &de), "expected DenialError, got %v", err)
	return de.Reason
}

func TestOneRequestPerMinute(t *testing.T) {
	tr, clk := newTracker(Limits{RequestsPerMinute: 1}, nil)
	ctx := context.Background()

	res, err := tr.TryAdmit(ctx, "a", 10)
	require.NoError(t, err)
	tr.Commit(res, 10, 0)

	clk.Advance(20 * time.Second)
	_, err = tr.TryAdmit(ctx, "a", 10)
	assert.Equal(t, provider.KindRateLimited, denialReason(t, err))
}

func TestSlidingWindowCarriesPreviousBucket(t *testing.T) {
	tr, clk := newTracker(Limits{RequestsPerMinute: 2}, nil)
	ctx := context.Background()

	clk.Set(start.Add(50 * time.Second))
	for i := 0; i < 2; i++ {
		_, err := tr.TryAdmit(ctx, "a", 0)
		require.NoError(t, err)
	}

	// 15s into the next bucket, 75% of the previous one still counts.
	clk.Set(start.Add(75 * time.Second))
	_, err := tr.TryAdmit(ctx, "a", 0)
	assert.Equal(t, provider.KindRateLimited, denialReason(t, err))

	// Past the halfway point the weighted estimate drops below one.
	clk.Set(start.Add(91 * time.Second))
	_, err = tr.TryAdmit(ctx, "a", 0)
	assert.NoError(t, err)
}

func TestTokenLimit(t *testing.T) {
	tr, _ := newTracker(Limits{TokensPerMinute: 1000}, nil)
	ctx := context.Background()

	res, err := tr.TryAdmit(ctx, "a", 600)
	require.NoError(t, err)

	_, err = tr.TryAdmit(ctx, "a", 500)
	assert.Equal(t, provider.KindTokenLimited, denialReason(t, err))

	// Actual usage came in lower; the refund makes room.
	tr.Commit(res, 300, 0)
	_, err = tr.TryAdmit(ctx, "a", 500)
	assert.NoError(t, err)
}

func TestOverageIsRecorded(t *testing.T) {
	tr, _ := newTracker(Limits{TokensPerMinute: 1000}, nil)
	ctx := context.Background()

	res, err := tr.TryAdmit(ctx, "a", 100)
	require.NoError(t, err)
	tr.Commit(res, 950, 0)

	assert.Equal(t, 950, tr.Snapshot("a").Tokens)
	_, err = tr.TryAdmit(ctx, "a", 100)
	assert.Equal(t, provider.KindTokenLimited, denialReason(t, err))
}

func TestBudgetExceededFinishesInFlight(t *testing.T) {
	tr, _ := newTracker(Limits{DailyCostLimit: 1.0}, nil)
	ctx := context.Background()

	first, err := tr.TryAdmit(ctx, "a", 10)
	require.NoError(t, err)
	second, err := tr.TryAdmit(ctx, "a", 10)
	require.NoError(t, err)

	tr.Commit(first, 10, 0.8)
	tr.Commit(second, 10, 0.7)
	assert.InDelta(t, 1.5, tr.Snapshot("a").CostToday, 1e-9, "in-flight cost is kept")

	_, err = tr.TryAdmit(ctx, "a", 10)
	assert.Equal(t, provider.KindBudgetExceeded, denialReason(t, err))
}

func TestDailyCostResetsAtUTCMidnight(t *testing.T) {
	tr, clk := newTracker(Limits{DailyCostLimit: 1.0}, nil)
	ctx := context.Background()

	res, err := tr.TryAdmit(ctx, "a", 0)
	require.NoError(t, err)
	tr.Commit(res, 0, 2.0)

	clk.Set(time.Date(2025, 3, 10, 23, 59, 59, 0, time.UTC))
	_, err = tr.TryAdmit(ctx, "a", 0)
	assert.Equal(t, provider.KindBudgetExceeded, denialReason(t, err))

	clk.Set(time.Date(2025, 3, 11, 0, 0, 1, 0, time.UTC))
	tr.RollWindow()
	assert.Zero(t, tr.Snapshot("a").CostToday)
	_, err = tr.TryAdmit(ctx, "a", 0)
	assert.NoError(t, err)
}

func TestReleaseReturnsCapacity(t *testing.T) {
	tr, _ := newTracker(Limits{RequestsPerMinute: 1, TokensPerMinute: 100}, nil)
	ctx := context.Background()

	res, err := tr.TryAdmit(ctx, "a", 100)
	require.NoError(t, err)
	tr.Release(res)
	tr.Release(res)
	tr.Commit(res, 1000, 1)

	snap := tr.Snapshot("a")
	assert.Zero(t, snap.Requests)
	assert.Zero(t, snap.Tokens)
	assert.Zero(t, snap.CostToday)

	_, err = tr.TryAdmit(ctx, "a", 100)
	assert.NoError(t, err)
}

func TestConcurrentCommitsAreExact(t *testing.T) {
	tr, _ := newTracker(Limits{}, nil)
	ctx := context.Background()

	const callers = 2
	const perCaller = 200

	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perCaller; i++ {
				res, err := tr.TryAdmit(ctx, "a", 5)
				if err != nil {
					t.Error(err)
					return
				}
				tr.Commit(res, 7, 0.25)
			}
		}()
	}
	wg.Wait()

	snap := tr.Snapshot("a")
	assert.Equal(t, callers*perCaller, snap.Requests)
	assert.Equal(t, callers*perCaller*7, snap.Tokens)
	assert.InDelta(t, float64(callers*perCaller)*0.25, snap.CostToday, 1e-9)
}

type stubShared struct {
	mu      sync.Mutex
	allowed bool
	err     error
	checks  int
	charged []int
}

func (s *stubShared) Check(ctx context.Context, provider string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks++
	return s.allowed, s.err
}

func (s *stubShared) Charge(ctx context.Context, provider string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charged = append(s.charged, tokens)
	return s.err
}

func TestSharedLimiterDenialReleasesReservation(t *testing.T) {
	shared := &stubShared{allowed: false}
	tr, _ := newTracker(Limits{TokensPerMinute: 1000}, shared)

	_, err := tr.TryAdmit(context.Background(), "a", 100)
	assert.Equal(t, provider.KindTokenLimited, denialReason(t, err))
	assert.Equal(t, 1, shared.checks)
	assert.Empty(t, shared.charged)

	snap := tr.Snapshot("a")
	assert.Zero(t, snap.Requests)
	assert.Zero(t, snap.Tokens)
}

func TestSharedLimiterChargedWithActualTokens(t *testing.T) {
	shared := &stubShared{allowed: true}
	tr, _ := newTracker(Limits{TokensPerMinute: 1000}, shared)

	res, err := tr.TryAdmit(context.Background(), "a", 300)
	require.NoError(t, err)
	assert.Empty(t, shared.charged, "admission only checks the shared window")

	tr.Commit(res, 120, 0)
	assert.Equal(t, []int{120}, shared.charged)

	tr.Commit(res, 500, 0)
	assert.Equal(t, []int{120}, shared.charged, "a settled reservation is not charged twice")
}

func TestSharedLimiterNotChargedForFailedAttempts(t *testing.T) {
	shared := &stubShared{allowed: true}
	tr, _ := newTracker(Limits{TokensPerMinute: 1000}, shared)

	released, err := tr.TryAdmit(context.Background(), "a", 300)
	require.NoError(t, err)
	tr.Release(released)

	failed, err := tr.TryAdmit(context.Background(), "a", 300)
	require.NoError(t, err)
	tr.Commit(failed, 0, 0)

	assert.Equal(t, 2, shared.checks)
	assert.Empty(t, shared.charged)
}

func TestSharedLimiterErrorFailsOpen(t *testing.T) {
	shared := &stubShared{err: errors.New("redis down")}
	tr, _ := newTracker(Limits{TokensPerMinute: 1000}, shared)

	res, err := tr.TryAdmit(context.Background(), "a", 100)
	require.NoError(t, err)
	assert.Equal(t, 100, res.Tokens)

	tr.Commit(res, 80, 0)
	assert.Equal(t, 80, tr.Snapshot("a").Tokens)
}

func TestSharedLimiterSkippedWithoutTPM(t *testing.T) {
	shared := &stubShared{allowed: false}
	tr, _ := newTracker(Limits{}, shared)

	res, err := tr.TryAdmit(context.Background(), "a", 100)
	assert.NoError(t, err)
	tr.Commit(res, 100, 0)
	assert.Zero(t, shared.checks)
	assert.Empty(t, shared.charged)
}

func TestUnknownProviderIsUnlimited(t *testing.T) {
	tr, _ := newTracker(Limits{}, nil)
	for i := 0; i < 10; i++ {
		_, err := tr.TryAdmit(context.Background(), "other", 1_000_000)
		require.NoError(t, err)
	}
}
