package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnmchuo/llm-router/internal/clock"
	"github.com/vnmchuo/llm-router/internal/provider"
)

// Limits are per-provider ceilings. Zero disables a dimension.
type Limits struct {
	RequestsPerMinute int
	TokensPerMinute   int
	DailyCostLimit    float64
}

// SharedLimiter is a token limit shared with other router processes.
// Admission only peeks at it; tokens are charged once the call has
// settled, so failed attempts cost no shared capacity.
type SharedLimiter interface {
	Check(ctx context.Context, provider string) (bool, error)
	Charge(ctx context.Context, provider string, tokens int) error
}

const sharedChargeTimeout = 2 * time.Second

type DenialError struct {
	Provider string
	Reason   provider.Kind
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("%s: admission denied: %s", e.Provider, e.Reason)
}

// Reservation is capacity taken by TryAdmit. It must be settled exactly once
// with Commit or Release; further calls are no-ops.
type Reservation struct {
	Provider string
	Tokens   int

	bucket  time.Time
	settled bool
}

type Snapshot struct {
	Limits Limits
	// Requests and Tokens are the counts in the current minute bucket.
	Requests     int
	Tokens       int
	PrevRequests int
	PrevTokens   int
	// WindowRequests and WindowTokens are the sliding estimates admission
	// decisions are made against.
	WindowRequests float64
	WindowTokens   float64
	CostToday      float64
	Day            time.Time
}

type window struct {
	mu     sync.Mutex
	limits Limits

	bucketStart  time.Time
	curRequests  int
	curTokens    int
	prevRequests int
	prevTokens   int

	day       time.Time
	costToday float64
}

// Tracker owns the rolling request/token windows and the daily spend of
// every provider. Each provider's counters sit behind their own lock.
type Tracker struct {
	clock  clock.Clock
	shared SharedLimiter
	logger *zap.Logger

	mu      sync.RWMutex
	windows map[string]*window
}

func NewTracker(limits map[string]Limits, clk clock.Clock, shared SharedLimiter, logger *zap.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		clock:   clk,
		shared:  shared,
		logger:  logger,
		windows: make(map[string]*window, len(limits)),
	}
	now := clk.Now()
	for name, l := range limits {
		t.windows[name] = newWindow(l, now)
	}
	return t
}

func newWindow(l Limits, now time.Time) *window {
	return &window{
		limits:      l,
		bucketStart: now.Truncate(time.Minute),
		day:         utcDay(now),
	}
}

func utcDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (t *Tracker) get(name string) *window {
	t.mu.RLock()
	w, ok := t.windows[name]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[name]; ok {
		return w
	}
	w = newWindow(Limits{}, t.clock.Now())
	t.windows[name] = w
	return w
}

// roll slides the minute buckets and resets the spend at UTC midnight.
// Caller holds w.mu.
func (w *window) roll(now time.Time) {
	minute := now.Truncate(time.Minute)
	switch {
	case !minute.After(w.bucketStart):
	case minute.Sub(w.bucketStart) == time.Minute:
		w.prevRequests, w.prevTokens = w.curRequests, w.curTokens
		w.curRequests, w.curTokens = 0, 0
		w.bucketStart = minute
	default:
		w.prevRequests, w.prevTokens = 0, 0
		w.curRequests, w.curTokens = 0, 0
		w.bucketStart = minute
	}

	if day := utcDay(now); day.After(w.day) {
		w.day = day
		w.costToday = 0
	}
}

// estimate weights the previous bucket by how much of it still overlaps a
// one-minute window ending now.
func (w *window) estimate(now time.Time) (requests, tokens float64) {
	elapsed := now.Sub(w.bucketStart)
	weight := 1 - float64(elapsed)/float64(time.Minute)
	if weight < 0 {
		weight = 0
	}
	requests = float64(w.prevRequests)*weight + float64(w.curRequests)
	tokens = float64(w.prevTokens)*weight + float64(w.curTokens)
	return requests, tokens
}

// TryAdmit reserves one request and estimatedTokens against the provider's
// windows, or explains why it cannot. Nothing is reserved on denial.
func (t *Tracker) TryAdmit(ctx context.Context, name string, estimatedTokens int) (*Reservation, error) {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}
	w := t.get(name)
	now := t.clock.Now()

	w.mu.Lock()
	w.roll(now)
	if reason := w.check(now, estimatedTokens); reason != provider.KindNone {
		w.mu.Unlock()
		return nil, &DenialError{Provider: name, Reason: reason}
	}
	w.curRequests++
	w.curTokens += estimatedTokens
	res := &Reservation{Provider: name, Tokens: estimatedTokens, bucket: w.bucketStart}
	tpm := w.limits.TokensPerMinute
	w.mu.Unlock()

	if t.shared != nil && tpm > 0 {
		allowed, err := t.shared.Check(ctx, name)
		if err != nil {
			t.logger.Warn("shared limiter unavailable, admitting on local counters",
				zap.String("provider", name),
				zap.Error(err),
			)
		} else if !allowed {
			t.Release(res)
			return nil, &DenialError{Provider: name, Reason: provider.KindTokenLimited}
		}
	}
	return res, nil
}

// check returns the denial reason, if any. Caller holds w.mu.
func (w *window) check(now time.Time, estimatedTokens int) provider.Kind {
	l := w.limits
	if l.DailyCostLimit > 0 && w.costToday >= l.DailyCostLimit {
		return provider.KindBudgetExceeded
	}
	requests, tokens := w.estimate(now)
	if l.RequestsPerMinute > 0 && requests+1 > float64(l.RequestsPerMinute) {
		return provider.KindRateLimited
	}
	if l.TokensPerMinute > 0 && tokens+float64(estimatedTokens) > float64(l.TokensPerMinute) {
		return provider.KindTokenLimited
	}
	return provider.KindNone
}

// Commit replaces the reservation's estimate with the actual token count
// and adds cost to today's spend. Overage always lands in the current
// bucket so the next admission sees it. The actual count is also charged
// to the shared window, if any.
func (t *Tracker) Commit(res *Reservation, actualTokens int, cost float64) {
	if res == nil {
		return
	}
	if actualTokens < 0 {
		actualTokens = 0
	}
	w := t.get(res.Provider)

	w.mu.Lock()
	if res.settled {
		w.mu.Unlock()
		return
	}
	res.settled = true
	w.roll(t.clock.Now())

	delta := actualTokens - res.Tokens
	switch {
	case delta > 0:
		w.curTokens += delta
	case delta < 0:
		w.refundTokens(res.bucket, -delta)
	}
	if cost > 0 {
		w.costToday += cost
	}
	tpm := w.limits.TokensPerMinute
	w.mu.Unlock()

	if t.shared != nil && tpm > 0 && actualTokens > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), sharedChargeTimeout)
		defer cancel()
		if err := t.shared.Charge(ctx, res.Provider, actualTokens); err != nil {
			t.logger.Warn("shared limiter charge failed",
				zap.String("provider", res.Provider),
				zap.Int("tokens", actualTokens),
				zap.Error(err),
			)
		}
	}
}

// Release returns an unused reservation.
func (t *Tracker) Release(res *Reservation) {
	if res == nil {
		return
	}
	w := t.get(res.Provider)

	w.mu.Lock()
	defer w.mu.Unlock()
	if res.settled {
		return
	}
	res.settled = true
	w.roll(t.clock.Now())

	switch {
	case res.bucket.Equal(w.bucketStart):
		w.curRequests = max(w.curRequests-1, 0)
	case res.bucket.Equal(w.bucketStart.Add(-time.Minute)):
		w.prevRequests = max(w.prevRequests-1, 0)
	}
	w.refundTokens(res.bucket, res.Tokens)
}

// refundTokens gives tokens back to the bucket they were taken from, if it
// is still inside the window. Caller holds w.mu.
func (w *window) refundTokens(bucket time.Time, n int) {
	switch {
	case bucket.Equal(w.bucketStart):
		w.curTokens = max(w.curTokens-n, 0)
	case bucket.Equal(w.bucketStart.Add(-time.Minute)):
		w.prevTokens = max(w.prevTokens-n, 0)
	}
}

// RollWindow advances every provider's window to the current time. Reads
// roll lazily as well; the tick keeps idle providers' snapshots fresh.
func (t *Tracker) RollWindow() {
	now := t.clock.Now()

	t.mu.RLock()
	windows := make([]*window, 0, len(t.windows))
	for _, w := range t.windows {
		windows = append(windows, w)
	}
	t.mu.RUnlock()

	for _, w := range windows {
		w.mu.Lock()
		w.roll(now)
		w.mu.Unlock()
	}
}

func (t *Tracker) Snapshot(name string) Snapshot {
	w := t.get(name)
	now := t.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(now)
	requests, tokens := w.estimate(now)
	return Snapshot{
		Limits:         w.limits,
		Requests:       w.curRequests,
		Tokens:         w.curTokens,
		PrevRequests:   w.prevRequests,
		PrevTokens:     w.prevTokens,
		WindowRequests: requests,
		WindowTokens:   tokens,
		CostToday:      w.costToday,
		Day:            w.day,
	}
}
