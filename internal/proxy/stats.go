package proxy

import (
	"sync"
	"time"

	"github.com/vnmchuo/llm-router/internal/provider"
)

type ProviderStats struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Priority int    `json:"priority"`

	Disqualified       bool          `json:"disqualified"`
	DisqualifiedReason provider.Kind `json:"disqualified_reason,omitempty"`

	Circuit             string        `json:"circuit"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureRatio        float64       `json:"failure_ratio"`
	LatencyMs           int64         `json:"latency_ms"`
	LastSuccess         *time.Time    `json:"last_success,omitempty"`
	LastFailure         *time.Time    `json:"last_failure,omitempty"`
	LastFailureKind     provider.Kind `json:"last_failure_kind,omitempty"`
	CooldownSeconds     float64       `json:"cooldown_seconds"`

	RequestsPerMinute int     `json:"requests_per_minute"`
	TokensPerMinute   int     `json:"tokens_per_minute"`
	DailyCostLimit    float64 `json:"daily_cost_limit"`
	WindowRequests    float64 `json:"window_requests"`
	WindowTokens      float64 `json:"window_tokens"`
	CostToday         float64 `json:"cost_today"`

	// Totals since the process started, counting admitted attempts only.
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	SuccessRate  float64 `json:"success_rate"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

type providerTotals struct {
	requests  int64
	successes int64
	failures  int64
	cost      float64
}

// totals accumulates per-provider outcomes for the life of the process.
type totals struct {
	mu         sync.Mutex
	byProvider map[string]*providerTotals
}

func (t *totals) record(name string, success bool, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byProvider == nil {
		t.byProvider = make(map[string]*providerTotals)
	}
	pt, ok := t.byProvider[name]
	if !ok {
		pt = &providerTotals{}
		t.byProvider[name] = pt
	}
	pt.requests++
	if success {
		pt.successes++
	} else {
		pt.failures++
	}
	pt.cost += cost
}

func (t *totals) get(name string) providerTotals {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pt, ok := t.byProvider[name]; ok {
		return *pt
	}
	return providerTotals{}
}

// Stats reports every configured provider in configuration order.
func (d *Dispatcher) Stats() []ProviderStats {
	entries := d.registry.Entries()
	out := make([]ProviderStats, 0, len(entries))
	for _, e := range entries {
		name := e.Config.Name
		h := d.monitor.Snapshot(name)
		w := d.tracker.Snapshot(name)
		reason, disqualified := d.registry.DisqualifiedReason(name)

		s := ProviderStats{
			Name:                name,
			Kind:                e.Config.Kind,
			Priority:            e.Config.Priority,
			Disqualified:        disqualified,
			DisqualifiedReason:  reason,
			Circuit:             h.State.String(),
			ConsecutiveFailures: h.ConsecutiveFailures,
			FailureRatio:        h.FailureRatio,
			LatencyMs:           h.Latency.Milliseconds(),
			LastFailureKind:     h.LastFailureKind,
			CooldownSeconds:     h.Cooldown.Seconds(),
			RequestsPerMinute:   w.Limits.RequestsPerMinute,
			TokensPerMinute:     w.Limits.TokensPerMinute,
			DailyCostLimit:      w.Limits.DailyCostLimit,
			WindowRequests:      w.WindowRequests,
			WindowTokens:        w.WindowTokens,
			CostToday:           w.CostToday,
		}
		lt := d.totals.get(name)
		s.Requests = lt.requests
		s.Successes = lt.successes
		s.Failures = lt.failures
		s.TotalCostUSD = lt.cost
		if lt.requests > 0 {
			s.SuccessRate = float64(lt.successes) / float64(lt.requests)
		}
		if !h.LastSuccess.IsZero() {
			t := h.LastSuccess
			s.LastSuccess = &t
		}
		if !h.LastFailure.IsZero() {
			t := h.LastFailure
			s.LastFailure = &t
		}
		out = append(out, s)
	}
	return out
}
