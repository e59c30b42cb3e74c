package proxy

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-router/internal/provider"
)

type CostEstimate struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// EstimateCost prices req against the provider Dispatch would try first.
// Input tokens are estimated from the prompt and output tokens are taken
// as max_tokens, so the figure is an upper bound for that provider.
func (d *Dispatcher) EstimateCost(req *provider.Request) (*CostEstimate, error) {
	req = prepare(req)
	candidates, err := d.registry.ListCandidates(req)
	if err != nil || len(candidates) == 0 {
		return nil, &DispatchError{Kind: ErrNoProviderAvailable, RequestID: req.RequestID}
	}

	first := candidates[0]
	merged := mergeRequest(req, first.Config)
	est := &CostEstimate{
		Provider:     first.Config.Name,
		Model:        merged.Model,
		InputTokens:  merged.EstimateTokens() - merged.MaxTokens,
		OutputTokens: merged.MaxTokens,
	}
	if p, ok := first.Adapter.(provider.Priced); ok {
		est.CostUSD = p.Pricing().Cost(est.InputTokens, est.OutputTokens)
	}
	return est, nil
}

type ProviderCheck struct {
	Name string `json:"name"`
	// Checked is false when the adapter has no way to probe its backend.
	Checked   bool          `json:"checked"`
	Healthy   bool          `json:"healthy"`
	Kind      provider.Kind `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	LatencyMs int64         `json:"latency_ms"`
}

// HealthCheck probes every configured provider concurrently, each bounded
// by its own timeout. Results are reported only; they do not feed the
// circuit breakers, which track real traffic.
func (d *Dispatcher) HealthCheck(ctx context.Context) []ProviderCheck {
	entries := d.registry.Entries()
	out := make([]ProviderCheck, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		out[i] = ProviderCheck{Name: e.Config.Name}
		checker, ok := e.Adapter.(provider.Checker)
		if !ok {
			continue
		}
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, attemptTimeout(e.Config))
			defer cancel()

			start := time.Now()
			err := checker.Check(checkCtx)
			res := &out[i]
			res.Checked = true
			res.LatencyMs = time.Since(start).Milliseconds()
			if err != nil {
				res.Kind = provider.KindOf(err)
				res.Error = err.Error()
				d.logger.Warn("provider health check failed",
					zap.String("provider", e.Config.Name),
					zap.String("kind", string(res.Kind)),
					zap.Error(err),
				)
				return nil
			}
			res.Healthy = true
			return nil
		})
	}
	g.Wait()
	return out
}
