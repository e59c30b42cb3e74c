package billing

import (
	"context"
	"time"

	"github.com/vnmchuo/llm-router/internal/usage"
)

// UsageRecord is a persisted usage event.
type UsageRecord struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	Attempt      int       `json:"attempt"`
	Success      bool      `json:"success"`
	ErrorKind    string    `json:"error_kind,omitempty"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists usage events and answers spend queries over them. An
// empty provider name matches every provider.
type Store interface {
	usage.Sink
	GetUsageByProvider(ctx context.Context, provider string, from, to time.Time) ([]*UsageRecord, error)
	GetTotalCost(ctx context.Context, provider string, from, to time.Time) (float64, error)
}
