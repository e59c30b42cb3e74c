package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"

	"github.com/vnmchuo/llm-router/internal/usage"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore writes to the usage_events table. Writes go through a
// circuit breaker so an unreachable database fails fast instead of tying up
// the usage reporter's workers.
type PostgresStore struct {
	db      DB
	breaker *gobreaker.CircuitBreaker
}

func NewPostgresStore(db DB) *PostgresStore {
	settings := gobreaker.Settings{
		Name:        "usage-store",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &PostgresStore{
		db:      db,
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

// Write inserts e. Event ids are unique, so a retried write is a no-op.
func (s *PostgresStore) Write(ctx context.Context, e *usage.Event) error {
	query := `
		INSERT INTO usage_events (id, request_id, provider, model, attempt, success, error_kind,
			input_tokens, output_tokens, cost_usd, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.db.Exec(ctx, query,
			e.ID, e.RequestID, e.Provider, e.Model, e.Attempt, e.Success, string(e.ErrorKind),
			e.InputTokens, e.OutputTokens, e.Cost, e.Latency.Milliseconds(), e.Timestamp,
		)
	})
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}

	return nil
}

func (s *PostgresStore) BreakerState() string {
	return s.breaker.State().String()
}

func (s *PostgresStore) GetUsageByProvider(ctx context.Context, provider string, from, to time.Time) ([]*UsageRecord, error) {
	query := `
		SELECT id, request_id, provider, model, attempt, success, error_kind,
			input_tokens, output_tokens, cost_usd, latency_ms, created_at
		FROM usage_events
		WHERE ($1 = '' OR provider = $1) AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, provider, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage events: %w", err)
	}
	defer rows.Close()

	var records []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		err := rows.Scan(
			&r.ID, &r.RequestID, &r.Provider, &r.Model, &r.Attempt, &r.Success, &r.ErrorKind,
			&r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.LatencyMs, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage event: %w", err)
		}
		records = append(records, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage events: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) GetTotalCost(ctx context.Context, provider string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_events
		WHERE ($1 = '' OR provider = $1) AND created_at BETWEEN $2 AND $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, provider, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}
