package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Write(ctx context.Context, e *Event) error {
	s.logger.Info("usage",
		zap.String("event_id", e.ID),
		zap.String("request_id", e.RequestID),
		zap.String("provider", e.Provider),
		zap.String("model", e.Model),
		zap.Int("attempt", e.Attempt),
		zap.Bool("success", e.Success),
		zap.String("error_kind", string(e.ErrorKind)),
		zap.Int("input_tokens", e.InputTokens),
		zap.Int("output_tokens", e.OutputTokens),
		zap.Float64("cost_usd", e.Cost),
		zap.Duration("latency", e.Latency),
	)
	return nil
}

// StreamAdder is the subset of a Redis client the stream sink needs.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends events to a Redis stream capped at roughly
// maxLen entries.
type RedisStreamSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

func NewRedisStreamSink(client StreamAdder, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Write(ctx context.Context, e *Event) error {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: streamValues(e),
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func streamValues(e *Event) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"request_id":    e.RequestID,
		"provider":      e.Provider,
		"model":         e.Model,
		"attempt":       strconv.Itoa(e.Attempt),
		"success":       strconv.FormatBool(e.Success),
		"error_kind":    string(e.ErrorKind),
		"stream":        strconv.FormatBool(e.Stream),
		"input_tokens":  strconv.Itoa(e.InputTokens),
		"output_tokens": strconv.Itoa(e.OutputTokens),
		"cost_usd":      strconv.FormatFloat(e.Cost, 'f', -1, 64),
		"latency_ms":    strconv.FormatInt(e.Latency.Milliseconds(), 10),
		"timestamp":     e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// MultiSink writes to every sink and joins their errors. A failing sink
// does not stop the others.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, e *Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
