package usage

import (
	"context"
	"time"

	"github.com/vnmchuo/llm-router/internal/provider"
)

// Event records the outcome of one adapter call. Admission denials never
// reach an adapter and produce no event.
type Event struct {
	ID        string
	RequestID string
	Provider  string
	Model     string
	// Attempt is the 1-based position of this call within its request.
	Attempt      int
	Success      bool
	ErrorKind    provider.Kind
	Stream       bool
	InputTokens  int
	OutputTokens int
	Cost         float64
	Latency      time.Duration
	Timestamp    time.Time
}

func (e *Event) TotalTokens() int {
	return e.InputTokens + e.OutputTokens
}

// Sink persists events. Implementations must be safe for concurrent use.
type Sink interface {
	Write(ctx context.Context, e *Event) error
}

// Emitter is the dispatcher's side of the hand-off. Emit must not block.
type Emitter interface {
	Emit(e Event)
}

type SinkFunc func(ctx context.Context, e *Event) error

func (f SinkFunc) Write(ctx context.Context, e *Event) error {
	return f(ctx, e)
}
