package provider

import (
	"context"
	"time"
)

type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stream      bool
	// Deadline bounds the whole dispatch, across every attempt.
	Deadline time.Time
	// Metadata for routing decisions
	RequestID         string
	PreferredProvider string
}

type Message struct {
	Role    string // "user", "assistant", "system"
	Content string
}

// Clone returns a copy that shares nothing mutable with r.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = make([]Message, len(r.Messages))
	copy(c.Messages, r.Messages)
	return &c
}

// EstimateTokens is a rough admission estimate: four characters per
// prompt token plus the completion budget.
func (r *Request) EstimateTokens() int {
	chars := 0
	for _, m := range r.Messages {
		chars += len(m.Content)
	}
	return chars/4 + r.MaxTokens
}

type Response struct {
	ID           string
	Content      string
	FinishReason string
	InputTokens  int
	OutputTokens int
	Model        string
	Provider     string
	Latency      time.Duration
	Cost         float64 // USD
}

func (r *Response) TotalTokens() int {
	return r.InputTokens + r.OutputTokens
}

type Chunk struct {
	Delta string
	Done  bool
	Err   error
}

// Pricing is USD per one million tokens.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputPerMTok/1e6 + float64(outputTokens)*p.OutputPerMTok/1e6
}

// Adapter normalizes one backend API. Failures are returned as *Error
// with a Kind from the fixed taxonomy.
type Adapter interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// StreamAdapter is an Adapter that can also stream completions. Errors
// that happen after the call returns arrive as a Chunk with Err set.
type StreamAdapter interface {
	Adapter
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
}

// Priced is implemented by adapters that can cost a call themselves. The
// dispatcher uses it for streams, where no usage block comes back.
type Priced interface {
	Pricing() Pricing
}

// Checker is implemented by adapters that can probe their backend without
// spending tokens. A nil error means the backend answered and accepted the
// credentials.
type Checker interface {
	Check(ctx context.Context) error
}

// Options are shared by the concrete adapters.
type Options struct {
	Name    string
	APIKey  string
	BaseURL string
	Pricing Pricing
	// HTTPClient defaults to http.DefaultClient semantics when nil.
	HTTPClient HTTPDoer
}
