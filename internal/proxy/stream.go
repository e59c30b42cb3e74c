package proxy

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/usage"
)

// DispatchStream is Dispatch for streaming completions. Fallback to the
// next candidate is only possible until the first chunk arrives; after that
// the stream belongs to one provider and a failure ends it with an Err
// chunk. The caller must drain the channel or cancel ctx.
func (d *Dispatcher) DispatchStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	req = prepare(req)
	req.Stream = true
	ctx, cancel := withDeadline(ctx, req.Deadline)

	ctx, span := d.tracer.Start(ctx, "router.dispatch_stream")
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("model", req.Model),
	)

	handedOff := false
	defer func() {
		if !handedOff {
			span.End()
			cancel()
		}
	}()

	candidates, err := d.registry.ListCandidates(req)
	if err != nil {
		return nil, d.fail(span, ErrNoProviderAvailable, req.RequestID, nil)
	}

	var attempts []Attempt
	calls := 0
	for _, entry := range candidates {
		if calls >= d.maxAttempts {
			break
		}
		if ctx.Err() != nil {
			return nil, d.fail(span, ErrDeadlineExceeded, req.RequestID, attempts)
		}

		c, denied := d.admit(ctx, entry, req)
		if denied != nil {
			attempts = append(attempts, *denied)
			continue
		}
		if c == nil {
			continue
		}
		calls++
		c.ordinal = calls

		out, attempt := d.open(ctx, c, func() {
			span.End()
			cancel()
		})
		attempts = append(attempts, attempt)
		if out != nil {
			span.SetAttributes(
				attribute.String("provider", c.name()),
				attribute.Int("attempts", calls),
			)
			handedOff = true
			return out, nil
		}
		if ctx.Err() != nil {
			return nil, d.fail(span, ErrDeadlineExceeded, req.RequestID, attempts)
		}
	}

	if len(attempts) == 0 {
		return nil, d.fail(span, ErrNoProviderAvailable, req.RequestID, nil)
	}
	return nil, d.fail(span, ErrAllProvidersFailed, req.RequestID, attempts)
}

// open starts the stream and waits for its first chunk within the
// provider timeout. On success the returned channel is fed by a goroutine
// that settles the attempt when the stream ends and then calls done.
func (d *Dispatcher) open(ctx context.Context, c *call, done func()) (<-chan *provider.Chunk, Attempt) {
	attemptCtx, span := d.tracer.Start(ctx, "router.attempt")
	span.SetAttributes(
		attribute.String("provider", c.name()),
		attribute.String("model", c.req.Model),
		attribute.Int("attempt", c.ordinal),
		attribute.Bool("stream", true),
	)

	// callCtx carries no deadline since the stream may outlive the provider
	// timeout once it has started. The timer bounds the handshake and the
	// wait for the first chunk together.
	callCtx, callCancel := context.WithCancel(attemptCtx)
	start := time.Now()
	timer := time.NewTimer(attemptTimeout(c.entry.Config))
	defer timer.Stop()

	var (
		in    <-chan *provider.Chunk
		first *provider.Chunk
		err   error
	)
	sa, ok := c.entry.Adapter.(provider.StreamAdapter)
	if !ok {
		err = provider.NewError(c.name(), provider.KindInvalidRequest, 0, "provider does not stream", nil)
	} else {
		in, err = d.startStream(ctx, callCtx, c, sa, timer.C)
	}

	if err == nil {
		select {
		case chunk, ok := <-in:
			switch {
			case !ok:
				err = provider.NewError(c.name(), provider.KindTransientServer, 0, "stream closed before first chunk", nil)
			case chunk.Err != nil:
				err = chunk.Err
			default:
				first = chunk
			}
		case <-timer.C:
			err = provider.NewError(c.name(), provider.KindTimeout, 0, "no chunk within timeout", nil)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	firstChunk := time.Since(start)
	if err != nil {
		callCancel()
		kind := d.settleFailure(ctx, c, err, firstChunk, 0, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		span.End()
		return nil, Attempt{Provider: c.name(), Kind: kind, Admitted: true, Latency: firstChunk, Err: err}
	}

	out := make(chan *provider.Chunk)
	go d.forward(ctx, c, in, first, out, start, firstChunk, span, func() {
		callCancel()
		done()
	})
	return out, Attempt{Provider: c.name(), Admitted: true, Latency: firstChunk}
}

type streamStart struct {
	in  <-chan *provider.Chunk
	err error
}

// startStream calls CompleteStream without letting a backend that never
// answers hold the attempt past expired. Abandoned calls are cancelled
// through callCtx.
func (d *Dispatcher) startStream(ctx, callCtx context.Context, c *call, sa provider.StreamAdapter, expired <-chan time.Time) (<-chan *provider.Chunk, error) {
	started := make(chan streamStart, 1)
	go func() {
		in, err := sa.CompleteStream(callCtx, c.req)
		started <- streamStart{in: in, err: err}
	}()

	select {
	case s := <-started:
		return s.in, s.err
	case <-expired:
		return nil, provider.NewError(c.name(), provider.KindTimeout, 0, "stream not opened within timeout", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) forward(ctx context.Context, c *call, in <-chan *provider.Chunk, first *provider.Chunk, out chan<- *provider.Chunk, start time.Time, firstChunk time.Duration, span trace.Span, done func()) {
	defer done()
	defer span.End()
	defer close(out)

	var (
		chars     int
		streamErr error
		complete  bool
	)
	chunk := first
	for {
		chars += len(chunk.Delta)
		if !provider.SendChunk(ctx, out, chunk) {
			break
		}
		if chunk.Err != nil {
			streamErr = chunk.Err
			break
		}
		if chunk.Done {
			complete = true
			break
		}

		var ok bool
		select {
		case chunk, ok = <-in:
		case <-ctx.Done():
		}
		if !ok {
			complete = ctx.Err() == nil
			break
		}
	}

	// Streams carry no usage block; cost is estimated from the text.
	latency := time.Since(start)
	inputTokens := c.req.EstimateTokens() - c.req.MaxTokens
	outputTokens := chars / 4
	var cost float64
	if p, ok := c.entry.Adapter.(provider.Priced); ok {
		cost = p.Pricing().Cost(inputTokens, outputTokens)
	}
	span.SetAttributes(
		attribute.Int("output_tokens", outputTokens),
		attribute.Float64("cost_usd", cost),
	)

	switch {
	case complete:
		d.tracker.Commit(c.res, inputTokens+outputTokens, cost)
		d.monitor.RecordSuccess(c.name(), firstChunk, c.trial)
		d.emit(c, usage.Event{
			Success:      true,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			Cost:         cost,
			Latency:      latency,
		})
		span.SetStatus(codes.Ok, "")
	case streamErr != nil:
		kind := d.settleFailure(ctx, c, streamErr, latency, inputTokens+outputTokens, cost)
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, string(kind))
	default:
		kind := d.settleFailure(ctx, c, ctx.Err(), latency, inputTokens+outputTokens, cost)
		span.SetStatus(codes.Error, string(kind))
	}
}
