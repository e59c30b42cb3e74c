package proxy

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-router/internal/budget"
	"github.com/vnmchuo/llm-router/internal/health"
	"github.com/vnmchuo/llm-router/internal/provider"
	"github.com/vnmchuo/llm-router/internal/registry"
	"github.com/vnmchuo/llm-router/internal/usage"
)

const (
	DefaultMaxAttempts = 3

	defaultAttemptTimeout = 30 * time.Second
)

type Options struct {
	// MaxAttempts caps backend calls per request. Admission denials do not
	// count against it.
	MaxAttempts int
	Tracer      trace.Tracer
	Logger      *zap.Logger
}

// Dispatcher sends each request to the best available provider and falls
// back down the candidate list on failure. Attempts for one request are
// strictly sequential.
type Dispatcher struct {
	registry *registry.Registry
	tracker  *budget.Tracker
	monitor  *health.Monitor
	emitter  usage.Emitter
	tracer   trace.Tracer
	logger   *zap.Logger
	totals   totals

	maxAttempts int
}

func NewDispatcher(reg *registry.Registry, tracker *budget.Tracker, monitor *health.Monitor, emitter usage.Emitter, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("llm-router")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = discard{}
	}
	return &Dispatcher{
		registry:    reg,
		tracker:     tracker,
		monitor:     monitor,
		emitter:     emitter,
		tracer:      opts.Tracer,
		logger:      opts.Logger,
		maxAttempts: opts.MaxAttempts,
	}
}

type discard struct{}

func (discard) Emit(usage.Event) {}

// call is one admitted attempt: the merged request, the capacity reserved
// for it and whether it holds the HALF_OPEN trial slot.
type call struct {
	entry   *registry.Entry
	req     *provider.Request
	res     *budget.Reservation
	trial   bool
	ordinal int
}

func (c *call) name() string {
	return c.entry.Config.Name
}

func (d *Dispatcher) Dispatch(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	req = prepare(req)
	ctx, cancel := withDeadline(ctx, req.Deadline)
	defer cancel()

	ctx, span := d.tracer.Start(ctx, "router.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("model", req.Model),
	)

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

		resp, attempt := d.complete(ctx, c)
		attempts = append(attempts, attempt)
		if resp != nil {
			span.SetAttributes(
				attribute.String("provider", resp.Provider),
				attribute.Int("attempts", calls),
			)
			return resp, nil
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

// admit runs health and admission control for one candidate. It returns a
// call when the backend may be contacted, a denied Attempt when the tracker
// refused, and neither when the circuit would not hand out a slot.
func (d *Dispatcher) admit(ctx context.Context, entry *registry.Entry, req *provider.Request) (*call, *Attempt) {
	name := entry.Config.Name
	trial, ok := d.monitor.Acquire(name)
	if !ok {
		return nil, nil
	}

	merged := mergeRequest(req, entry.Config)
	res, err := d.tracker.TryAdmit(ctx, name, merged.EstimateTokens())
	if err != nil {
		if trial {
			d.monitor.ReleaseTrial(name)
		}
		kind := provider.KindRateLimited
		var denial *budget.DenialError
		if errors.As(err, &denial) {
			kind = denial.Reason
		}
		d.logger.Debug("admission denied",
			zap.String("provider", name),
			zap.String("request_id", req.RequestID),
			zap.String("reason", string(kind)),
		)
		return nil, &Attempt{Provider: name, Kind: kind, Err: err}
	}
	return &call{entry: entry, req: merged, res: res, trial: trial}, nil
}

func (d *Dispatcher) complete(ctx context.Context, c *call) (*provider.Response, Attempt) {
	ctx, span := d.tracer.Start(ctx, "router.attempt")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", c.name()),
		attribute.String("model", c.req.Model),
		attribute.Int("attempt", c.ordinal),
	)

	callCtx, cancel := context.WithTimeout(ctx, attemptTimeout(c.entry.Config))
	defer cancel()

	start := time.Now()
	resp, err := c.entry.Adapter.Complete(callCtx, c.req)
	latency := time.Since(start)
	if err == nil && resp == nil {
		err = provider.NewError(c.name(), provider.KindUnknown, 0, "adapter returned no response", nil)
	}

	if err != nil {
		kind := d.settleFailure(ctx, c, err, latency, 0, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(kind))
		return nil, Attempt{Provider: c.name(), Kind: kind, Admitted: true, Latency: latency, Err: err}
	}

	if resp.Provider == "" {
		resp.Provider = c.name()
	}
	if resp.Model == "" {
		resp.Model = c.req.Model
	}
	if resp.Latency == 0 {
		resp.Latency = latency
	}
	d.tracker.Commit(c.res, resp.TotalTokens(), resp.Cost)
	d.monitor.RecordSuccess(c.name(), latency, c.trial)
	d.emit(c, usage.Event{
		Success:      true,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Cost:         resp.Cost,
		Latency:      latency,
	})

	span.SetAttributes(
		attribute.Int("input_tokens", resp.InputTokens),
		attribute.Int("output_tokens", resp.OutputTokens),
		attribute.Float64("cost_usd", resp.Cost),
	)
	span.SetStatus(codes.Ok, "")
	return resp, Attempt{Provider: c.name(), Admitted: true, Latency: latency}
}

// settleFailure does the bookkeeping for a failed attempt and returns the
// kind it was recorded under. A failure caused by the caller's own
// deadline or cancellation is reported as Timeout but not held against the
// provider.
func (d *Dispatcher) settleFailure(ctx context.Context, c *call, err error, latency time.Duration, tokens int, cost float64) provider.Kind {
	name := c.name()
	d.tracker.Commit(c.res, tokens, cost)

	if ctx.Err() != nil {
		if c.trial {
			d.monitor.ReleaseTrial(name)
		}
		d.emit(c, usage.Event{ErrorKind: provider.KindTimeout, Cost: cost, Latency: latency})
		d.logger.Debug("attempt abandoned by caller",
			zap.String("provider", name),
			zap.String("request_id", c.req.RequestID),
			zap.Error(ctx.Err()),
		)
		return provider.KindTimeout
	}

	kind := provider.KindOf(err)
	d.monitor.RecordFailure(name, kind, c.trial)
	d.emit(c, usage.Event{ErrorKind: kind, Cost: cost, Latency: latency})
	d.logger.Warn("attempt failed",
		zap.String("provider", name),
		zap.String("request_id", c.req.RequestID),
		zap.Int("attempt", c.ordinal),
		zap.String("kind", string(kind)),
		zap.Bool("retryable", kind.Retryable()),
		zap.Duration("latency", latency),
		zap.Error(err),
	)
	if kind.Disqualifying() {
		d.registry.Disqualify(name, kind)
	}
	return kind
}

func (d *Dispatcher) emit(c *call, e usage.Event) {
	e.RequestID = c.req.RequestID
	e.Provider = c.name()
	e.Model = c.req.Model
	e.Attempt = c.ordinal
	e.Stream = c.req.Stream
	d.totals.record(e.Provider, e.Success, e.Cost)
	d.emitter.Emit(e)
}

func (d *Dispatcher) fail(span trace.Span, kind error, requestID string, attempts []Attempt) error {
	err := &DispatchError{Kind: kind, RequestID: requestID, Attempts: attempts}
	span.RecordError(err)
	span.SetStatus(codes.Error, kind.Error())
	d.logger.Warn("dispatch failed",
		zap.String("request_id", requestID),
		zap.Int("attempts", len(attempts)),
		zap.Error(err),
	)
	return err
}

// prepare copies the caller's request so nothing downstream mutates it.
func prepare(req *provider.Request) *provider.Request {
	c := req.Clone()
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	return c
}

// mergeRequest fills the provider's defaults into a copy of req.
func mergeRequest(req *provider.Request, cfg registry.ProviderConfig) *provider.Request {
	c := req.Clone()
	if c.Model == "" {
		c.Model = cfg.DefaultModel
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = cfg.MaxTokens
	}
	if c.Temperature == 0 {
		c.Temperature = cfg.Temperature
	}
	return c
}

func withDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	if deadline.IsZero() {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, deadline)
}

func attemptTimeout(cfg registry.ProviderConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return defaultAttemptTimeout
}
