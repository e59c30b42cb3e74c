package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Config struct {
	// Workers is the number of shards; events of one request always land
	// on the same shard and are written in emission order.
	Workers    int
	BufferSize int
	// MaxTries bounds sink write attempts per event.
	MaxTries       uint
	InitialBackoff time.Duration
	WriteTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:        4,
		BufferSize:     1024,
		MaxTries:       3,
		InitialBackoff: 100 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
	}
}

type Stats struct {
	Written int64
	Failed  int64
	Dropped int64
	Pending int
}

// Reporter hands events to a Sink on background workers.
type Reporter struct {
	sink   Sink
	logger *zap.Logger
	cfg    Config

	shards []chan *Event
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	started bool
	stopped bool

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

func NewReporter(sink Sink, cfg Config, logger *zap.Logger) *Reporter {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	perShard := max(cfg.BufferSize/cfg.Workers, 1)
	shards := make([]chan *Event, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan *Event, perShard)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reporter{
		sink:   sink,
		logger: logger,
		cfg:    cfg,
		shards: shards,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Reporter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return errors.New("usage reporter already started")
	}
	if r.stopped {
		return errors.New("usage reporter stopped")
	}

	for i, ch := range r.shards {
		r.wg.Add(1)
		go r.worker(i, ch)
	}
	r.started = true
	r.logger.Info("started usage reporter",
		zap.Int("workers", r.cfg.Workers),
		zap.Int("buffer_size", r.cfg.BufferSize))
	return nil
}

// Emit queues e without blocking. The event is dropped and counted when its
// shard is full or the reporter has stopped.
func (r *Reporter) Emit(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stopped {
		r.drop(&e, "reporter stopped")
		return
	}

	select {
	case r.shardFor(e.RequestID) <- &e:
	default:
		r.drop(&e, "usage buffer full")
	}
}

func (r *Reporter) drop(e *Event, reason string) {
	r.dropped.Add(1)
	r.logger.Warn("dropping usage event",
		zap.String("reason", reason),
		zap.String("request_id", e.RequestID),
		zap.String("provider", e.Provider))
}

func (r *Reporter) shardFor(requestID string) chan *Event {
	return r.shards[xxhash.Sum64String(requestID)%uint64(len(r.shards))]
}

// Stop stops accepting events and waits for queued ones to be written.
// If ctx ends first, in-progress retries are abandoned.
func (r *Reporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	pending := r.pending()
	for _, ch := range r.shards {
		close(ch)
	}
	started := r.started
	r.mu.Unlock()

	if !started {
		r.cancel()
		return nil
	}

	r.logger.Info("stopping usage reporter", zap.Int("pending_events", pending))

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.logger.Info("usage reporter stopped",
			zap.Int64("written", r.written.Load()),
			zap.Int64("failed", r.failed.Load()),
			zap.Int64("dropped", r.dropped.Load()))
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return fmt.Errorf("usage reporter stop: %w", ctx.Err())
	}
}

func (r *Reporter) pending() int {
	n := 0
	for _, ch := range r.shards {
		n += len(ch)
	}
	return n
}

func (r *Reporter) worker(id int, events <-chan *Event) {
	defer r.wg.Done()

	for e := range events {
		if err := r.write(e); err != nil {
			r.failed.Add(1)
			r.logger.Error("failed to write usage event",
				zap.Int("worker_id", id),
				zap.String("request_id", e.RequestID),
				zap.String("provider", e.Provider),
				zap.Error(err))
			continue
		}
		r.written.Add(1)
	}
}

func (r *Reporter) write(e *Event) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialBackoff

	_, err := backoff.Retry(r.ctx, func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(r.ctx, r.cfg.WriteTimeout)
		defer cancel()
		return struct{}{}, r.sink.Write(ctx, e)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Debug("retrying usage event write",
				zap.String("request_id", e.RequestID),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	return err
}

func (r *Reporter) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		Written: r.written.Load(),
		Failed:  r.failed.Load(),
		Dropped: r.dropped.Load(),
		Pending: r.pending(),
	}
}
