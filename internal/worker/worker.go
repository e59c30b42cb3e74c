package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type WindowRoller interface {
	RollWindow()
}

// Roller slides the tracker's rate windows on a fixed tick. It runs apart
// from request handling and only touches per-provider tracker locks.
type Roller struct {
	target   WindowRoller
	interval time.Duration
	logger   *zap.Logger
}

func NewRoller(target WindowRoller, interval time.Duration, logger *zap.Logger) *Roller {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Roller{target: target, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled.
func (r *Roller) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("window roller started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("window roller stopped")
			return nil
		case <-ticker.C:
			r.target.RollWindow()
		}
	}
}
