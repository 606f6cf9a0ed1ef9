package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"go.uber.org/zap"
)

// RedistributionWorker runs payout redistribution passes on a fixed tick.
// A tick that finds a pass still running is skipped.
type RedistributionWorker struct {
	redistributor *service.Redistributor
	interval      time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

func NewRedistributionWorker(r *service.Redistributor) *RedistributionWorker {
	return &RedistributionWorker{
		redistributor: r,
		interval:      5 * time.Second,
		stopCh:        make(chan struct{}),
	}
}

// WithInterval sets the tick interval.
func (w *RedistributionWorker) WithInterval(interval time.Duration) *RedistributionWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// Start blocks until Stop is called or ctx is canceled.
func (w *RedistributionWorker) Start(ctx context.Context) {
	zap.L().Info("redistribution worker starting", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("redistribution worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("redistribution worker stop signal received")
			return
		case <-ticker.C:
			// a slow pass must not pile up ticks behind it
			go w.RunOnce(ctx)
		}
	}
}

func (w *RedistributionWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *RedistributionWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// RunOnce runs a single pass immediately.
func (w *RedistributionWorker) RunOnce(ctx context.Context) {
	_, err := w.redistributor.Redistribute(ctx)
	switch {
	case err == nil:
		observability.IncrementWorkerRun("redistribution", "success")
	case errors.Is(err, service.ErrPassInFlight):
		observability.IncrementWorkerRun("redistribution", "skipped")
		zap.L().Debug("redistribution tick skipped; pass in flight")
	default:
		observability.IncrementWorkerRun("redistribution", "failed")
		zap.L().Error("redistribution pass failed", zap.Error(err))
	}
}

func (w *RedistributionWorker) String() string {
	return fmt.Sprintf("RedistributionWorker(interval=%v)", w.interval)
}
