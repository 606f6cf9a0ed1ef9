package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"go.uber.org/zap"
)

// CallbackWorker drains the callback outbox. Safe for concurrent instances
// thanks to FOR UPDATE SKIP LOCKED in the claim.
type CallbackWorker struct {
	dispatcher *service.CallbackDispatcher
	interval   time.Duration
	batchSize  int32
	stopCh     chan struct{}
	stopOnce   sync.Once
}

func NewCallbackWorker(d *service.CallbackDispatcher) *CallbackWorker {
	return &CallbackWorker{
		dispatcher: d,
		interval:   2 * time.Second,
		batchSize:  50,
		stopCh:     make(chan struct{}),
	}
}

func (w *CallbackWorker) WithInterval(interval time.Duration) *CallbackWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *CallbackWorker) WithBatchSize(size int32) *CallbackWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

func (w *CallbackWorker) Start(ctx context.Context) {
	zap.L().Info("callback worker starting", zap.Duration("interval", w.interval), zap.Int32("batch_size", w.batchSize))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("callback worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("callback worker stop signal received")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *CallbackWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *CallbackWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

func (w *CallbackWorker) RunOnce(ctx context.Context) {
	delivered, err := w.dispatcher.Dispatch(ctx, w.batchSize)
	if err != nil {
		observability.IncrementWorkerRun("callbacks", "failed")
		zap.L().Error("callback dispatch failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("callbacks", "success")
	if delivered > 0 {
		zap.L().Debug("callbacks delivered", zap.Int("count", delivered))
	}
}
