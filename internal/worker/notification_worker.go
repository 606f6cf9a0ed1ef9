package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"go.uber.org/zap"
)

// NotificationWorker feeds stored bank notifications to the matcher.
type NotificationWorker struct {
	matcher     *service.Matcher
	interval    time.Duration
	batchSize   int32
	concurrency int
	stopCh      chan struct{}
	stopOnce    sync.Once
}

func NewNotificationWorker(m *service.Matcher) *NotificationWorker {
	return &NotificationWorker{
		matcher:     m,
		interval:    2 * time.Second,
		batchSize:   100,
		concurrency: 4,
		stopCh:      make(chan struct{}),
	}
}

func (w *NotificationWorker) WithInterval(interval time.Duration) *NotificationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

func (w *NotificationWorker) WithBatchSize(size int32) *NotificationWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// WithConcurrency sets how many notifications are matched in parallel.
func (w *NotificationWorker) WithConcurrency(n int) *NotificationWorker {
	if n > 0 {
		w.concurrency = n
	}
	return w
}

func (w *NotificationWorker) Start(ctx context.Context) {
	zap.L().Info("notification worker starting",
		zap.Duration("interval", w.interval),
		zap.Int32("batch_size", w.batchSize),
		zap.Int("concurrency", w.concurrency),
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("notification worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("notification worker stop signal received")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *NotificationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

func (w *NotificationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// RunOnce processes one batch and returns how many notifications were handled.
func (w *NotificationWorker) RunOnce(ctx context.Context) int {
	done, err := w.matcher.ProcessPending(ctx, w.batchSize, w.concurrency)
	if err != nil {
		observability.IncrementWorkerRun("notifications", "failed")
		zap.L().Error("notification batch failed", zap.Error(err))
		return done
	}
	observability.IncrementWorkerRun("notifications", "success")
	return done
}
