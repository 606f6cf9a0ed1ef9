package worker

import (
	"context"
	"fmt"

	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger adapts zap to the cron.Logger interface.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// ExpiryScheduler runs the transaction and payout expiry sweeps on a cron
// schedule.
type ExpiryScheduler struct {
	cron      *cron.Cron
	svc       *service.ExpiryService
	schedule  string
	batchSize int32
}

func NewExpiryScheduler(svc *service.ExpiryService, schedule string, batchSize int32) *ExpiryScheduler {
	if schedule == "" {
		schedule = "@every 10s"
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	logger := cronLogger{log: zap.L().Sugar()}
	return &ExpiryScheduler{
		cron:      cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)), cron.WithLogger(logger)),
		svc:       svc,
		schedule:  schedule,
		batchSize: batchSize,
	}
}

// Start registers the sweep and starts the scheduler. Jobs run with ctx.
func (s *ExpiryScheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule expiry sweep %q: %w", s.schedule, err)
	}
	zap.L().Info("scheduled expiry sweep", zap.String("schedule", s.schedule), zap.Int32("batch_size", s.batchSize))
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done when running jobs finish.
func (s *ExpiryScheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *ExpiryScheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.svc.ExpireDue(ctx, s.batchSize); err != nil {
		observability.IncrementWorkerRun("expiry", "failed")
		zap.L().Error("expiry sweep failed", zap.Error(err))
		return
	}
	if _, err := s.svc.ExpirePayouts(ctx, s.batchSize); err != nil {
		observability.IncrementWorkerRun("expiry", "failed")
		zap.L().Error("payout expiry sweep failed", zap.Error(err))
		return
	}
	observability.IncrementWorkerRun("expiry", "success")
}
