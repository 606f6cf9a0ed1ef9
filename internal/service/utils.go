package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/observability"
	"go.uber.org/zap"
)

const defaultRetryAttempts = 3

func requireExactlyOne(rows int64, operation string) error {
	if rows != 1 {
		return fmt.Errorf("%s affected %d rows", operation, rows)
	}
	return nil
}

// withRetry reruns fn while it fails with ErrConcurrentModification, up to
// attempts times. Each attempt must start a fresh transaction.
func withRetry(ctx context.Context, operation string, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !errors.Is(err, domain.ErrConcurrentModification) {
			return err
		}
		if i == attempts-1 {
			break
		}
		observability.IncrementConcurrentRetry(operation)
		zap.L().Debug("retrying after concurrent modification", zap.String("operation", operation), zap.Int("attempt", i+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(i+1) * 10 * time.Millisecond):
		}
	}
	return err
}

func timePtr(t time.Time) *time.Time {
	return &t
}
