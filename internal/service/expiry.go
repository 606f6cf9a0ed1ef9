package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"go.uber.org/zap"
)

// ExpiryService moves transactions past their expiredAt to EXPIRED through
// the same release path as the matcher. Pooled payouts past their expireAt
// are canceled.
type ExpiryService struct {
	store   QueryStore
	audit   *AuditService
	retries int
	now     func() time.Time
}

func NewExpiryService(store QueryStore) *ExpiryService {
	return &ExpiryService{
		store:   store,
		audit:   NewAuditService(),
		retries: defaultRetryAttempts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ExpireDue expires up to limit overdue transactions and returns how many
// it expired. Transactions settled concurrently are skipped.
func (s *ExpiryService) ExpireDue(ctx context.Context, limit int32) (int, error) {
	due, err := s.store.Queries().ListExpiredTransactions(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired transactions: %w", err)
	}

	expired := 0
	for _, tx := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		err := withRetry(ctx, "expire", s.retries, func() error {
			return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
				_, relErr := releaseTransaction(ctx, qtx, s.audit, releaseRequest{
					TransactionID: tx.ID,
					Next:          domain.TxStatusExpired,
					Action:        "expired",
					At:            s.now(),
				})
				return relErr
			})
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, domain.ErrAlreadyTerminal):
			zap.L().Debug("expiry skipped; transaction already terminal", zap.String("transaction_id", tx.ID.String()))
		default:
			return expired, fmt.Errorf("expire transaction %s: %w", tx.ID, err)
		}
	}
	if expired > 0 {
		zap.L().Info("expired transactions", zap.Int("count", expired))
	}
	return expired, nil
}

// ExpirePayouts cancels up to limit unassigned payouts whose expireAt has
// passed. Payouts assigned in the meantime are left alone.
func (s *ExpiryService) ExpirePayouts(ctx context.Context, limit int32) (int, error) {
	due, err := s.store.Queries().ListExpiredPayouts(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list expired payouts: %w", err)
	}

	expired := 0
	for _, p := range due {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		err := withRetry(ctx, "expire_payout", s.retries, func() error {
			return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
				cur, err := qtx.GetPayoutForUpdate(ctx, p.ID)
				if err != nil {
					return fmt.Errorf("load payout: %w", err)
				}
				if cur.Status != domain.PayoutStatusCreated || cur.TraderID != nil {
					return errPayoutTaken
				}
				_, err = movePayout(ctx, qtx, s.audit, cur, domain.PayoutStatusCanceled, nil, "expired", s.now())
				return err
			})
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, errPayoutTaken):
			zap.L().Debug("payout expiry skipped; payout left the pool", zap.String("payout_id", p.ID.String()))
		default:
			return expired, fmt.Errorf("expire payout %s: %w", p.ID, err)
		}
	}
	if expired > 0 {
		zap.L().Info("expired payouts", zap.Int("count", expired))
	}
	return expired, nil
}
