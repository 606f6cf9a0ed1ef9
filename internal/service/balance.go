package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// applyBalance is the only path that mutates trader balances. It locks the
// trader row, applies delta and writes the result back in qtx.
func applyBalance(ctx context.Context, qtx repository.Querier, traderID uuid.UUID, operation string, delta domain.BalanceDelta) (models.Trader, error) {
	trader, err := qtx.GetTraderForUpdate(ctx, traderID)
	if err != nil {
		return models.Trader{}, fmt.Errorf("%s: %w", operation, err)
	}

	next, err := delta.Apply(trader)
	if err != nil {
		if errors.Is(err, domain.ErrBalanceInvariant) {
			observability.IncrementBalanceInvariant(operation)
			zap.L().Error("balance invariant violated", zap.String("operation", operation), zap.String("trader_id", traderID.String()), zap.Error(err))
		}
		return models.Trader{}, fmt.Errorf("%s: %w", operation, err)
	}

	rows, err := qtx.UpdateTraderBalances(ctx, next)
	if err != nil {
		if errors.Is(err, domain.ErrBalanceInvariant) {
			observability.IncrementBalanceInvariant(operation)
		}
		return models.Trader{}, fmt.Errorf("%s: %w", operation, err)
	}
	if err := requireExactlyOne(rows, operation); err != nil {
		return models.Trader{}, err
	}
	return next, nil
}
