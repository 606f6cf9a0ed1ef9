package service

import (
	"context"
	"fmt"

	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReservationDrift is a trader whose stored frozen balance does not match
// its open obligations.
type ReservationDrift struct {
	TraderID uuid.UUID       `json:"trader_id"`
	Balance  string          `json:"balance"`
	Stored   decimal.Decimal `json:"stored"`
	Expected decimal.Decimal `json:"expected"`
}

// ReconciliationService verifies reservation invariants.
type ReconciliationService struct {
	store QueryStore
}

// NewReconciliationService creates a reconciliation service.
func NewReconciliationService(store QueryStore) *ReconciliationService {
	return &ReconciliationService{store: store}
}

// Run checks that every trader's frozenUsdt equals the reservations of its
// IN_PROGRESS transactions and frozenPayoutBalance equals the totals of its
// ACTIVE and CHECKING payouts.
func (s *ReconciliationService) Run(ctx context.Context) ([]ReservationDrift, error) {
	rows, err := s.store.Queries().ListTraderReservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list trader reservations: %w", err)
	}

	var drifts []ReservationDrift
	for _, row := range rows {
		if !row.FrozenUsdt.Equal(row.ExpectedFrozenUsdt) {
			drifts = append(drifts, ReservationDrift{TraderID: row.TraderID, Balance: "frozen_usdt", Stored: row.FrozenUsdt, Expected: row.ExpectedFrozenUsdt})
		}
		if !row.FrozenPayoutBalance.Equal(row.ExpectedFrozenPayout) {
			drifts = append(drifts, ReservationDrift{TraderID: row.TraderID, Balance: "frozen_payout_balance", Stored: row.FrozenPayoutBalance, Expected: row.ExpectedFrozenPayout})
		}
	}

	for _, d := range drifts {
		observability.IncrementReservationDrift(d.Balance)
		zap.L().Error("CRITICAL: reservation drift detected",
			zap.String("trader_id", d.TraderID.String()),
			zap.String("balance", d.Balance),
			zap.String("stored", d.Stored.String()),
			zap.String("expected", d.Expected.String()),
		)
	}
	if len(drifts) == 0 {
		zap.L().Info("reservations balanced", zap.Int("traders", len(rows)))
	}
	return drifts, nil
}
