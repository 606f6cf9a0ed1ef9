package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PayoutService handles the payout lifecycle outside of redistribution.
type PayoutService struct {
	store   QueryStore
	audit   *AuditService
	retries int
	now     func() time.Time
}

func NewPayoutService(store QueryStore) *PayoutService {
	return &PayoutService{
		store:   store,
		audit:   NewAuditService(),
		retries: defaultRetryAttempts,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

type CreatePayoutRequest struct {
	MerchantID uuid.UUID
	Amount     decimal.Decimal
	AmountUsdt decimal.Decimal
	Total      decimal.Decimal
	TotalUsdt  decimal.Decimal
	ExpiresIn  time.Duration
}

// Payout returns the current state of a payout.
func (s *PayoutService) Payout(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	return s.store.Queries().GetPayout(ctx, id)
}

// CreatePayout puts a new payout into the unassigned pool.
func (s *PayoutService) CreatePayout(ctx context.Context, req CreatePayoutRequest) (models.Payout, error) {
	if req.MerchantID == uuid.Nil {
		return models.Payout{}, errors.New("merchant_id is required")
	}
	for _, v := range []decimal.Decimal{req.Amount, req.AmountUsdt, req.Total, req.TotalUsdt} {
		if !v.IsPositive() {
			return models.Payout{}, domain.ErrInvalidAmount
		}
	}
	if req.TotalUsdt.LessThan(req.AmountUsdt) {
		return models.Payout{}, fmt.Errorf("total_usdt %s below amount_usdt %s: %w", req.TotalUsdt, req.AmountUsdt, domain.ErrInvalidAmount)
	}

	now := s.now()
	p := models.Payout{
		ID:                uuid.New(),
		MerchantID:        req.MerchantID,
		Amount:            req.Amount,
		AmountUsdt:        req.AmountUsdt,
		Total:             req.Total,
		TotalUsdt:         req.TotalUsdt,
		Status:            domain.PayoutStatusCreated,
		PreviousTraderIDs: []uuid.UUID{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if req.ExpiresIn > 0 {
		p.ExpireAt = timePtr(now.Add(req.ExpiresIn))
	}

	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		if err := qtx.CreatePayout(ctx, p); err != nil {
			return fmt.Errorf("create payout: %w", err)
		}
		return s.audit.Write(ctx, qtx, entityPayout, p.ID, nil, "created", "", p.Status, nil)
	})
	if err != nil {
		return models.Payout{}, err
	}
	zap.L().Info("payout created", zap.String("payout_id", p.ID.String()), zap.String("total", p.Total.String()))
	return p, nil
}

// CancelPayout returns an ACTIVE or CHECKING payout held by traderID to the
// pool. The trader is recorded in the cancel reason and skipped by the next
// assignment.
func (s *PayoutService) CancelPayout(ctx context.Context, payoutID, traderID uuid.UUID, reason string) (models.Payout, error) {
	var p models.Payout
	err := withRetry(ctx, "cancel_payout", s.retries, func() error {
		return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
			var relErr error
			p, relErr = returnPayoutToPool(ctx, qtx, s.audit, payoutReturn{
				PayoutID: payoutID,
				TraderID: traderID,
				ActorID:  &traderID,
				Reason:   reason,
				Action:   "trader_canceled",
				From:     []string{domain.PayoutStatusActive, domain.PayoutStatusChecking},
				At:       s.now(),
			})
			return relErr
		})
	})
	if err != nil {
		return models.Payout{}, err
	}
	zap.L().Info("payout returned to pool",
		zap.String("payout_id", payoutID.String()),
		zap.String("trader_id", traderID.String()),
	)
	return p, nil
}

// ConfirmPayout records that the trader sent the funds.
func (s *PayoutService) ConfirmPayout(ctx context.Context, payoutID, traderID uuid.UUID) (models.Payout, error) {
	var p models.Payout
	err := withRetry(ctx, "confirm_payout", s.retries, func() error {
		return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
			current, err := qtx.GetPayoutForUpdate(ctx, payoutID)
			if err != nil {
				return fmt.Errorf("load payout: %w", err)
			}
			if current.TraderID == nil || *current.TraderID != traderID {
				return domain.ErrNotAssigned
			}
			if current.Status != domain.PayoutStatusActive {
				return fmt.Errorf("payout %s is %s: %w", current.ID, current.Status, domain.ErrInvalidTransition)
			}
			p, err = movePayout(ctx, qtx, s.audit, current, domain.PayoutStatusChecking, &traderID, "confirmed", s.now())
			return err
		})
	})
	if err != nil {
		return models.Payout{}, err
	}
	return p, nil
}

// ApprovePayout completes a confirmed payout, consuming the reservation and
// booking the spread as trader profit.
func (s *PayoutService) ApprovePayout(ctx context.Context, payoutID uuid.UUID, actorID *uuid.UUID) (models.Payout, error) {
	var p models.Payout
	err := withRetry(ctx, "approve_payout", s.retries, func() error {
		return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
			current, err := qtx.GetPayoutForUpdate(ctx, payoutID)
			if err != nil {
				return fmt.Errorf("load payout: %w", err)
			}
			if current.Status == domain.PayoutStatusCompleted {
				p = current
				return nil
			}
			if current.Status != domain.PayoutStatusChecking || current.TraderID == nil {
				return fmt.Errorf("payout %s is %s: %w", current.ID, current.Status, domain.ErrInvalidTransition)
			}
			profit := current.TotalUsdt.Sub(current.AmountUsdt)
			if _, err := applyBalance(ctx, qtx, *current.TraderID, "complete_payout", domain.CompletePayoutDelta(current.Total, profit)); err != nil {
				observability.IncrementBalanceOp("complete_payout", "failed")
				return err
			}
			observability.IncrementBalanceOp("complete_payout", "success")
			p, err = movePayout(ctx, qtx, s.audit, current, domain.PayoutStatusCompleted, actorID, "approved", s.now())
			return err
		})
	})
	if err != nil {
		return models.Payout{}, err
	}
	zap.L().Info("payout completed", zap.String("payout_id", p.ID.String()))
	return p, nil
}

// VoidPayout cancels a payout for good on the merchant's request. A held
// reservation is released first.
func (s *PayoutService) VoidPayout(ctx context.Context, payoutID uuid.UUID, reason string) (models.Payout, error) {
	metadata, err := marshalReasonMetadata(reason)
	if err != nil {
		return models.Payout{}, fmt.Errorf("encode cancel metadata: %w", err)
	}
	var p models.Payout
	err = withRetry(ctx, "void_payout", s.retries, func() error {
		return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
			current, err := qtx.GetPayoutForUpdate(ctx, payoutID)
			if err != nil {
				return fmt.Errorf("load payout: %w", err)
			}
			switch current.Status {
			case domain.PayoutStatusCanceled:
				p = current
				return nil
			case domain.PayoutStatusCompleted:
				return fmt.Errorf("payout %s is completed: %w", current.ID, domain.ErrInvalidTransition)
			case domain.PayoutStatusActive, domain.PayoutStatusChecking:
				if current.TraderID != nil {
					if _, err := applyBalance(ctx, qtx, *current.TraderID, "release_payout", domain.ReleasePayoutDelta(current.Total)); err != nil {
						return err
					}
				}
			}
			rows, err := qtx.UpdatePayoutStatus(ctx, repository.UpdatePayoutStatusParams{
				ID:         current.ID,
				FromStatus: current.Status,
				ToStatus:   domain.PayoutStatusCanceled,
				UpdatedAt:  s.now(),
			})
			if err != nil {
				return fmt.Errorf("cancel payout: %w", err)
			}
			if rows == 0 {
				return domain.ErrConcurrentModification
			}
			if err := s.audit.Write(ctx, qtx, entityPayout, current.ID, nil, "voided", current.Status, domain.PayoutStatusCanceled, metadata); err != nil {
				return err
			}
			p = current
			p.Status = domain.PayoutStatusCanceled
			return nil
		})
	})
	if err != nil {
		return models.Payout{}, err
	}
	return p, nil
}

func movePayout(ctx context.Context, qtx repository.Querier, audit *AuditService, p models.Payout, next string, actorID *uuid.UUID, action string, at time.Time) (models.Payout, error) {
	rows, err := qtx.UpdatePayoutStatus(ctx, repository.UpdatePayoutStatusParams{
		ID:         p.ID,
		FromStatus: p.Status,
		ToStatus:   next,
		UpdatedAt:  at,
	})
	if err != nil {
		return p, fmt.Errorf("update payout status: %w", err)
	}
	if rows == 0 {
		return p, domain.ErrConcurrentModification
	}
	if err := audit.Write(ctx, qtx, entityPayout, p.ID, actorID, action, p.Status, next, nil); err != nil {
		return p, err
	}
	p.Status = next
	p.UpdatedAt = at
	return p, nil
}

type payoutReturn struct {
	PayoutID uuid.UUID
	TraderID uuid.UUID
	ActorID  *uuid.UUID
	Reason   string
	Action   string
	// From lists the statuses the payout may be released from.
	From []string
	At   time.Time
}

// returnPayoutToPool reverses an assignment held by req.TraderID: the
// reservation goes back to the payout balance and the payout becomes
// unassigned with the trader excluded from the next pick.
func returnPayoutToPool(ctx context.Context, qtx repository.Querier, audit *AuditService, req payoutReturn) (models.Payout, error) {
	p, err := qtx.GetPayoutForUpdate(ctx, req.PayoutID)
	if err != nil {
		return models.Payout{}, fmt.Errorf("load payout: %w", err)
	}
	if p.TraderID == nil || *p.TraderID != req.TraderID {
		return p, fmt.Errorf("payout %s: %w", p.ID, domain.ErrNotAssigned)
	}
	if !slices.Contains(req.From, p.Status) {
		return p, fmt.Errorf("payout %s is %s: %w", p.ID, p.Status, domain.ErrInvalidTransition)
	}

	if _, err := applyBalance(ctx, qtx, req.TraderID, "release_payout", domain.ReleasePayoutDelta(p.Total)); err != nil {
		observability.IncrementBalanceOp("release_payout", "failed")
		return p, err
	}

	cancelReason := exclusionReason(req.TraderID, req.Reason)
	previous := append(append([]uuid.UUID{}, p.PreviousTraderIDs...), req.TraderID)
	rows, err := qtx.ReleasePayout(ctx, repository.ReleasePayoutParams{
		ID:                p.ID,
		FromStatuses:      req.From,
		CancelReason:      cancelReason,
		PreviousTraderIDs: previous,
		UpdatedAt:         req.At,
	})
	if err != nil {
		return p, fmt.Errorf("release payout: %w", err)
	}
	if rows == 0 {
		return p, domain.ErrConcurrentModification
	}
	observability.IncrementBalanceOp("release_payout", "success")

	metadata, err := marshalReasonMetadata(req.Reason)
	if err != nil {
		return p, fmt.Errorf("encode release metadata: %w", err)
	}
	if err := audit.Write(ctx, qtx, entityPayout, p.ID, req.ActorID, req.Action, p.Status, domain.PayoutStatusCreated, metadata); err != nil {
		return p, err
	}

	p.Status = domain.PayoutStatusCreated
	p.TraderID = nil
	p.AcceptedAt = nil
	p.CancelReason = &cancelReason
	p.PreviousTraderIDs = previous
	p.UpdatedAt = req.At
	return p, nil
}

func exclusionReason(traderID uuid.UUID, reason string) string {
	out := domain.CancelReasonTraderPrefix + traderID.String()
	if reason = strings.TrimSpace(reason); reason != "" {
		out += " " + reason
	}
	return out
}

// excludedTrader returns the trader recorded in a cancel reason.
func excludedTrader(cancelReason *string) (uuid.UUID, bool) {
	if cancelReason == nil {
		return uuid.Nil, false
	}
	idx := strings.Index(*cancelReason, domain.CancelReasonTraderPrefix)
	if idx < 0 {
		return uuid.Nil, false
	}
	rest := (*cancelReason)[idx+len(domain.CancelReasonTraderPrefix):]
	if len(rest) > 36 {
		rest = rest[:36]
	}
	id, err := uuid.Parse(rest)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
