package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultTransactionTTL = 15 * time.Minute

// SettingsProvider resolves the method and trader-merchant settings used in
// the freeze calculation.
type SettingsProvider interface {
	KKKPercent(ctx context.Context, methodID uuid.UUID) (decimal.Decimal, error)
	TraderFee(ctx context.Context, traderID, merchantID, methodID uuid.UUID) (decimal.Decimal, bool, error)
}

// FreezingService creates inbound transactions backed by a balance
// reservation and releases them on cancellation.
type FreezingService struct {
	store    QueryStore
	settings SettingsProvider
	audit    *AuditService
	ttl      time.Duration
	retries  int
	now      func() time.Time
}

func NewFreezingService(store QueryStore, settings SettingsProvider) *FreezingService {
	return &FreezingService{
		store:    store,
		settings: settings,
		audit:    NewAuditService(),
		ttl:      defaultTransactionTTL,
		retries:  defaultRetryAttempts,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithTTL sets the default lifetime of a new transaction.
func (s *FreezingService) WithTTL(ttl time.Duration) *FreezingService {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithRetries sets how many times a serialization failure is retried.
func (s *FreezingService) WithRetries(n int) *FreezingService {
	if n > 0 {
		s.retries = n
	}
	return s
}

// CreateTransactionRequest holds the parameters for a new inbound transaction.
// TraderID and BankDetailID pin the requisite; when both are nil the engine
// picks one.
type CreateTransactionRequest struct {
	Amount       decimal.Decimal
	Rate         decimal.Decimal
	MerchantID   uuid.UUID
	MethodID     uuid.UUID
	TraderID     *uuid.UUID
	BankDetailID *uuid.UUID
	OrderID      string
	ExpiresIn    time.Duration
}

func (r CreateTransactionRequest) validate() error {
	if !r.Amount.IsPositive() {
		return domain.ErrInvalidAmount
	}
	if !r.Rate.IsPositive() {
		return domain.ErrInvalidRate
	}
	if strings.TrimSpace(r.OrderID) == "" {
		return errors.New("order_id is required")
	}
	if r.MerchantID == uuid.Nil || r.MethodID == uuid.Nil {
		return errors.New("merchant_id and method_id are required")
	}
	return nil
}

// Quote computes the reservation a trader would need for amount without
// touching any balance.
func (s *FreezingService) Quote(ctx context.Context, amount, rate decimal.Decimal, traderID, merchantID, methodID uuid.UUID) (domain.FreezeQuote, error) {
	kkk, err := s.settings.KKKPercent(ctx, methodID)
	if err != nil {
		return domain.FreezeQuote{}, fmt.Errorf("load method settings: %w", err)
	}
	fee, enabled, err := s.settings.TraderFee(ctx, traderID, merchantID, methodID)
	if err != nil {
		return domain.FreezeQuote{}, fmt.Errorf("load trader fee: %w", err)
	}
	if !enabled {
		return domain.FreezeQuote{}, domain.ErrRelationDisabled
	}
	return domain.CalculateFreeze(amount, rate, kkk, fee)
}

// CreateTransaction freezes the trader balance and stores the transaction in
// one database transaction. A repeated (merchant, order) pair returns the
// transaction created first.
func (s *FreezingService) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (models.Transaction, error) {
	ctx, span := observability.StartSpan(ctx, "settlement.freeze")
	var err error
	defer func() { observability.EndSpan(span, err) }()
	span.SetAttributes(attribute.String("order_id", req.OrderID), attribute.String("amount", req.Amount.String()))

	if err = req.validate(); err != nil {
		return models.Transaction{}, err
	}

	existing, lookupErr := s.store.Queries().GetTransactionByOrder(ctx, req.MerchantID, req.OrderID)
	if lookupErr == nil {
		return existing, nil
	}
	if !errors.Is(lookupErr, domain.ErrNotFound) {
		err = fmt.Errorf("check order idempotency: %w", lookupErr)
		return models.Transaction{}, err
	}

	candidates, pinned, err := s.candidates(ctx, req)
	if err != nil {
		return models.Transaction{}, err
	}

	var tx models.Transaction
	tx, err = s.freezeFirstEligible(ctx, req, candidates, pinned)
	if errors.Is(err, domain.ErrConflict) {
		// Lost a race on the same order id.
		tx, err = s.store.Queries().GetTransactionByOrder(ctx, req.MerchantID, req.OrderID)
	}
	return tx, err
}

// candidates returns the requisites to try in order. pinned is true when the
// caller named the trader or requisite.
func (s *FreezingService) candidates(ctx context.Context, req CreateTransactionRequest) ([]repository.RequisiteCandidateRow, bool, error) {
	if req.BankDetailID != nil {
		b, err := s.store.Queries().GetBankDetail(ctx, *req.BankDetailID)
		if err != nil {
			return nil, true, fmt.Errorf("load bank detail: %w", err)
		}
		if b.IsArchived || b.MethodID != req.MethodID || (req.TraderID != nil && *req.TraderID != b.TraderID) {
			return nil, true, domain.ErrNoEligibleRequisite
		}
		return []repository.RequisiteCandidateRow{{BankDetail: b}}, true, nil
	}

	rows, err := s.store.Queries().ListRequisiteCandidates(ctx, repository.RequisiteCandidatesParams{
		MerchantID: req.MerchantID,
		MethodID:   req.MethodID,
		Amount:     req.Amount,
	})
	if err != nil {
		return nil, false, fmt.Errorf("list requisite candidates: %w", err)
	}
	if req.TraderID == nil {
		return rows, false, nil
	}
	filtered := rows[:0]
	for _, r := range rows {
		if r.BankDetail.TraderID == *req.TraderID {
			filtered = append(filtered, r)
		}
	}
	return filtered, true, nil
}

func (s *FreezingService) freezeFirstEligible(ctx context.Context, req CreateTransactionRequest, candidates []repository.RequisiteCandidateRow, pinned bool) (models.Transaction, error) {
	insufficient := false
	for _, c := range candidates {
		quote, err := s.Quote(ctx, req.Amount, req.Rate, c.BankDetail.TraderID, req.MerchantID, req.MethodID)
		if err != nil {
			if errors.Is(err, domain.ErrRelationDisabled) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return models.Transaction{}, err
		}

		var tx models.Transaction
		err = withRetry(ctx, "freeze", s.retries, func() error {
			var txErr error
			tx, txErr = s.freeze(ctx, req, c.BankDetail, quote)
			return txErr
		})
		switch {
		case err == nil:
			return tx, nil
		case errors.Is(err, domain.ErrInsufficientBalance):
			insufficient = true
			continue
		default:
			return models.Transaction{}, err
		}
	}
	if pinned && insufficient {
		return models.Transaction{}, domain.ErrInsufficientBalance
	}
	return models.Transaction{}, domain.ErrNoEligibleRequisite
}

func (s *FreezingService) freeze(ctx context.Context, req CreateTransactionRequest, b models.BankDetail, quote domain.FreezeQuote) (models.Transaction, error) {
	now := s.now()
	ttl := s.ttl
	if req.ExpiresIn > 0 {
		ttl = req.ExpiresIn
	}
	tx := models.Transaction{
		ID:                   uuid.New(),
		MerchantID:           req.MerchantID,
		MethodID:             req.MethodID,
		TraderID:             b.TraderID,
		BankDetailID:         b.ID,
		OrderID:              req.OrderID,
		Type:                 domain.TxTypeIn,
		Amount:               quote.Amount,
		Rate:                 quote.BaseRate,
		KKKPercent:           quote.KKKPercent,
		FeeInPercent:         quote.FeeInPercent,
		FrozenUsdtAmount:     quote.Frozen,
		CalculatedCommission: quote.Commission,
		Status:               domain.TxStatusInProgress,
		ExpiredAt:            now.Add(ttl),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	err := s.store.RunInTx(ctx, func(qtx repository.Querier) error {
		trader, err := qtx.GetTraderForUpdate(ctx, b.TraderID)
		if err != nil {
			return fmt.Errorf("lock trader: %w", err)
		}
		if trader.TrustBalance.LessThan(quote.Total) {
			return fmt.Errorf("trader %s has %s, needs %s: %w", trader.ID, trader.TrustBalance, quote.Total, domain.ErrInsufficientBalance)
		}
		if _, err := applyBalance(ctx, qtx, b.TraderID, "freeze", domain.FreezeDelta(quote.Total)); err != nil {
			return err
		}
		if err := qtx.CreateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
		return s.audit.Write(ctx, qtx, entityTransaction, tx.ID, nil, "frozen", "", tx.Status, nil)
	})
	if err != nil {
		observability.IncrementBalanceOp("freeze", "failed")
		return models.Transaction{}, err
	}

	observability.IncrementBalanceOp("freeze", "success")
	zap.L().Info("transaction frozen",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("trader_id", tx.TraderID.String()),
		zap.String("frozen", quote.Frozen.String()),
		zap.String("commission", quote.Commission.String()),
	)
	return tx, nil
}

// Transaction returns the current state of a transaction.
func (s *FreezingService) Transaction(ctx context.Context, id uuid.UUID) (models.Transaction, error) {
	return s.store.Queries().GetTransaction(ctx, id)
}

// CancelTransaction cancels an open transaction and unfreezes its
// reservation. Canceling a transaction that already left IN_PROGRESS is a
// no-op and returns its current state.
func (s *FreezingService) CancelTransaction(ctx context.Context, id uuid.UUID, actorID *uuid.UUID, reason string) (models.Transaction, error) {
	metadata, err := marshalReasonMetadata(reason)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("encode cancel metadata: %w", err)
	}

	var tx models.Transaction
	err = withRetry(ctx, "cancel_transaction", s.retries, func() error {
		return s.store.RunInTx(ctx, func(qtx repository.Querier) error {
			var relErr error
			tx, relErr = releaseTransaction(ctx, qtx, s.audit, releaseRequest{
				TransactionID: id,
				Next:          domain.TxStatusCanceled,
				ActorID:       actorID,
				Action:        "canceled",
				At:            s.now(),
				Metadata:      metadata,
			})
			return relErr
		})
	})
	if errors.Is(err, domain.ErrAlreadyTerminal) {
		current, getErr := s.store.Queries().GetTransaction(ctx, id)
		if getErr != nil {
			return models.Transaction{}, getErr
		}
		return current, nil
	}
	if err != nil {
		return models.Transaction{}, err
	}
	zap.L().Info("transaction canceled", zap.String("transaction_id", id.String()))
	return tx, nil
}
