package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/domain"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/observability"
	"github.com/ayo6706/p2p-settlement/internal/repository"
	"github.com/google/uuid"
)

var transactionTransitions = map[string]map[string]struct{}{
	domain.TxStatusCreated: {
		domain.TxStatusInProgress: {},
		domain.TxStatusReady:      {},
		domain.TxStatusCanceled:   {},
		domain.TxStatusExpired:    {},
	},
	domain.TxStatusInProgress: {
		domain.TxStatusReady:    {},
		domain.TxStatusCanceled: {},
		domain.TxStatusExpired:  {},
		domain.TxStatusDispute:  {},
	},
	domain.TxStatusReady: {
		domain.TxStatusDispute: {},
	},
	domain.TxStatusCanceled: {},
	domain.TxStatusExpired:  {},
	domain.TxStatusDispute:  {},
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func canTransition(current, next string) bool {
	nextStates, ok := transactionTransitions[normalizeState(current)]
	if !ok {
		return false
	}
	_, ok = nextStates[normalizeState(next)]
	return ok
}

// isOpen reports whether a transaction still holds, or may still acquire, a
// reservation.
func isOpen(status string) bool {
	return status == domain.TxStatusCreated || status == domain.TxStatusInProgress
}

// releaseRequest describes one terminal move of an open transaction.
type releaseRequest struct {
	TransactionID uuid.UUID
	Next          string
	ActorID       *uuid.UUID
	Action        string
	At            time.Time
	Metadata      []byte
}

// releaseTransaction moves an open transaction to a terminal state and
// releases its reservation exactly once: settle for READY, unfreeze for
// CANCELED and EXPIRED. The status change is a conditional update, so of two
// concurrent callers one gets ErrAlreadyTerminal and nothing is applied twice.
// A callback event is queued in the same transaction.
func releaseTransaction(ctx context.Context, qtx repository.Querier, audit *AuditService, req releaseRequest) (models.Transaction, error) {
	tx, err := qtx.GetTransaction(ctx, req.TransactionID)
	if err != nil {
		return models.Transaction{}, fmt.Errorf("load transaction: %w", err)
	}
	if !isOpen(tx.Status) {
		return tx, fmt.Errorf("transaction %s is %s: %w", tx.ID, tx.Status, domain.ErrAlreadyTerminal)
	}
	if !canTransition(tx.Status, req.Next) {
		return tx, fmt.Errorf("transaction %s -> %s: %w", tx.Status, req.Next, domain.ErrInvalidTransition)
	}

	params := repository.UpdateTransactionStatusParams{
		ID:           tx.ID,
		FromStatuses: []string{tx.Status},
		ToStatus:     req.Next,
		UpdatedAt:    req.At,
	}
	if req.Next == domain.TxStatusReady {
		params.AcceptedAt = timePtr(req.At)
	}
	rows, err := qtx.UpdateTransactionStatus(ctx, params)
	if err != nil {
		return tx, fmt.Errorf("update transaction status: %w", err)
	}
	if rows == 0 {
		return tx, fmt.Errorf("transaction %s changed concurrently: %w", tx.ID, domain.ErrAlreadyTerminal)
	}

	prev := tx.Status
	if prev == domain.TxStatusInProgress {
		operation, delta := "unfreeze", domain.UnfreezeDelta(tx.FrozenUsdtAmount, tx.CalculatedCommission)
		if req.Next == domain.TxStatusReady {
			operation, delta = "settle", domain.SettleDelta(tx.FrozenUsdtAmount, tx.CalculatedCommission)
		}
		if _, err := applyBalance(ctx, qtx, tx.TraderID, operation, delta); err != nil {
			observability.IncrementBalanceOp(operation, "failed")
			return tx, err
		}
		observability.IncrementBalanceOp(operation, "success")
	}

	tx.Status = req.Next
	tx.UpdatedAt = req.At
	if params.AcceptedAt != nil {
		tx.AcceptedAt = params.AcceptedAt
	}

	if err := audit.Write(ctx, qtx, entityTransaction, tx.ID, req.ActorID, req.Action, prev, req.Next, req.Metadata); err != nil {
		return tx, err
	}
	if err := enqueueCallback(ctx, qtx, tx, req.At); err != nil {
		return tx, err
	}
	return tx, nil
}

func enqueueCallback(ctx context.Context, qtx repository.Querier, tx models.Transaction, at time.Time) error {
	payload, err := json.Marshal(models.SettlementCallbackEvent{
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		MerchantID:    tx.MerchantID,
		Amount:        tx.Amount,
		Status:        tx.Status,
		Timestamp:     at,
	})
	if err != nil {
		return fmt.Errorf("encode callback event: %w", err)
	}
	if _, err := qtx.InsertCallbackEvent(ctx, repository.InsertCallbackEventParams{
		TransactionID: tx.ID,
		Payload:       payload,
		CreatedAt:     at,
	}); err != nil {
		return fmt.Errorf("enqueue callback: %w", err)
	}
	return nil
}

func marshalReasonMetadata(reason string) ([]byte, error) {
	if reason == "" {
		return nil, nil
	}
	return json.Marshal(map[string]string{"reason": reason})
}
