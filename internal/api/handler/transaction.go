package handler

import (
	"net/http"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/api/middleware"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"github.com/google/uuid"
)

// TransactionHandler exposes inbound transaction creation and cancellation.
type TransactionHandler struct {
	freezing *service.FreezingService
}

func NewTransactionHandler(freezing *service.FreezingService) *TransactionHandler {
	return &TransactionHandler{freezing: freezing}
}

// CreateTransactionRequest is the body of POST /v1/transactions. Amount and
// rate are decimal strings.
type CreateTransactionRequest struct {
	Amount           string `json:"amount" validate:"required,numeric"`
	Rate             string `json:"rate" validate:"required,numeric"`
	MerchantID       string `json:"merchant_id" validate:"required,uuid"`
	MethodID         string `json:"method_id" validate:"required,uuid"`
	TraderID         string `json:"trader_id" validate:"required_with=BankDetailID,omitempty,uuid"`
	BankDetailID     string `json:"bank_detail_id" validate:"omitempty,uuid"`
	OrderID          string `json:"order_id" validate:"required,max=128"`
	ExpiresInSeconds int    `json:"expires_in_seconds" validate:"omitempty,min=60,max=86400"`
}

// CancelRequest is the optional body of the cancel endpoints.
type CancelRequest struct {
	Reason string `json:"reason" validate:"max=256"`
}

// CreateTransaction handles POST /v1/transactions.
func (h *TransactionHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	p, ok := requestPrincipal(w, r)
	if !ok {
		return
	}
	var req CreateTransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	merchantID := uuid.MustParse(req.MerchantID)
	if p.Role == middleware.RoleMerchant && p.ID != merchantID {
		RespondError(w, r, http.StatusForbidden, "auth/merchant-mismatch", "merchant_id does not match the caller")
		return
	}

	tx, err := h.freezing.CreateTransaction(r.Context(), service.CreateTransactionRequest{
		Amount:       mustDecimal(req.Amount),
		Rate:         mustDecimal(req.Rate),
		MerchantID:   merchantID,
		MethodID:     uuid.MustParse(req.MethodID),
		TraderID:     optionalUUID(req.TraderID),
		BankDetailID: optionalUUID(req.BankDetailID),
		OrderID:      req.OrderID,
		ExpiresIn:    time.Duration(req.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(w, r, "create transaction", err)
		return
	}
	RespondJSON(w, http.StatusCreated, tx)
}

// CancelTransaction handles POST /v1/transactions/{id}/cancel. Canceling a
// transaction that already settled returns its current state.
func (h *TransactionHandler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	p, ok := requestPrincipal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req CancelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if p.Role == middleware.RoleMerchant {
		current, err := h.freezing.Transaction(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, "cancel transaction", err)
			return
		}
		if current.MerchantID != p.ID {
			RespondError(w, r, http.StatusForbidden, "auth/merchant-mismatch", "transaction belongs to another merchant")
			return
		}
	}

	tx, err := h.freezing.CancelTransaction(r.Context(), id, &p.ID, req.Reason)
	if err != nil {
		writeServiceError(w, r, "cancel transaction", err)
		return
	}
	RespondJSON(w, http.StatusOK, tx)
}
