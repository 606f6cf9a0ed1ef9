package handler

import (
	"net/http"
	"time"

	"github.com/ayo6706/p2p-settlement/internal/api/middleware"
	"github.com/ayo6706/p2p-settlement/internal/models"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"github.com/google/uuid"
)

// PayoutHandler handles HTTP requests for payouts.
type PayoutHandler struct {
	payouts *service.PayoutService
}

// NewPayoutHandler creates a new PayoutHandler instance.
func NewPayoutHandler(payouts *service.PayoutService) *PayoutHandler {
	return &PayoutHandler{payouts: payouts}
}

// CreatePayoutRequest represents the request body for creating a payout.
// Amounts are decimal strings.
type CreatePayoutRequest struct {
	MerchantID       string `json:"merchant_id" validate:"required,uuid"`
	Amount           string `json:"amount" validate:"required,numeric"`
	AmountUsdt       string `json:"amount_usdt" validate:"required,numeric"`
	Total            string `json:"total" validate:"required,numeric"`
	TotalUsdt        string `json:"total_usdt" validate:"required,numeric"`
	ExpiresInSeconds int    `json:"expires_in_seconds" validate:"omitempty,min=60"`
}

// CreatePayout handles POST /v1/payouts. The payout enters the unassigned
// pool and is picked up by the next redistribution pass.
func (h *PayoutHandler) CreatePayout(w http.ResponseWriter, r *http.Request) {
	p, ok := requestPrincipal(w, r)
	if !ok {
		return
	}
	var req CreatePayoutRequest
	if !decodeBody(w, r, &req) {
		return
	}
	merchantID := uuid.MustParse(req.MerchantID)
	if p.Role == middleware.RoleMerchant && p.ID != merchantID {
		RespondError(w, r, http.StatusForbidden, "auth/merchant-mismatch", "merchant_id does not match the caller")
		return
	}

	payout, err := h.payouts.CreatePayout(r.Context(), service.CreatePayoutRequest{
		MerchantID: merchantID,
		Amount:     mustDecimal(req.Amount),
		AmountUsdt: mustDecimal(req.AmountUsdt),
		Total:      mustDecimal(req.Total),
		TotalUsdt:  mustDecimal(req.TotalUsdt),
		ExpiresIn:  time.Duration(req.ExpiresInSeconds) * time.Second,
	})
	if err != nil {
		writeServiceError(w, r, "create payout", err)
		return
	}
	RespondJSON(w, http.StatusAccepted, payout)
}

// CancelPayout handles POST /v1/payouts/{id}/cancel. A trader gives the
// payout back to the pool; a merchant or operator voids it.
func (h *PayoutHandler) CancelPayout(w http.ResponseWriter, r *http.Request) {
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

	var (
		payout models.Payout
		err    error
	)
	switch p.Role {
	case middleware.RoleTrader:
		payout, err = h.payouts.CancelPayout(r.Context(), id, p.ID, req.Reason)
	default:
		if !h.ownedByCaller(w, r, p, id) {
			return
		}
		payout, err = h.payouts.VoidPayout(r.Context(), id, req.Reason)
	}
	if err != nil {
		writeServiceError(w, r, "cancel payout", err)
		return
	}
	RespondJSON(w, http.StatusOK, payout)
}

// ConfirmPayout handles POST /v1/payouts/{id}/confirm from the holding trader.
func (h *PayoutHandler) ConfirmPayout(w http.ResponseWriter, r *http.Request) {
	p, ok := requestPrincipal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	payout, err := h.payouts.ConfirmPayout(r.Context(), id, p.ID)
	if err != nil {
		writeServiceError(w, r, "confirm payout", err)
		return
	}
	RespondJSON(w, http.StatusOK, payout)
}

// ApprovePayout handles POST /v1/payouts/{id}/approve.
func (h *PayoutHandler) ApprovePayout(w http.ResponseWriter, r *http.Request) {
	p, ok := requestPrincipal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if !h.ownedByCaller(w, r, p, id) {
		return
	}
	payout, err := h.payouts.ApprovePayout(r.Context(), id, &p.ID)
	if err != nil {
		writeServiceError(w, r, "approve payout", err)
		return
	}
	RespondJSON(w, http.StatusOK, payout)
}

// ownedByCaller lets admins through and restricts merchants to their own
// payouts.
func (h *PayoutHandler) ownedByCaller(w http.ResponseWriter, r *http.Request, p middleware.Principal, id uuid.UUID) bool {
	if p.Role != middleware.RoleMerchant {
		return true
	}
	current, err := h.payouts.Payout(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, "load payout", err)
		return false
	}
	if current.MerchantID != p.ID {
		RespondError(w, r, http.StatusForbidden, "auth/merchant-mismatch", "payout belongs to another merchant")
		return false
	}
	return true
}
