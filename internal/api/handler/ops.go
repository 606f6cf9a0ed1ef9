package handler

import (
	"net/http"

	"github.com/ayo6706/p2p-settlement/internal/service"
)

// OpsHandler exposes operator controls.
type OpsHandler struct {
	redistributor *service.Redistributor
}

func NewOpsHandler(redistributor *service.Redistributor) *OpsHandler {
	return &OpsHandler{redistributor: redistributor}
}

// Redistribute handles POST /v1/ops/redistribute by running one pass now.
// A pass already in flight yields 409 with the previous result untouched.
func (h *OpsHandler) Redistribute(w http.ResponseWriter, r *http.Request) {
	result, err := h.redistributor.Redistribute(r.Context())
	if err != nil {
		writeServiceError(w, r, "redistribute", err)
		return
	}
	RespondJSON(w, http.StatusOK, result)
}

// LastPass handles GET /v1/ops/redistribute.
func (h *OpsHandler) LastPass(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.redistributor.LastPass())
}
