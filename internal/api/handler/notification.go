package handler

import (
	"net/http"

	"github.com/ayo6706/p2p-settlement/internal/api/middleware"
	"github.com/ayo6706/p2p-settlement/internal/service"
	"github.com/google/uuid"
)

// NotificationHandler receives bank pushes forwarded by trader devices.
type NotificationHandler struct {
	matcher *service.Matcher
}

func NewNotificationHandler(matcher *service.Matcher) *NotificationHandler {
	return &NotificationHandler{matcher: matcher}
}

type IngestNotificationRequest struct {
	DeviceID    string            `json:"device_id" validate:"required,uuid"`
	PackageName string            `json:"package_name" validate:"required,max=255"`
	Message     string            `json:"message" validate:"required,max=4096"`
	Metadata    map[string]string `json:"metadata" validate:"omitempty,max=32"`
}

// Ingest handles POST /v1/notifications. The notification is stored and
// matched asynchronously by the notification worker.
func (h *NotificationHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	p, ok := requestPrincipal(w, r)
	if !ok {
		return
	}
	var req IngestNotificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	deviceID := uuid.MustParse(req.DeviceID)
	if p.Role == middleware.RoleDevice && p.ID != deviceID {
		RespondError(w, r, http.StatusForbidden, "auth/device-mismatch", "device_id does not match the caller")
		return
	}

	n, err := h.matcher.Ingest(r.Context(), service.IncomingNotification{
		DeviceID:    deviceID,
		PackageName: req.PackageName,
		Message:     req.Message,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeServiceError(w, r, "ingest notification", err)
		return
	}
	RespondJSON(w, http.StatusAccepted, n)
}
