package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/push-delivery/internal/api/middleware"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/inbox"
	"github.com/notifyhub/push-delivery/internal/service"
)

// DeviceHandler handles device registration and token lifecycle endpoints.
type DeviceHandler struct {
	devices *service.DeviceService
	inbox   *inbox.Service
	logger  *zap.Logger
}

func NewDeviceHandler(devices *service.DeviceService, ib *inbox.Service, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{devices: devices, inbox: ib, logger: logger}
}

// Register handles POST /api/v1/devices/register
//
// The response carries the current unread count so the client can seed
// its badge in the same round trip.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	// The token owner, not the payload, decides whose device this is.
	req.UserID = apimw.UserID(r.Context())

	d, err := h.devices.Register(r.Context(), &req)
	if err != nil {
		h.logger.Warn("device registration failed",
			zap.String("correlation_id", apimw.GetCorrelationID(r.Context())),
			zap.Error(err))
		mapError(w, err)
		return
	}

	unread, err := h.inbox.UnreadCount(r.Context(), d.UserID)
	if err != nil {
		h.logger.Warn("unread count on register failed", zap.Error(err))
		unread = 0
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"deviceId":    d.ID,
		"unreadCount": unread,
		"success":     true,
	})
}

type refreshTokenRequest struct {
	DeviceID string `json:"deviceId"`
	FCMToken string `json:"fcmToken"`
}

// Refresh handles POST /api/v1/devices/refresh
func (h *DeviceHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	userID := apimw.UserID(r.Context())
	if err := h.devices.RefreshToken(r.Context(), userID, req.DeviceID, req.FCMToken); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

// Unregister handles DELETE /api/v1/devices/{id}
func (h *DeviceHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	userID := apimw.UserID(r.Context())
	if err := h.devices.Unregister(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// List handles GET /api/v1/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.devices.ListActive(r.Context(), apimw.UserID(r.Context()))
	if err != nil {
		mapError(w, err)
		return
	}
	if devices == nil {
		devices = []*domain.Device{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}
