package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/push-delivery/internal/auth"
	"github.com/notifyhub/push-delivery/internal/repository"
)

// InternalHandler serves the service-to-service surface. Routes are
// guarded by the InternalOnly middleware.
type InternalHandler struct {
	outbox   repository.OutboxRepository
	verifier *auth.Verifier
	logger   *zap.Logger
}

func NewInternalHandler(outbox repository.OutboxRepository, verifier *auth.Verifier, logger *zap.Logger) *InternalHandler {
	return &InternalHandler{outbox: outbox, verifier: verifier, logger: logger}
}

// OutboxStats handles GET /api/internal/outbox/stats. Dead rows need an
// operator to look at last_error; this endpoint is what the runbook points
// at.
func (h *InternalHandler) OutboxStats(w http.ResponseWriter, r *http.Request) {
	pending, dead, err := h.outbox.Stats(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{
		"pending": pending,
		"dead":    dead,
	})
}

type revokeTokenRequest struct {
	TokenID   string    `json:"tokenId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RevokeToken handles POST /api/internal/revocations. The identity service
// calls this on logout and password change.
func (h *InternalHandler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	var req revokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TokenID == "" {
		respondError(w, http.StatusUnprocessableEntity, "tokenId must not be empty")
		return
	}
	if err := h.verifier.Revoke(r.Context(), req.TokenID, req.ExpiresAt); err != nil {
		h.logger.Warn("token revocation failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "revocation store unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}
