package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apimw "github.com/notifyhub/push-delivery/internal/api/middleware"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/inbox"
	"github.com/notifyhub/push-delivery/internal/service"
)

// InboxHandler serves the merged notification feed.
type InboxHandler struct {
	inbox         *inbox.Service
	notifications *service.NotificationService
	logger        *zap.Logger
}

func NewInboxHandler(ib *inbox.Service, notifications *service.NotificationService, logger *zap.Logger) *InboxHandler {
	return &InboxHandler{inbox: ib, notifications: notifications, logger: logger}
}

// List handles GET /api/v1/notifications
func (h *InboxHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := inbox.ListQuery{
		UserID: apimw.UserID(r.Context()),
		Cursor: q.Get("cursor"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		query.Limit = limit
	}
	if q.Get("includeRead") == "true" {
		query.IncludeRead = true
	}
	if s := q.Get("since"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			query.Since = &t
		}
	}

	page, err := h.inbox.List(r.Context(), query)
	if err != nil {
		mapError(w, err)
		return
	}
	if page.Items == nil {
		page.Items = []inbox.Item{}
	}
	respondJSON(w, http.StatusOK, page)
}

// UnreadCount handles GET /api/v1/notifications/unread-count
func (h *InboxHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	count, err := h.inbox.UnreadCount(r.Context(), apimw.UserID(r.Context()))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"unreadCount": count})
}

type markReadRequest struct {
	Type string `json:"type"` // personal | group; personal when omitted
}

// MarkRead handles POST /api/v1/notifications/{id}/read. The kind comes
// from ?type=personal|group or the body; personal when omitted.
func (h *InboxHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if t := r.URL.Query().Get("type"); t != "" {
		req.Type = t
	}

	userID := apimw.UserID(r.Context())
	if err := h.inbox.MarkRead(r.Context(), userID, chi.URLParam(r, "id"), req.Type); err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"readAt":  time.Now().UTC().Format(time.RFC3339),
	})
}

type markReadBatchRequest struct {
	IDs []string `json:"ids"`
}

// MarkReadBatch handles POST /api/v1/notifications/read-batch
func (h *InboxHandler) MarkReadBatch(w http.ResponseWriter, r *http.Request) {
	var req markReadBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		respondError(w, http.StatusUnprocessableEntity, "ids must not be empty")
		return
	}
	marked, err := h.inbox.MarkReadBatch(r.Context(), apimw.UserID(r.Context()), req.IDs)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "markedCount": marked})
}

// Interact handles POST /api/v1/notifications/{id}/interactions: opened,
// clicked, and dismissed tracking from the client.
func (h *InboxHandler) Interact(w http.ResponseWriter, r *http.Request) {
	var in domain.Interaction
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := h.notifications.RecordInteraction(r.Context(), chi.URLParam(r, "id"), in); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GroupClick handles POST /api/v1/notifications/groups/{id}/click
func (h *InboxHandler) GroupClick(w http.ResponseWriter, r *http.Request) {
	if err := h.inbox.RecordClick(r.Context(), chi.URLParam(r, "id")); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
