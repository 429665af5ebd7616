package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	apimw "github.com/notifyhub/push-delivery/internal/api/middleware"
	"github.com/notifyhub/push-delivery/internal/domain"
	"github.com/notifyhub/push-delivery/internal/service"
)

// PreferencesHandler exposes per-user notification preferences.
type PreferencesHandler struct {
	prefs  *service.PreferencesService
	logger *zap.Logger
}

func NewPreferencesHandler(prefs *service.PreferencesService, logger *zap.Logger) *PreferencesHandler {
	return &PreferencesHandler{prefs: prefs, logger: logger}
}

// Get handles GET /api/v1/preferences
func (h *PreferencesHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.prefs.Get(r.Context(), apimw.UserID(r.Context()))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Update handles PUT /api/v1/preferences
func (h *PreferencesHandler) Update(w http.ResponseWriter, r *http.Request) {
	var p domain.UserPreferences
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	updated, err := h.prefs.Update(r.Context(), apimw.UserID(r.Context()), &p)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

type categoryToggleRequest struct {
	Categories map[domain.Category]bool `json:"categories"`
}

// SetCategories handles POST /api/v1/preferences/categories, the bulk
// toggle endpoint the settings screen uses.
func (h *PreferencesHandler) SetCategories(w http.ResponseWriter, r *http.Request) {
	var req categoryToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Categories) == 0 {
		respondError(w, http.StatusUnprocessableEntity, "categories must not be empty")
		return
	}
	p, err := h.prefs.SetCategories(r.Context(), apimw.UserID(r.Context()), req.Categories)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}
