package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ashureev/sso-portal/internal/activity"
	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/go-chi/chi/v5"
)

const defaultArtifactLimit = 50

// DataHandler serves the activity log, preferences and submitted artifacts.
type DataHandler struct {
	*Handler
}

// NewDataHandler creates a new data handler.
func NewDataHandler(base *Handler) *DataHandler {
	return &DataHandler{Handler: base}
}

// RegisterRoutes registers data routes on the /api router.
func (h *DataHandler) RegisterRoutes(r chi.Router) {
	r.Get("/activity", h.Activity)
	r.Get("/preferences", h.Preferences)
	r.Patch("/preferences", h.UpdatePreferences)
	r.Get("/artifacts", h.Artifacts)
}

func queryLimit(r *http.Request, fallback, ceiling int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	if n == 0 || n > ceiling {
		n = ceiling
	}
	return n, true
}

// Activity returns the newest activity entries.
func (h *DataHandler) Activity(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(r, activity.MaxEntries, activity.MaxEntries)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	c, ok := h.core(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]any{"entries": c.Activity.GetActivity(limit)})
}

// Preferences returns the device preferences.
func (h *DataHandler) Preferences(w http.ResponseWriter, r *http.Request) {
	c, ok := h.core(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, c.Activity.Preferences())
}

// UpdatePreferences shallow-merges the body into the preferences.
func (h *DataHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	var partial map[string]any
	if err := decode(r, &partial); err != nil || len(partial) == 0 {
		Error(w, http.StatusBadRequest, "preferences object required")
		return
	}
	c, ok := h.core(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, c.Activity.UpdatePreferences(r.Context(), partial))
}

// artifactKind accepts the storage names and the message aliases.
func artifactKind(raw string) (domain.ArtifactKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "job_sheet", "job-sheet", "jobsheet":
		return domain.ArtifactJobSheet, true
	case "test_result", "test-result":
		return domain.ArtifactTestResult, true
	}
	return "", false
}

// Artifacts lists the logged-in user's artifacts of one kind.
func (h *DataHandler) Artifacts(w http.ResponseWriter, r *http.Request) {
	kind, known := artifactKind(r.URL.Query().Get("kind"))
	if !known {
		Error(w, http.StatusBadRequest, "kind must be job_sheet or test_result")
		return
	}
	limit, ok := queryLimit(r, defaultArtifactLimit, 500)
	if !ok {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	c, ok := h.core(w, r)
	if !ok {
		return
	}
	email := c.Sessions.CurrentEmail()
	if email == "" {
		Error(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	items, err := h.repo.ListArtifacts(r.Context(), email, kind, limit)
	if err != nil {
		slog.Error("Failed to list artifacts", "error", err, "kind", kind)
		Error(w, http.StatusInternalServerError, "failed to list artifacts")
		return
	}
	if items == nil {
		items = []*domain.Artifact{}
	}
	JSON(w, http.StatusOK, map[string]any{"kind": kind, "items": items})
}
