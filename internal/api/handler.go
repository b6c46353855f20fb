// Package api provides HTTP handlers for the SSO portal API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/sso-portal/internal/config"
	"github.com/ashureev/sso-portal/internal/identity"
	"github.com/ashureev/sso-portal/internal/portal"
	"github.com/ashureev/sso-portal/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	cores  *portal.Manager
	repo   store.Repository
	shells *ShellManager
	cfg    *config.Config
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(cores *portal.Manager, repo store.Repository, shells *ShellManager, cfg *config.Config) *Handler {
	return &Handler{
		cores:  cores,
		repo:   repo,
		shells: shells,
		cfg:    cfg,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// core resolves the portal core of the requesting device and tab. Mutating
// requests count as user interaction for the inactivity timer.
func (h *Handler) core(w http.ResponseWriter, r *http.Request) (*portal.Core, bool) {
	device := identity.DeviceIDFromContext(r.Context())
	if device == "" {
		Error(w, http.StatusUnauthorized, "missing device identity")
		return nil, false
	}
	tab := identity.TabIDFromContext(r.Context())

	c, err := h.cores.Get(r.Context(), device, tab)
	if err != nil {
		slog.Error("Failed to resolve portal core", "error", err, "device_id", device, "tab_id", tab)
		Error(w, http.StatusServiceUnavailable, "portal unavailable")
		return nil, false
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		c.Sessions.Touch()
	}
	return c, true
}
