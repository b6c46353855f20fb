package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/module"
	"github.com/ashureev/sso-portal/internal/router"
	"github.com/go-chi/chi/v5"
)

// ModuleHandler handles the module catalog and module lifecycle endpoints.
type ModuleHandler struct {
	*Handler
}

// NewModuleHandler creates a new module handler.
func NewModuleHandler(base *Handler) *ModuleHandler {
	return &ModuleHandler{Handler: base}
}

// RegisterRoutes registers module routes on the /api router.
func (h *ModuleHandler) RegisterRoutes(r chi.Router) {
	r.Get("/modules", h.List)
	r.Post("/modules/{id}/load", h.Load)
	r.Post("/modules/{id}/unload", h.Unload)
	r.Get("/modules/{id}/progress", h.Progress)
}

type moduleView struct {
	domain.ModuleDescriptor
	Status domain.ModuleStatus `json:"status"`
}

type moduleList struct {
	Modules []moduleView `json:"modules"`
	Active  string       `json:"active,omitempty"`
	Apps    []router.App `json:"apps"`
}

// List returns the modules the session may use. Admins may preview the
// catalog of another role with ?role=.
func (h *ModuleHandler) List(w http.ResponseWriter, r *http.Request) {
	c, ok := h.core(w, r)
	if !ok {
		return
	}

	var override domain.Role
	if raw := r.URL.Query().Get("role"); raw != "" && c.Sessions.IsAdmin() {
		override = domain.ParseRole(raw)
	}

	descs := c.Registry.GetAvailableModules(override)
	out := moduleList{
		Modules: make([]moduleView, 0, len(descs)),
		Active:  c.Loader.Active(),
		Apps:    c.Router.Apps(),
	}
	for _, d := range descs {
		out.Modules = append(out.Modules, moduleView{ModuleDescriptor: d, Status: c.Loader.Status(d.ID)})
	}
	JSON(w, http.StatusOK, out)
}

// Load loads a module into the tab's container and waits for its handshake.
func (h *ModuleHandler) Load(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.core(w, r)
	if !ok {
		return
	}

	if _, known := c.Registry.Get(id); !known {
		Error(w, http.StatusNotFound, "unknown module")
		return
	}

	err := c.Loader.Load(r.Context(), id, c.Container)
	if err != nil {
		status := loadErrorStatus(err)
		slog.Warn("Module load failed", "module_id", id, "status", status, "error", err)
		JSON(w, status, map[string]string{
			"error": err.Error(),
			"kind":  module.ErrorKind(err),
		})
		return
	}
	JSON(w, http.StatusOK, c.Loader.Status(id))
}

func loadErrorStatus(err error) int {
	switch {
	case errors.Is(err, module.ErrUnknownModule):
		return http.StatusNotFound
	case errors.Is(err, module.ErrLoadInProgress):
		return http.StatusConflict
	}
	switch module.ErrorKind(err) {
	case "access_denied":
		return http.StatusForbidden
	case "timeout":
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// Unload removes a module from the container.
func (h *ModuleHandler) Unload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.core(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, map[string]bool{"unloaded": c.Loader.Unload(id)})
}

// Progress returns the stored progress a module reported.
func (h *ModuleHandler) Progress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok := h.core(w, r)
	if !ok {
		return
	}
	if _, known := c.Registry.Get(id); !known {
		Error(w, http.StatusNotFound, "unknown module")
		return
	}
	progress, err := c.Router.Progress(r.Context(), id)
	if err != nil {
		slog.Error("Failed to read module progress", "module_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to read progress")
		return
	}
	if progress == nil {
		progress = map[string]any{}
	}
	JSON(w, http.StatusOK, progress)
}
