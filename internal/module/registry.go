// Package module catalogs embeddable modules, loads them into frames and keeps
// them synchronized with session and preference state.
package module

import (
	"errors"
	"slices"
	"sync"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/events"
	"github.com/ashureev/sso-portal/internal/session"
)

// ErrInvalidDescriptor is returned when registering a module without an id.
var ErrInvalidDescriptor = errors.New("module id is required")

// Authorizer answers the access questions the registry asks about the caller.
type Authorizer interface {
	IsAuthenticated() bool
	Role() domain.Role
	HasPermission(perm string) bool
}

// Registry is the catalog of modules in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	mods  map[string]domain.ModuleDescriptor
	auth  Authorizer
	bus   *events.Bus

	// onUnregister tears down live frames; set by the loader.
	onUnregister func(id string)
}

// NewRegistry creates an empty registry evaluating access through auth.
func NewRegistry(auth Authorizer, bus *events.Bus) *Registry {
	return &Registry{
		mods: make(map[string]domain.ModuleDescriptor),
		auth: auth,
		bus:  bus,
	}
}

// Register inserts or overwrites a descriptor. Overwriting keeps the original position.
func (r *Registry) Register(id string, d domain.ModuleDescriptor) error {
	if id == "" {
		return ErrInvalidDescriptor
	}
	d.ID = id
	d.Permissions = slices.Clone(d.Permissions)
	d.Features = slices.Clone(d.Features)

	r.mu.Lock()
	if _, exists := r.mods[id]; !exists {
		r.order = append(r.order, id)
	}
	r.mods[id] = d
	r.mu.Unlock()

	r.bus.Broadcast(events.ModuleRegistered, d)
	return nil
}

// Unregister removes a descriptor and tears down any live frame for it.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	if _, ok := r.mods[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.mods, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	hook := r.onUnregister
	r.mu.Unlock()

	if hook != nil {
		hook(id)
	}
	r.bus.Broadcast(events.ModuleUnregistered, map[string]string{"id": id})
	return true
}

// Get returns a descriptor by id.
func (r *Registry) Get(id string) (domain.ModuleDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.mods[id]
	return d, ok
}

// All returns every descriptor in registration order.
func (r *Registry) All() []domain.ModuleDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ModuleDescriptor, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.mods[id])
	}
	return out
}

// GetAvailableModules filters the catalog by auth requirement, admin-only flag
// and permissions. roleOverride, when non-empty, replaces the caller's role for
// both the admin check and the permission check. Access is evaluated on every call.
func (r *Registry) GetAvailableModules(roleOverride domain.Role) []domain.ModuleDescriptor {
	authed := r.auth.IsAuthenticated()
	role := r.auth.Role()
	has := r.auth.HasPermission
	if roleOverride != "" {
		role = roleOverride
		has = func(p string) bool { return session.RoleHasPermission(roleOverride, p) }
	}

	var out []domain.ModuleDescriptor
	for _, d := range r.All() {
		if allowed(d, authed, role, has) {
			out = append(out, d)
		}
	}
	return out
}

func allowed(d domain.ModuleDescriptor, authed bool, role domain.Role, has func(string) bool) bool {
	if d.RequiresAuth && !authed {
		return false
	}
	if d.AdminOnly && role != domain.RoleAdmin {
		return false
	}
	if len(d.Permissions) == 0 || role == domain.RoleAdmin {
		return true
	}
	for _, p := range d.Permissions {
		if has(p) {
			return true
		}
	}
	return false
}

// CanAccess reports whether id is among the available modules.
func (r *Registry) CanAccess(id string) bool {
	for _, d := range r.GetAvailableModules("") {
		if d.ID == id {
			return true
		}
	}
	return false
}
