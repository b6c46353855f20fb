package domain

import "time"

// ModuleDescriptor statically describes an embeddable sub-application.
// An empty URL means the module renders as an in-process component.
type ModuleDescriptor struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Category     string   `json:"category"`
	RequiresAuth bool     `json:"requiresAuth"`
	AdminOnly    bool     `json:"adminOnly"`
	Permissions  []string `json:"permissions"`
	Features     []string `json:"features"`
	Version      string   `json:"version"`
	URL          string   `json:"url,omitempty"`
}

// InProcess reports whether the module has no frame target.
func (d ModuleDescriptor) InProcess() bool {
	return d.URL == ""
}

// ModuleState is the load state of a module.
type ModuleState string

const (
	ModuleUnloaded ModuleState = "unloaded"
	ModuleLoading  ModuleState = "loading"
	ModuleReady    ModuleState = "ready"
	ModuleError    ModuleState = "error"
)

// ModuleStatus is a read-only view of a module's runtime state.
type ModuleStatus struct {
	ID           string      `json:"id"`
	State        ModuleState `json:"state"`
	Error        string      `json:"error,omitempty"`
	FrameID      string      `json:"frameId,omitempty"`
	Component    string      `json:"component,omitempty"`
	Handshake    string      `json:"handshake,omitempty"`
	LastAccessed time.Time   `json:"lastAccessed,omitempty"`
	AccessCount  int         `json:"accessCount"`
}
