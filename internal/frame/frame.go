// Package frame provides the embedded-frame transport used to host modules.
package frame

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
)

var (
	// ErrNotConnected is returned when posting to a frame whose page has not connected.
	ErrNotConnected = errors.New("frame not connected")
	// ErrClosed is returned when posting to a detached frame.
	ErrClosed = errors.New("frame closed")
)

// DefaultSandbox restricts frames to scripts, same-origin, forms, popups and modals.
var DefaultSandbox = []string{
	"allow-scripts",
	"allow-same-origin",
	"allow-forms",
	"allow-popups",
	"allow-modals",
}

// FrameIDParam is the query parameter carrying the frame id to the module page.
const FrameIDParam = "sso_frame"

// Frame is one embedded module page.
type Frame interface {
	ID() string
	ModuleID() string
	// Origin is the origin the page connected from, empty until loaded.
	Origin() string
	// Post sends a JSON-encoded message into the frame.
	Post(ctx context.Context, msg any) error
	// Loaded is closed when the page signals its native load.
	Loaded() <-chan struct{}
	// Failed delivers at most one load error.
	Failed() <-chan error
	Close(reason string) error
}

// Spec describes the frame to create for a module.
type Spec struct {
	ModuleID string
	URL      string
	Sandbox  []string
}

// Host creates frames inside a container.
type Host interface {
	Create(ctx context.Context, c *Container, spec Spec) (Frame, error)
}

// Inbound is one message received from a frame or from the embedding page.
// Source is nil for messages that did not come from a module frame.
type Inbound struct {
	Source Frame
	Origin string
	Data   []byte
}

// MountNotifier is told when frames enter or leave a container.
type MountNotifier interface {
	Mount(f Frame, spec Spec)
	Unmount(f Frame)
}

// Container is the hosting slot for module frames.
type Container struct {
	mu        sync.RWMutex
	id        string
	frames    []Frame
	notifier  MountNotifier
	onMessage func(Inbound)
}

// NewContainer creates an empty container.
func NewContainer(id string) *Container {
	return &Container{id: id}
}

// ID returns the container id.
func (c *Container) ID() string { return c.id }

// SetNotifier replaces the mount notifier. Nil disables notifications.
func (c *Container) SetNotifier(n MountNotifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifier = n
}

// OnMessage sets the handler for messages arriving from this container's frames.
func (c *Container) OnMessage(fn func(Inbound)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = fn
}

// Deliver hands an inbound message to the container's handler.
func (c *Container) Deliver(in Inbound) {
	c.mu.RLock()
	fn := c.onMessage
	c.mu.RUnlock()
	if fn != nil {
		fn(in)
	}
}

// Attach adds a frame and notifies the mount notifier.
func (c *Container) Attach(f Frame, spec Spec) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	n := c.notifier
	c.mu.Unlock()
	if n != nil {
		n.Mount(f, spec)
	}
}

// Detach removes a frame. It reports whether the frame was attached.
func (c *Container) Detach(f Frame) bool {
	c.mu.Lock()
	idx := -1
	for i, cur := range c.frames {
		if cur == f {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return false
	}
	c.frames = append(c.frames[:idx], c.frames[idx+1:]...)
	n := c.notifier
	c.mu.Unlock()
	if n != nil {
		n.Unmount(f)
	}
	return true
}

// Frames returns the attached frames.
func (c *Container) Frames() []Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// Len returns the number of attached frames.
func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames)
}

// OriginAllowed reports whether origin is on the allow-list. "*" allows any origin.
func OriginAllowed(origin string, allowed []string) bool {
	origin = strings.TrimRight(origin, "/")
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(strings.TrimRight(o, "/"), origin) {
			return true
		}
	}
	return false
}

// OriginOf returns the scheme://host part of a URL, or "" when it has none.
func OriginOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// MountURL appends the frame id to the module URL so the page can connect back.
func MountURL(raw, frameID string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	q.Set(FrameIDParam, frameID)
	u.RawQuery = q.Encode()
	return u.String()
}
