// Package events provides the local pub/sub bus that also fans out to module frames.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/sso-portal/internal/frame"
)

// Wildcard subscribes to every event.
const Wildcard = "*"

// Event names emitted by the portal.
const (
	SessionCreated     = "session_created"
	SessionRestored    = "session_restored"
	SessionRefreshed   = "session_refreshed"
	SessionCleared     = "session_cleared"
	UserUpdated        = "user_updated"
	ActivityLogged     = "activity_logged"
	PreferencesUpdated = "preferences_updated"
	ModuleRegistered   = "module_registered"
	ModuleUnregistered = "module_unregistered"
	ModuleLoaded       = "module_loaded"
	ModuleLoadError    = "module_load_error"
	ModuleUnloaded     = "module_unloaded"
	ModuleReady        = "module_ready"
	ProgressUpdated    = "progress_updated"
	SectionCompleted   = "section_completed"
	ArtifactSaved      = "artifact_saved"
)

// Listener receives an event name and its payload.
type Listener func(eventName string, data any)

// Subscription identifies a registered listener.
type Subscription struct {
	id   uint64
	name string
	bus  *Bus
}

// Unsubscribe removes the listener. Calling it more than once is a no-op.
func (s Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.RemoveEventListener(s.name, s)
	}
}

// FrameSource lists the frames that should receive broadcasts.
type FrameSource interface {
	ReadyFrames() []frame.Frame
}

// Envelope is the uniform broadcast message posted into frames.
type Envelope struct {
	Type      string `json:"type"`
	EventName string `json:"eventName"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type entry struct {
	id uint64
	fn Listener
}

// Bus fans events out to local listeners and ready module frames.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]entry
	frames    FrameSource
	nextID    atomic.Uint64
	now       func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[string][]entry),
		now:       time.Now,
	}
}

// SetFrameSource sets where broadcasts are posted besides local listeners.
func (b *Bus) SetFrameSource(src FrameSource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = src
}

// SetNow overrides the clock used to stamp envelopes.
func (b *Bus) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// AddEventListener registers fn for eventName, or every event when eventName is Wildcard.
func (b *Bus) AddEventListener(eventName string, fn Listener) Subscription {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.listeners[eventName] = append(b.listeners[eventName], entry{id: id, fn: fn})
	b.mu.Unlock()
	return Subscription{id: id, name: eventName, bus: b}
}

// RemoveEventListener removes a listener registered for eventName.
func (b *Bus) RemoveEventListener(eventName string, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.listeners[eventName]
	for i, e := range list {
		if e.id == sub.id {
			b.listeners[eventName] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.listeners[eventName]) == 0 {
		delete(b.listeners, eventName)
	}
}

// ListenerCount returns the number of listeners for eventName.
func (b *Bus) ListenerCount(eventName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[eventName])
}

// Broadcast invokes every matching listener, then posts the envelope to every ready frame.
// A panicking listener does not prevent the others from running.
func (b *Bus) Broadcast(eventName string, data any) {
	b.mu.RLock()
	matched := make([]entry, 0, len(b.listeners[eventName])+len(b.listeners[Wildcard]))
	matched = append(matched, b.listeners[eventName]...)
	if eventName != Wildcard {
		matched = append(matched, b.listeners[Wildcard]...)
	}
	src := b.frames
	now := b.now
	b.mu.RUnlock()

	for _, e := range matched {
		b.invoke(e, eventName, data)
	}

	if src == nil {
		return
	}
	env := Envelope{Type: "event", EventName: eventName, Data: data, Timestamp: now().UnixMilli()}
	for _, f := range src.ReadyFrames() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := f.Post(ctx, env); err != nil {
			slog.Warn("Failed to post event to frame", "event", eventName, "frame_id", f.ID(), "module_id", f.ModuleID(), "error", err)
		}
		cancel()
	}
}

func (b *Bus) invoke(e entry, eventName string, data any) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event listener panicked", "event", eventName, "panic", r)
		}
	}()
	e.fn(eventName, data)
}
