// Package frametest provides in-memory frame implementations for tests.
package frametest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ashureev/sso-portal/internal/frame"
)

// Host creates in-memory frames.
type Host struct {
	mu sync.Mutex
	// AutoLoadOrigin, when set, marks every created frame loaded from that origin.
	AutoLoadOrigin string
	// CreateErr is returned from Create when set.
	CreateErr error
	created   []*Frame
}

// Create attaches a new in-memory frame to c.
func (h *Host) Create(_ context.Context, c *frame.Container, spec frame.Spec) (frame.Frame, error) {
	h.mu.Lock()
	if h.CreateErr != nil {
		h.mu.Unlock()
		return nil, h.CreateErr
	}
	f := NewFrame(fmt.Sprintf("frame-%d", len(h.created)+1), spec.ModuleID, c)
	h.created = append(h.created, f)
	origin := h.AutoLoadOrigin
	h.mu.Unlock()

	c.Attach(f, spec)
	if origin != "" {
		f.Load(origin)
	}
	return f, nil
}

// Created returns every frame created so far.
func (h *Host) Created() []*Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Frame, len(h.created))
	copy(out, h.created)
	return out
}

// Last returns the most recently created frame, or nil.
func (h *Host) Last() *Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.created) == 0 {
		return nil
	}
	return h.created[len(h.created)-1]
}

// Frame records posted messages.
type Frame struct {
	id        string
	moduleID  string
	container *frame.Container

	mu       sync.Mutex
	origin   string
	closed   bool
	posted   []map[string]any
	PostErr  error
	loadOnce sync.Once
	failOnce sync.Once
	loaded   chan struct{}
	failed   chan error
}

// NewFrame creates an unloaded frame bound to container c (which may be nil).
func NewFrame(id, moduleID string, c *frame.Container) *Frame {
	return &Frame{
		id:        id,
		moduleID:  moduleID,
		container: c,
		loaded:    make(chan struct{}),
		failed:    make(chan error, 1),
	}
}

func (f *Frame) ID() string       { return f.id }
func (f *Frame) ModuleID() string { return f.moduleID }

func (f *Frame) Origin() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.origin
}

func (f *Frame) Loaded() <-chan struct{} { return f.loaded }
func (f *Frame) Failed() <-chan error    { return f.failed }

// Load simulates the page's native load event.
func (f *Frame) Load(origin string) {
	f.mu.Lock()
	f.origin = origin
	f.mu.Unlock()
	f.loadOnce.Do(func() { close(f.loaded) })
}

// Fail simulates a frame load error.
func (f *Frame) Fail(err error) {
	f.failOnce.Do(func() { f.failed <- err })
}

// Post records msg as its JSON object form.
func (f *Frame) Post(_ context.Context, msg any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return frame.ErrClosed
	}
	if f.PostErr != nil {
		return f.PostErr
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return errors.New("frametest: message is not a JSON object")
	}
	f.posted = append(f.posted, decoded)
	return nil
}

// Close detaches the frame from its container.
func (f *Frame) Close(string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	if f.container != nil {
		f.container.Detach(f)
	}
	return nil
}

// Closed reports whether Close was called.
func (f *Frame) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Messages returns every posted message.
func (f *Frame) Messages() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, len(f.posted))
	copy(out, f.posted)
	return out
}

// MessagesOfType returns posted messages whose "type" equals typ.
func (f *Frame) MessagesOfType(typ string) []map[string]any {
	var out []map[string]any
	for _, m := range f.Messages() {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// Send delivers data to the container as if the page had posted it.
func (f *Frame) Send(data []byte) {
	if f.container != nil {
		f.container.Deliver(frame.Inbound{Source: f, Origin: f.Origin(), Data: data})
	}
}
