package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/sso-portal/internal/events"
	"github.com/ashureev/sso-portal/internal/frame"
	"github.com/ashureev/sso-portal/internal/identity"
	"github.com/ashureev/sso-portal/internal/portal"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Messages pushed to the shell page.
const (
	ShellHello   = "portal-hello"
	ShellMount   = "frame-mount"
	ShellUnmount = "frame-unmount"
)

// ShellInteraction is sent by the page on user input. It feeds the
// inactivity timer and is not routed further.
const ShellInteraction = "user-interaction"

const (
	shellSendBuffer   = 64
	shellWriteTimeout = 5 * time.Second
	shellReadLimit    = 1 << 20
)

var errShellBacklog = errors.New("shell send buffer full")

// ShellManager tracks the shell connection of each device tab. A tab has at
// most one shell; a newer connection replaces the older one.
type ShellManager struct {
	mu     sync.RWMutex
	active map[string]map[string]*shellConn
}

// NewShellManager creates a new shell manager.
func NewShellManager() *ShellManager {
	return &ShellManager{
		active: make(map[string]map[string]*shellConn),
	}
}

// Active reports whether a shell is connected for the device tab.
func (m *ShellManager) Active(device, tab string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tabs, ok := m.active[device]; ok {
		return tabs[tab] != nil
	}
	return false
}

// Len returns the number of connected shells.
func (m *ShellManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, tabs := range m.active {
		n += len(tabs)
	}
	return n
}

// register makes sc the tab's shell and its container's mount notifier.
func (m *ShellManager) register(sc *shellConn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.active[sc.device]; !exists {
		m.active[sc.device] = make(map[string]*shellConn)
	}
	if existing, exists := m.active[sc.device][sc.tab]; exists && existing != sc {
		// Close waits for the page's close frame; do not hold the lock for it.
		go func() { _ = existing.Close("shell replaced") }()
	}
	m.active[sc.device][sc.tab] = sc
	sc.core.Container.SetNotifier(sc)
	slog.Info("Shell registered", "device_id", sc.device, "tab_id", sc.tab, "shell_id", sc.id)
}

func (m *ShellManager) unregister(sc *shellConn) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tabs, ok := m.active[sc.device]
	if !ok || tabs[sc.tab] != sc {
		return
	}
	delete(tabs, sc.tab)
	if len(tabs) == 0 {
		delete(m.active, sc.device)
	}
	sc.core.Container.SetNotifier(nil)
	slog.Info("Shell unregistered", "device_id", sc.device, "tab_id", sc.tab, "shell_id", sc.id)
}

// CloseAll terminates every shell connection.
func (m *ShellManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for device, tabs := range m.active {
		for tab, sc := range tabs {
			_ = sc.Close("server shutting down")
			slog.Info("Shell closed", "device_id", device, "tab_id", tab)
		}
	}
	m.active = make(map[string]map[string]*shellConn)
}

// ShellHandler serves the shell page WebSocket. The page renders mounted
// frames, receives bus events and forwards its own messages to the router.
type ShellHandler struct {
	*Handler
	isDev bool
}

// NewShellHandler creates a new shell handler.
func NewShellHandler(base *Handler, isDev bool) *ShellHandler {
	return &ShellHandler{Handler: base, isDev: isDev}
}

func (h *ShellHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || frame.OriginAllowed(origin, h.cfg.AllowedOrigins) {
		return true
	}
	slog.Warn("Shell origin rejected", "origin", origin)
	return false
}

// ServeHTTP implements http.Handler for the shell WebSocket upgrade.
func (h *ShellHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	device := identity.DeviceIDFromContext(r.Context())
	tab := identity.TabIDFromContext(r.Context())
	slog.Info("Shell connection request", "device_id", device, "tab_id", tab, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	c, ok := h.core(w, r)
	if !ok {
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept shell WebSocket", "error", err, "device_id", device)
		return
	}
	ws.SetReadLimit(shellReadLimit)

	release := c.Pin()
	defer release()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sc := newShellConn(ws, c, device, tab, r.Header.Get("Origin"))
	defer func() { _ = sc.Close("shell ended") }()

	h.shells.register(sc)
	defer h.shells.unregister(sc)

	sub := c.Bus.AddEventListener(events.Wildcard, sc.forward)
	defer sub.Unsubscribe()

	sc.greet()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		sc.writeLoop(ctx)
	}()

	sc.readLoop(ctx)
	cancel()
	wg.Wait()
	slog.Info("Shell session ended", "device_id", device, "tab_id", tab)
}

// shellConn is the shell page's connection. It is also the frame.Frame that
// router replies to shell-originated messages are posted to.
type shellConn struct {
	id     string
	device string
	tab    string
	origin string
	conn   *websocket.Conn
	core   *portal.Core

	send      chan []byte
	done      chan struct{}
	loaded    chan struct{}
	closeOnce sync.Once
}

func newShellConn(conn *websocket.Conn, c *portal.Core, device, tab, origin string) *shellConn {
	loaded := make(chan struct{})
	close(loaded)
	return &shellConn{
		id:     "shell-" + uuid.NewString(),
		device: device,
		tab:    tab,
		origin: origin,
		conn:   conn,
		core:   c,
		send:   make(chan []byte, shellSendBuffer),
		done:   make(chan struct{}),
		loaded: loaded,
	}
}

func (s *shellConn) ID() string              { return s.id }
func (s *shellConn) ModuleID() string        { return "" }
func (s *shellConn) Origin() string          { return s.origin }
func (s *shellConn) Loaded() <-chan struct{} { return s.loaded }
func (s *shellConn) Failed() <-chan error    { return nil }

// Post queues msg for the page. It never blocks on a slow page.
func (s *shellConn) Post(_ context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode shell message: %w", err)
	}
	select {
	case <-s.done:
		return frame.ErrClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		slog.Warn("Dropping shell message", "shell_id", s.id, "device_id", s.device, "tab_id", s.tab)
		return errShellBacklog
	}
}

// Close ends the connection. Only the first reason is sent to the page.
func (s *shellConn) Close(reason string) error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return err
}

// Mount tells the page to render a module frame.
func (s *shellConn) Mount(f frame.Frame, spec frame.Spec) {
	_ = s.Post(context.Background(), map[string]any{
		"type":     ShellMount,
		"frameId":  f.ID(),
		"moduleId": spec.ModuleID,
		"url":      spec.URL,
		"sandbox":  strings.Join(spec.Sandbox, " "),
	})
}

// Unmount tells the page to remove a module frame.
func (s *shellConn) Unmount(f frame.Frame) {
	_ = s.Post(context.Background(), map[string]any{
		"type":     ShellUnmount,
		"frameId":  f.ID(),
		"moduleId": f.ModuleID(),
	})
}

func (s *shellConn) forward(eventName string, data any) {
	_ = s.Post(context.Background(), events.Envelope{
		Type:      "event",
		EventName: eventName,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

// greet sends the tab's state and replays frames mounted before the page connected.
func (s *shellConn) greet() {
	_ = s.Post(context.Background(), map[string]any{
		"type":         ShellHello,
		"shellId":      s.id,
		"deviceId":     s.device,
		"tabId":        s.tab,
		"containerId":  s.core.Container.ID(),
		"session":      s.core.Sessions.Current(),
		"activeModule": s.core.Loader.Active(),
	})
	for _, f := range s.core.Container.Frames() {
		desc, ok := s.core.Registry.Get(f.ModuleID())
		if !ok {
			continue
		}
		s.Mount(f, frame.Spec{
			ModuleID: desc.ID,
			URL:      frame.MountURL(desc.URL, f.ID()),
			Sandbox:  frame.DefaultSandbox,
		})
	}
}

func (s *shellConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.send:
			wctx, cancel := context.WithTimeout(ctx, shellWriteTimeout)
			err := s.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("Shell write error", "error", err, "shell_id", s.id)
				}
				return
			}
		}
	}
}

type shellEnvelope struct {
	Type string `json:"type"`
}

func (s *shellConn) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Shell closed by page", "shell_id", s.id)
			} else if ctx.Err() == nil {
				slog.Debug("Shell read error", "error", err, "shell_id", s.id)
			}
			return
		}
		s.core.MarkUsed()

		var env shellEnvelope
		if json.Unmarshal(data, &env) == nil && env.Type == ShellInteraction {
			s.core.Sessions.Touch()
			continue
		}
		s.core.Container.Deliver(frame.Inbound{Source: s, Origin: s.origin, Data: data})
	}
}
