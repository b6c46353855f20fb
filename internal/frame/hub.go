package frame

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// maxMessageBytes bounds a single inbound frame message.
const maxMessageBytes = 1 << 20

// Hub hosts module frames whose pages connect back over WebSocket.
// Creating a frame registers it as pending; the page connecting with the
// matching frame id is the frame's load event.
type Hub struct {
	mu             sync.RWMutex
	frames         map[string]*wsFrame
	allowedOrigins []string
	isDev          bool
}

// NewHub creates a hub accepting frame connections from allowedOrigins.
func NewHub(allowedOrigins []string, isDev bool) *Hub {
	return &Hub{
		frames:         make(map[string]*wsFrame),
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
	}
}

// Create registers a pending frame and attaches it to the container.
func (h *Hub) Create(_ context.Context, c *Container, spec Spec) (Frame, error) {
	f := &wsFrame{
		id:        uuid.NewString(),
		moduleID:  spec.ModuleID,
		container: c,
		hub:       h,
		loaded:    make(chan struct{}),
		failed:    make(chan error, 1),
	}

	h.mu.Lock()
	h.frames[f.id] = f
	h.mu.Unlock()

	mounted := spec
	mounted.URL = MountURL(spec.URL, f.id)
	c.Attach(f, mounted)

	slog.Info("Frame created", "frame_id", f.id, "module_id", spec.ModuleID, "container_id", c.ID())
	return f, nil
}

// Get returns a registered frame.
func (h *Hub) Get(frameID string) (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.frames[frameID]
	return f, ok
}

// Len returns the number of registered frames.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.frames)
}

func (h *Hub) remove(f *wsFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.frames[f.id]; ok && cur == f {
		delete(h.frames, f.id)
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if OriginAllowed(origin, h.allowedOrigins) {
		return true
	}
	slog.Warn("Frame origin rejected", "origin", origin)
	return false
}

// ServeHTTP upgrades a module page connection and binds it to its frame.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	frameID := r.URL.Query().Get(FrameIDParam)
	if frameID == "" {
		frameID = r.URL.Query().Get("frame_id")
	}

	h.mu.RLock()
	f, ok := h.frames[frameID]
	h.mu.RUnlock()
	if !ok {
		http.Error(w, "unknown frame", http.StatusNotFound)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		f.fail(fmt.Errorf("origin %q not allowed", r.Header.Get("Origin")))
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept frame WebSocket", "error", err, "frame_id", frameID)
		f.fail(fmt.Errorf("accept websocket: %w", err))
		return
	}
	ws.SetReadLimit(maxMessageBytes)

	if !f.bind(ws, r.Header.Get("Origin")) {
		_ = ws.Close(websocket.StatusPolicyViolation, "frame already connected")
		return
	}
	defer f.unbind(ws)

	slog.Info("Frame connected", "frame_id", f.id, "module_id", f.moduleID)
	f.readLoop(r.Context(), ws)
}

// wsFrame is a Frame backed by a module page's WebSocket.
type wsFrame struct {
	id        string
	moduleID  string
	container *Container
	hub       *Hub

	mu       sync.Mutex
	conn     *websocket.Conn
	origin   string
	closed   bool
	loadOnce sync.Once
	failOnce sync.Once
	loaded   chan struct{}
	failed   chan error
}

func (f *wsFrame) ID() string       { return f.id }
func (f *wsFrame) ModuleID() string { return f.moduleID }

func (f *wsFrame) Origin() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.origin
}

func (f *wsFrame) Loaded() <-chan struct{} { return f.loaded }
func (f *wsFrame) Failed() <-chan error    { return f.failed }

func (f *wsFrame) fail(err error) {
	f.failOnce.Do(func() {
		f.failed <- err
	})
}

func (f *wsFrame) bind(conn *websocket.Conn, origin string) bool {
	f.mu.Lock()
	if f.closed || f.conn != nil {
		f.mu.Unlock()
		return false
	}
	f.conn = conn
	f.origin = origin
	f.mu.Unlock()
	f.loadOnce.Do(func() { close(f.loaded) })
	return true
}

func (f *wsFrame) unbind(conn *websocket.Conn) {
	f.mu.Lock()
	if f.conn == conn {
		f.conn = nil
	}
	f.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "frame ended")
}

func (f *wsFrame) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Frame closed by page", "frame_id", f.id)
			} else {
				slog.Debug("Frame read error", "error", err, "frame_id", f.id)
			}
			return
		}
		f.container.Deliver(Inbound{Source: f, Origin: f.Origin(), Data: data})
	}
}

// Post writes msg as a JSON text message.
func (f *wsFrame) Post(ctx context.Context, msg any) error {
	f.mu.Lock()
	conn, closed := f.conn, f.closed
	f.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode frame message: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close detaches the frame from its container and drops the page connection.
func (f *wsFrame) Close(reason string) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.conn
	f.conn = nil
	f.mu.Unlock()

	f.hub.remove(f)
	f.container.Detach(f)
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, reason)
	}
	return nil
}
