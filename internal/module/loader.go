package module

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/events"
	"github.com/ashureev/sso-portal/internal/frame"
	"github.com/benbjohnson/clock"
)

const (
	DefaultGracePeriod   = 5 * time.Second
	DefaultLoadTimeout   = 30 * time.Second
	DefaultSyncDebounce  = 100 * time.Millisecond
	postTimeout          = 5 * time.Second
	unloadNoticeTimeout  = 2 * time.Second
	syncMessageType      = "sso-sync"
	unloadingMessageType = "sso-unload"
)

var (
	// ErrAccessDenied is returned when the caller may not load a module.
	ErrAccessDenied = errors.New("access denied")
	// ErrUnknownModule is returned for ids that are not registered.
	ErrUnknownModule = errors.New("unknown module")
	// ErrLoadTimeout is returned when a frame does not become ready in time.
	ErrLoadTimeout = errors.New("module load timed out")
	// ErrFrameFailed wraps errors reported by the frame itself.
	ErrFrameFailed = errors.New("module frame failed to load")
	// ErrLoadCancelled is returned when the module is unloaded while loading.
	ErrLoadCancelled = errors.New("module load cancelled")
	// ErrLoadInProgress is returned when the module is already loading.
	ErrLoadInProgress = errors.New("module load already in progress")
)

// ErrorKind classifies a Load error for display.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrLoadTimeout):
		return "timeout"
	default:
		return "failed"
	}
}

// StateSource supplies the session side of a sync snapshot.
type StateSource interface {
	IsAuthenticated() bool
	Current() *domain.Session
	User() *domain.User
	Permissions() []string
}

// PreferenceSource supplies the preference side of a sync snapshot.
type PreferenceSource interface {
	Preferences() map[string]any
}

// Identity is the module's own description inside a sync snapshot.
type Identity struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Version  string   `json:"version"`
	Features []string `json:"features"`
}

// SyncPayload is posted into a module frame on load and on every state change.
type SyncPayload struct {
	Type        string          `json:"type"`
	Session     *domain.Session `json:"session"`
	User        *domain.User    `json:"user"`
	Preferences map[string]any  `json:"preferences"`
	Permissions []string        `json:"permissions"`
	Module      Identity        `json:"module"`
	Timestamp   int64           `json:"timestamp"`
}

type runtime struct {
	state        domain.ModuleState
	frame        frame.Frame
	component    string
	err          string
	lastAccessed time.Time
	accessCount  int
	hs           *handshake
}

// LoaderOptions tune handshake timing.
type LoaderOptions struct {
	GracePeriod  time.Duration
	LoadTimeout  time.Duration
	SyncDebounce time.Duration
}

// Loader brings modules into the shared container and keeps them synchronized.
// At most one module occupies the container at a time.
type Loader struct {
	mu       sync.Mutex
	registry *Registry
	host     frame.Host
	state    StateSource
	prefs    PreferenceSource
	bus      *events.Bus
	clock    clock.Clock
	opts     LoaderOptions

	runtimes  map[string]*runtime
	active    string
	syncTimer *clock.Timer
	subs      []events.Subscription
}

// NewLoader creates a loader and hooks it into the registry and bus.
func NewLoader(registry *Registry, host frame.Host, state StateSource, prefs PreferenceSource, bus *events.Bus, clk clock.Clock, opts LoaderOptions) *Loader {
	if clk == nil {
		clk = clock.New()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = DefaultLoadTimeout
	}
	if opts.SyncDebounce <= 0 {
		opts.SyncDebounce = DefaultSyncDebounce
	}
	l := &Loader{
		registry: registry,
		host:     host,
		state:    state,
		prefs:    prefs,
		bus:      bus,
		clock:    clk,
		opts:     opts,
		runtimes: make(map[string]*runtime),
	}

	registry.mu.Lock()
	registry.onUnregister = l.forget
	registry.mu.Unlock()
	bus.SetFrameSource(l)
	return l
}

// WatchState re-syncs every ready module, debounced, whenever session,
// user or preference state changes.
func (l *Loader) WatchState() {
	names := []string{
		events.SessionCreated,
		events.SessionRestored,
		events.SessionRefreshed,
		events.SessionCleared,
		events.UserUpdated,
		events.PreferencesUpdated,
	}
	subs := make([]events.Subscription, 0, len(names))
	for _, name := range names {
		subs = append(subs, l.bus.AddEventListener(name, func(string, any) { l.ScheduleSyncAll() }))
	}
	l.mu.Lock()
	l.subs = append(l.subs, subs...)
	l.mu.Unlock()
}

// rt returns the runtime for id, creating it unloaded. Caller holds l.mu.
func (l *Loader) rt(id string) *runtime {
	r, ok := l.runtimes[id]
	if !ok {
		r = &runtime{state: domain.ModuleUnloaded}
		l.runtimes[id] = r
	}
	return r
}

// Load brings module id into container c.
func (l *Loader) Load(ctx context.Context, id string, c *frame.Container) error {
	if !l.registry.CanAccess(id) {
		return fmt.Errorf("%w: %s", ErrAccessDenied, id)
	}
	desc, ok := l.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModule, id)
	}

	l.mu.Lock()
	prev := l.active
	l.mu.Unlock()
	if prev != "" && prev != id {
		l.Unload(prev)
	}

	l.mu.Lock()
	r := l.rt(id)
	if r.state == domain.ModuleReady && (r.frame != nil || desc.InProcess()) {
		r.lastAccessed = l.clock.Now()
		r.accessCount++
		l.active = id
		l.mu.Unlock()
		return nil
	}
	if r.state == domain.ModuleLoading {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrLoadInProgress, id)
	}
	r.state = domain.ModuleLoading
	r.err = ""
	hs := newHandshake()
	r.hs = hs
	l.active = id
	l.mu.Unlock()

	slog.Info("Loading module", "module_id", id, "in_process", desc.InProcess())

	if desc.InProcess() {
		l.mu.Lock()
		r.component = ComponentName(id)
		l.mu.Unlock()
		hs.signalReady()
		return l.finishLoad(ctx, id, desc, hs)
	}

	hs.startHardTimeout(l.clock, l.opts.LoadTimeout)

	f, err := l.host.Create(ctx, c, frame.Spec{ModuleID: id, URL: desc.URL, Sandbox: frame.DefaultSandbox})
	if err != nil {
		hs.fail(fmt.Errorf("%w: %v", ErrFrameFailed, err))
		return l.failLoad(id, hs)
	}

	l.mu.Lock()
	if r.hs != hs {
		l.mu.Unlock()
		_ = f.Close("load cancelled")
		return ErrLoadCancelled
	}
	r.frame = f
	l.mu.Unlock()

	l.awaitHandshake(ctx, hs, f)
	if _, err := hs.result(); err != nil {
		return l.failLoad(id, hs)
	}
	return l.finishLoad(ctx, id, desc, hs)
}

// awaitHandshake drives hs from frame signals until it resolves.
func (l *Loader) awaitHandshake(ctx context.Context, hs *handshake, f frame.Frame) {
	loaded := f.Loaded()
	failed := f.Failed()
	for {
		select {
		case <-hs.done:
			return
		case <-loaded:
			hs.attach(l.clock, l.opts.GracePeriod)
			loaded = nil
		case err := <-failed:
			hs.fail(fmt.Errorf("%w: %v", ErrFrameFailed, err))
			failed = nil
		case <-ctx.Done():
			hs.fail(ctx.Err())
		}
	}
}

func (l *Loader) finishLoad(ctx context.Context, id string, desc domain.ModuleDescriptor, hs *handshake) error {
	l.mu.Lock()
	r := l.runtimes[id]
	if r == nil || r.hs != hs {
		l.mu.Unlock()
		return ErrLoadCancelled
	}
	r.state = domain.ModuleReady
	r.hs = nil
	r.lastAccessed = l.clock.Now()
	r.accessCount++
	l.active = id
	l.mu.Unlock()

	assumed, _ := hs.result()
	if !desc.InProcess() {
		l.SyncModule(ctx, id)
	}

	slog.Info("Module loaded", "module_id", id, "ready_assumed", assumed)
	l.bus.Broadcast(events.ModuleLoaded, l.Status(id))
	return nil
}

func (l *Loader) failLoad(id string, hs *handshake) error {
	_, err := hs.result()

	l.mu.Lock()
	r := l.runtimes[id]
	if r == nil || r.hs != hs {
		l.mu.Unlock()
		if errors.Is(err, ErrLoadCancelled) {
			return err
		}
		return ErrLoadCancelled
	}
	f := r.frame
	r.state = domain.ModuleError
	r.err = err.Error()
	r.frame = nil
	r.hs = nil
	if l.active == id {
		l.active = ""
	}
	l.mu.Unlock()

	if f != nil {
		if closeErr := f.Close("load failed"); closeErr != nil {
			slog.Debug("Failed to close frame after load error", "module_id", id, "error", closeErr)
		}
	}

	slog.Warn("Module load failed", "module_id", id, "error", err)
	l.bus.Broadcast(events.ModuleLoadError, map[string]string{
		"id":    id,
		"error": err.Error(),
		"kind":  ErrorKind(err),
	})
	return err
}

// Unload tears down a module and resets its runtime state. It reports whether
// the module was loading or loaded.
func (l *Loader) Unload(id string) bool {
	l.mu.Lock()
	r, ok := l.runtimes[id]
	if !ok || (r.state == domain.ModuleUnloaded && r.frame == nil) {
		l.mu.Unlock()
		return false
	}
	f, hs := r.frame, r.hs
	r.frame = nil
	r.hs = nil
	r.state = domain.ModuleUnloaded
	r.err = ""
	r.component = ""
	if l.active == id {
		l.active = ""
	}
	l.mu.Unlock()

	if hs != nil {
		hs.fail(ErrLoadCancelled)
	}
	if f != nil {
		ctx, cancel := context.WithTimeout(context.Background(), unloadNoticeTimeout)
		if err := f.Post(ctx, map[string]string{"type": unloadingMessageType, "moduleId": id}); err != nil {
			slog.Debug("Frame gone before unload notice", "module_id", id, "error", err)
		}
		cancel()
		if err := f.Close("module unloaded"); err != nil {
			slog.Debug("Failed to close frame", "module_id", id, "error", err)
		}
	}

	slog.Info("Module unloaded", "module_id", id)
	l.bus.Broadcast(events.ModuleUnloaded, map[string]string{"id": id})
	return true
}

// Reload unloads and loads a module again. It is the only retry path after a failure.
func (l *Loader) Reload(ctx context.Context, id string, c *frame.Container) error {
	l.Unload(id)
	return l.Load(ctx, id, c)
}

// forget drops all runtime state for an unregistered module.
func (l *Loader) forget(id string) {
	l.Unload(id)
	l.mu.Lock()
	delete(l.runtimes, id)
	l.mu.Unlock()
}

// MarkReady handles a module's ready handshake. A pending load completes
// (and syncs) through Load; an already ready module is synced immediately.
func (l *Loader) MarkReady(ctx context.Context, id string) bool {
	l.mu.Lock()
	r, ok := l.runtimes[id]
	if !ok {
		l.mu.Unlock()
		return false
	}
	hs, state := r.hs, r.state
	l.mu.Unlock()

	switch {
	case hs != nil:
		if !hs.signalReady() {
			return false
		}
	case state == domain.ModuleReady:
		l.SyncModule(ctx, id)
	default:
		return false
	}
	l.bus.Broadcast(events.ModuleReady, map[string]string{"id": id})
	return true
}

// Snapshot builds the sync payload for a module.
func (l *Loader) Snapshot(id string) (SyncPayload, bool) {
	desc, ok := l.registry.Get(id)
	if !ok {
		return SyncPayload{}, false
	}
	payload := SyncPayload{
		Type:        syncMessageType,
		Preferences: l.prefs.Preferences(),
		Permissions: l.state.Permissions(),
		Module: Identity{
			ID:       desc.ID,
			Name:     desc.Name,
			Version:  desc.Version,
			Features: desc.Features,
		},
		Timestamp: l.clock.Now().UnixMilli(),
	}
	if l.state.IsAuthenticated() {
		payload.Session = l.state.Current()
		payload.User = l.state.User()
	}
	return payload, true
}

// SyncModule posts a fresh snapshot into the module's frame. Failures are
// logged and do not affect readiness. It reports whether a message was posted.
func (l *Loader) SyncModule(ctx context.Context, id string) bool {
	l.mu.Lock()
	r, ok := l.runtimes[id]
	var f frame.Frame
	if ok {
		f = r.frame
	}
	l.mu.Unlock()
	if f == nil {
		return false
	}

	payload, ok := l.Snapshot(id)
	if !ok {
		return false
	}
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postTimeout)
	defer cancel()
	if err := f.Post(postCtx, payload); err != nil {
		slog.Warn("Module sync failed", "module_id", id, "error", err)
		return false
	}
	return true
}

// SyncAll syncs every ready module and returns how many were posted to.
func (l *Loader) SyncAll(ctx context.Context) int {
	l.mu.Lock()
	var ids []string
	for id, r := range l.runtimes {
		if r.state == domain.ModuleReady && r.frame != nil {
			ids = append(ids, id)
		}
	}
	l.mu.Unlock()

	sent := 0
	for _, id := range ids {
		if l.SyncModule(ctx, id) {
			sent++
		}
	}
	return sent
}

// ScheduleSyncAll runs SyncAll after the debounce delay, coalescing bursts.
func (l *Loader) ScheduleSyncAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.syncTimer != nil {
		l.syncTimer.Stop()
	}
	l.syncTimer = l.clock.AfterFunc(l.opts.SyncDebounce, func() {
		l.SyncAll(context.Background())
	})
}

// ReadyFrames implements events.FrameSource.
func (l *Loader) ReadyFrames() []frame.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []frame.Frame
	for _, r := range l.runtimes {
		if r.state == domain.ModuleReady && r.frame != nil {
			out = append(out, r.frame)
		}
	}
	return out
}

// ModuleForFrame returns the module whose live frame is f.
func (l *Loader) ModuleForFrame(f frame.Frame) (string, bool) {
	if f == nil {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, r := range l.runtimes {
		if r.frame == f {
			return id, true
		}
	}
	return "", false
}

// Active returns the module currently occupying the container, or "".
func (l *Loader) Active() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Status returns the runtime view of a module.
func (l *Loader) Status(id string) domain.ModuleStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := domain.ModuleStatus{ID: id, State: domain.ModuleUnloaded}
	r, ok := l.runtimes[id]
	if !ok {
		return st
	}
	st.State = r.state
	st.Error = r.err
	st.Component = r.component
	st.LastAccessed = r.lastAccessed
	st.AccessCount = r.accessCount
	if r.frame != nil {
		st.FrameID = r.frame.ID()
	}
	if r.hs != nil {
		st.Handshake = r.hs.current().String()
	}
	return st
}

// Close unloads every module and stops background timers.
func (l *Loader) Close() {
	l.mu.Lock()
	ids := make([]string, 0, len(l.runtimes))
	for id := range l.runtimes {
		ids = append(ids, id)
	}
	if l.syncTimer != nil {
		l.syncTimer.Stop()
	}
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	for _, id := range ids {
		l.Unload(id)
	}
}
