package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/events"
	"github.com/ashureev/sso-portal/internal/frame"
	"github.com/ashureev/sso-portal/internal/session"
	"github.com/ashureev/sso-portal/internal/store"
	"github.com/benbjohnson/clock"
)

// KeyModuleProgress is the durable key of the per-module progress map.
const KeyModuleProgress = "module_progress"

const replyTimeout = 5 * time.Second

// Sessions is the session surface the router acts on.
type Sessions interface {
	IsAuthenticated() bool
	User() *domain.User
	CurrentEmail() string
	IssueToken() (string, error)
	ClearSession(ctx context.Context, reason string) bool
}

// Modules is the loader surface the router acts on.
type Modules interface {
	ModuleForFrame(f frame.Frame) (string, bool)
	MarkReady(ctx context.Context, id string) bool
	SyncModule(ctx context.Context, id string) bool
}

// ActivityLog is the activity and preference surface the router acts on.
type ActivityLog interface {
	LogActivity(ctx context.Context, action string, details map[string]any) domain.ActivityEntry
	UpdatePreferences(ctx context.Context, partial map[string]any) map[string]any
}

// App is a lightweight application registered over the legacy protocol.
type App struct {
	ID           string    `json:"id"`
	Name         string    `json:"name,omitempty"`
	Version      string    `json:"version,omitempty"`
	FrameID      string    `json:"frameId,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

type app struct {
	App
	frame frame.Frame
}

// Deps are the router's collaborators. Artifacts may be nil.
type Deps struct {
	Sessions       Sessions
	Modules        Modules
	Activity       ActivityLog
	Artifacts      store.ArtifactStore
	Durable        store.KV
	Bus            *events.Bus
	Clock          clock.Clock
	AllowedOrigins []string
}

// Router is the single inbound message handler of a portal.
type Router struct {
	Deps

	mu   sync.Mutex
	apps map[string]*app
	sub  events.Subscription
}

// New creates a router.
func New(d Deps) *Router {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	return &Router{Deps: d, apps: make(map[string]*app)}
}

// privileged types change session or user state and need a trusted origin.
func privileged(typ string) bool {
	switch typ {
	case TypeLogout, TypePreferenceUpdate, TypeRequestSession, TypeSessionExpired, TypeRequestLogout, TypeSubmitArtifact:
		return true
	}
	return false
}

// Dispatch decodes and handles one inbound message. It never fails: bad
// messages are logged and dropped.
func (r *Router) Dispatch(ctx context.Context, in frame.Inbound) {
	msg, err := Decode(in.Data)
	if err != nil {
		if errors.Is(err, ErrMalformed) {
			slog.Warn("Ignoring malformed message", "origin", in.Origin, "error", err)
		} else {
			slog.Debug("Ignoring message", "origin", in.Origin, "error", err)
		}
		return
	}

	if privileged(msg.Type()) && !frame.OriginAllowed(in.Origin, r.AllowedOrigins) {
		slog.Warn("Rejected message from untrusted origin", "type", msg.Type(), "origin", in.Origin)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Message handler panicked", "type", msg.Type(), "panic", rec)
		}
	}()

	switch m := msg.(type) {
	case RequestSession:
		r.requestSession(ctx, in.Source)
	case Logout:
		r.Sessions.ClearSession(ctx, session.ReasonLogout)
	case Activity:
		r.activity(ctx, in.Source, m)
	case ModuleReady:
		r.moduleReady(ctx, in.Source, m)
	case PreferenceUpdate:
		r.Activity.UpdatePreferences(ctx, m.Preferences)
	case ModuleRegister:
		r.registerApp(in.Source, m)
	case ProgressReport:
		r.progress(ctx, in.Source, m.ModuleID, m.Progress, "")
	case SectionCompleted:
		r.progress(ctx, in.Source, m.ModuleID, m.Progress, m.SectionID)
	case SubmitArtifact:
		r.submitArtifact(ctx, in.Source, m)
	case SessionExpired:
		r.sessionExpired(ctx, in.Source)
	case RequestLogout:
		r.requestLogout(ctx, in.Source, m)
	}
}

// moduleOf resolves the module a message speaks for. The sender frame takes
// precedence over a module id claimed in the payload.
func (r *Router) moduleOf(src frame.Frame, claimed string) string {
	if id, ok := r.Modules.ModuleForFrame(src); ok {
		return id
	}
	if claimed != "" {
		return claimed
	}
	if src == nil {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, a := range r.apps {
		if a.frame == src {
			return id
		}
	}
	return ""
}

func (r *Router) requestSession(ctx context.Context, src frame.Frame) {
	if id, ok := r.Modules.ModuleForFrame(src); ok {
		r.Modules.SyncModule(ctx, id)
		return
	}
	r.replySession(ctx, src)
}

// replySession answers the legacy session request with a fresh token or an
// expiry notice.
func (r *Router) replySession(ctx context.Context, dst frame.Frame) {
	if !r.Sessions.IsAuthenticated() {
		r.reply(ctx, dst, map[string]string{"type": ReplySessionExpired})
		return
	}
	tok, err := r.Sessions.IssueToken()
	if err != nil {
		slog.Warn("Failed to issue token for session request", "error", err)
		r.reply(ctx, dst, map[string]string{"type": ReplySessionExpired})
		return
	}
	r.reply(ctx, dst, map[string]any{
		"type":  ReplySessionResponse,
		"token": tok,
		"user":  r.Sessions.User(),
	})
}

func (r *Router) activity(ctx context.Context, src frame.Frame, m Activity) {
	details := maps.Clone(m.Details)
	if details == nil {
		details = make(map[string]any)
	}
	if _, set := details["moduleId"]; !set {
		if id := r.moduleOf(src, ""); id != "" {
			details["moduleId"] = id
		}
	}
	r.Activity.LogActivity(ctx, m.Action, details)
}

func (r *Router) moduleReady(ctx context.Context, src frame.Frame, m ModuleReady) {
	id := m.ModuleID
	if owner, ok := r.Modules.ModuleForFrame(src); ok {
		if id != "" && id != owner {
			slog.Warn("Frame announced readiness for another module", "module_id", id, "frame_module", owner)
			return
		}
		id = owner
	}
	if id == "" {
		return
	}
	if !r.Modules.MarkReady(ctx, id) {
		slog.Debug("Ready signal for module that is not loading", "module_id", id)
	}
}

func (r *Router) registerApp(src frame.Frame, m ModuleRegister) {
	a := &app{
		App: App{
			ID:           m.AppID,
			Name:         m.Name,
			Version:      m.Version,
			RegisteredAt: r.Clock.Now(),
		},
		frame: src,
	}
	if src != nil {
		a.FrameID = src.ID()
	}

	r.mu.Lock()
	_, refreshed := r.apps[m.AppID]
	r.apps[m.AppID] = a
	r.mu.Unlock()

	slog.Info("App registered", "app_id", m.AppID, "refreshed", refreshed)
}

// Apps returns the apps registered over the legacy protocol, sorted by id.
func (r *Router) Apps() []App {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]App, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, a.App)
	}
	slices.SortFunc(out, func(a, b App) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *Router) progress(ctx context.Context, src frame.Frame, claimed string, partial map[string]any, sectionID string) {
	id := r.moduleOf(src, claimed)
	if id == "" {
		slog.Debug("Progress report without module", "section_id", sectionID)
		return
	}

	merged, err := r.updateProgress(ctx, id, partial, sectionID)
	if err != nil {
		slog.Warn("Failed to store module progress", "module_id", id, "error", err)
		return
	}

	if sectionID == "" {
		r.Bus.Broadcast(events.ProgressUpdated, map[string]any{"moduleId": id, "progress": merged})
		return
	}
	r.Bus.Broadcast(events.SectionCompleted, map[string]any{"moduleId": id, "sectionId": sectionID, "progress": merged})
}

// updateProgress shallow-merges partial into the module's stored progress.
func (r *Router) updateProgress(ctx context.Context, id string, partial map[string]any, sectionID string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.loadProgress(ctx)
	if err != nil {
		return nil, err
	}
	cur := all[id]
	if cur == nil {
		cur = make(map[string]any)
	}
	maps.Copy(cur, partial)
	cur["lastActivity"] = r.Clock.Now().UTC().Format(time.RFC3339)
	if sectionID != "" {
		cur["completedSections"] = appendSection(cur["completedSections"], sectionID)
	}
	all[id] = cur

	data, err := json.Marshal(all)
	if err != nil {
		return nil, fmt.Errorf("encode progress: %w", err)
	}
	if err := r.Durable.Put(ctx, KeyModuleProgress, data); err != nil {
		return nil, fmt.Errorf("persist progress: %w", err)
	}
	return maps.Clone(cur), nil
}

func appendSection(existing any, sectionID string) []any {
	list, _ := existing.([]any)
	if slices.Contains(list, any(sectionID)) {
		return list
	}
	return append(list, sectionID)
}

// loadProgress reads the stored progress map. Malformed data starts over. Caller holds r.mu.
func (r *Router) loadProgress(ctx context.Context) (map[string]map[string]any, error) {
	all := make(map[string]map[string]any)
	raw, ok, err := r.Durable.Get(ctx, KeyModuleProgress)
	if err != nil {
		return nil, fmt.Errorf("load progress: %w", err)
	}
	if ok && json.Unmarshal(raw, &all) != nil {
		slog.Warn("Discarding malformed module progress")
		all = make(map[string]map[string]any)
	}
	return all, nil
}

// Progress returns the stored progress for a module.
func (r *Router) Progress(ctx context.Context, id string) (map[string]any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all, err := r.loadProgress(ctx)
	if err != nil {
		return nil, err
	}
	return all[id], nil
}

func (r *Router) submitArtifact(ctx context.Context, src frame.Frame, m SubmitArtifact) {
	if r.Artifacts == nil {
		slog.Warn("Artifact submission without an artifact store", "kind", m.Kind)
		return
	}
	if !r.Sessions.IsAuthenticated() {
		slog.Warn("Artifact submitted without a session", "kind", m.Kind)
		return
	}
	email := r.Sessions.CurrentEmail()
	id := r.moduleOf(src, m.ModuleID)

	entry, err := r.Artifacts.SubmitArtifact(ctx, email, id, m.Kind, m.Data)
	if err != nil {
		slog.Warn("Failed to store artifact", "kind", m.Kind, "module_id", id, "error", err)
		return
	}

	r.Activity.LogActivity(ctx, string(m.Kind)+"_submitted", map[string]any{
		"moduleId":   id,
		"artifactId": entry.ID,
	})
	r.Bus.Broadcast(events.ArtifactSaved, map[string]any{
		"kind":     m.Kind,
		"moduleId": id,
		"artifact": entry,
	})
}

func (r *Router) sessionExpired(ctx context.Context, src frame.Frame) {
	if !r.Sessions.IsAuthenticated() {
		r.Sessions.ClearSession(ctx, session.ReasonExpired)
		return
	}
	// The child is out of date; resend the live session.
	if id, ok := r.Modules.ModuleForFrame(src); ok {
		r.Modules.SyncModule(ctx, id)
		return
	}
	r.replySession(ctx, src)
}

func (r *Router) requestLogout(ctx context.Context, src frame.Frame, m RequestLogout) {
	details := map[string]any{"initiatedBy": "module"}
	if id := r.moduleOf(src, m.ModuleID); id != "" {
		details["initiatedBy"] = id + "_module"
		details["moduleId"] = id
	}
	if m.Reason != "" {
		details["reason"] = m.Reason
	}
	r.Activity.LogActivity(ctx, "logout_requested", details)
	r.Sessions.ClearSession(ctx, session.ReasonLogout)
}

func (r *Router) reply(ctx context.Context, dst frame.Frame, msg any) {
	if dst == nil {
		slog.Debug("No reply target for message")
		return
	}
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()
	if err := dst.Post(postCtx, msg); err != nil {
		slog.Warn("Failed to reply to frame", "frame_id", dst.ID(), "error", err)
	}
}

// Watch tells registered apps when the session ends.
func (r *Router) Watch() {
	sub := r.Bus.AddEventListener(events.SessionCleared, func(string, any) {
		r.notifyApps(context.Background(), map[string]string{"type": ReplySessionExpired})
	})
	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
}

// notifyApps posts msg to every registered app. Apps whose frame is gone are dropped.
func (r *Router) notifyApps(ctx context.Context, msg any) {
	r.mu.Lock()
	targets := make([]*app, 0, len(r.apps))
	for _, a := range r.apps {
		if a.frame != nil {
			targets = append(targets, a)
		}
	}
	r.mu.Unlock()

	for _, a := range targets {
		postCtx, cancel := context.WithTimeout(ctx, replyTimeout)
		err := a.frame.Post(postCtx, msg)
		cancel()
		if err == nil {
			continue
		}
		slog.Debug("Dropping unreachable app", "app_id", a.ID, "error", err)
		r.mu.Lock()
		if r.apps[a.ID] == a {
			delete(r.apps, a.ID)
		}
		r.mu.Unlock()
	}
}

// Close stops watching the bus.
func (r *Router) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = events.Subscription{}
	r.mu.Unlock()
	sub.Unsubscribe()
}
