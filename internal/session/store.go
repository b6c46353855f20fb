// Package session is the single source of truth for who is logged in.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/events"
	"github.com/ashureev/sso-portal/internal/store"
	"github.com/ashureev/sso-portal/internal/token"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const (
	DefaultTTL               = 8 * time.Hour
	RefreshInterval          = 30 * time.Minute
	ActivityTick             = time.Minute
	DefaultInactivityTimeout = 60 * time.Minute
)

// Storage keys. KeySession lives in tab-scoped storage, KeyUser in durable storage.
const (
	KeySession = "sso_session"
	KeyUser    = "sso_user"
)

var (
	// ErrEmailRequired is returned when a login carries no email.
	ErrEmailRequired = errors.New("email is required")
	// ErrNotAuthenticated is returned by operations that need a valid session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Clear reasons recorded with session_cleared.
const (
	ReasonLogout     = "logout"
	ReasonExpired    = "expired"
	ReasonInactivity = "inactivity"
)

// ActivityLogger records attributed activity entries.
type ActivityLogger interface {
	LogAttributed(ctx context.Context, email, sessionID, action string, details map[string]any) domain.ActivityEntry
}

// Options tune session timing.
type Options struct {
	TTL               time.Duration
	InactivityTimeout time.Duration
}

// ProfileUpdate carries the editable user fields. Nil fields are left unchanged.
type ProfileUpdate struct {
	Name    *string         `json:"name,omitempty"`
	Avatar  *string         `json:"avatar,omitempty"`
	Profile *domain.Profile `json:"profile,omitempty"`
}

// Store owns the current session and user of one portal.
type Store struct {
	mu         sync.RWMutex
	ephemeral  store.KV
	durable    store.KV
	users      store.UserDirectory
	issuer     token.Issuer
	bus        *events.Bus
	clock      clock.Clock
	activity   ActivityLogger
	ttl        time.Duration
	inactivity time.Duration

	session *domain.Session
	user    *domain.User
	touched bool
	// lastInteraction is when the user last interacted. Timed refreshes do not
	// move it, so inactivity is measured from here, not from LastActivity.
	lastInteraction time.Time
}

// New creates a session store. users may be nil when no directory backs the portal.
func New(ephemeral, durable store.KV, users store.UserDirectory, issuer token.Issuer, bus *events.Bus, clk clock.Clock, opts Options) *Store {
	if clk == nil {
		clk = clock.New()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	return &Store{
		ephemeral:  ephemeral,
		durable:    durable,
		users:      users,
		issuer:     issuer,
		bus:        bus,
		clock:      clk,
		ttl:        opts.TTL,
		inactivity: opts.InactivityTimeout,
	}
}

// SetActivityLogger sets where login and logout entries are recorded.
func (s *Store) SetActivityLogger(a ActivityLogger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = a
}

func (s *Store) logActivity(ctx context.Context, sess *domain.Session, action string, details map[string]any) {
	s.mu.RLock()
	a := s.activity
	s.mu.RUnlock()
	if a != nil {
		a.LogAttributed(ctx, sess.User.Email, sess.ID, action, details)
	}
}

// CreateSession starts a session for the login. Only the email is validated.
func (s *Store) CreateSession(ctx context.Context, data domain.LoginData) (*domain.Session, error) {
	email := domain.NormalizeEmail(data.Email)
	if email == "" {
		return nil, ErrEmailRequired
	}
	now := s.clock.Now()

	user, err := s.resolveUser(ctx, email, data, now)
	if err != nil {
		return nil, err
	}

	tok, err := s.issuer.Issue(token.Claims{Email: user.Email, Role: string(user.Role)}, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}

	provider := data.Provider
	if provider == "" {
		provider = "local"
	}
	sess := &domain.Session{
		ID:           "sess_" + uuid.NewString(),
		Token:        tok,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
		LastActivity: now,
		Provider:     provider,
		IPAddress:    data.IPAddress,
		User:         user.Snapshot(),
	}

	if err := s.putJSON(ctx, s.ephemeral, KeySession, sess); err != nil {
		return nil, err
	}
	if err := s.putJSON(ctx, s.durable, KeyUser, user); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.session = sess
	s.user = user
	s.touched = false
	s.lastInteraction = now
	s.mu.Unlock()

	slog.Info("Session created", "email", user.Email, "role", user.Role, "provider", provider)
	s.bus.Broadcast(events.SessionCreated, sess.Clone())
	s.logActivity(ctx, sess, "login", map[string]any{"provider": provider, "role": string(user.Role)})
	return sess.Clone(), nil
}

// resolveUser finds or creates the durable user for a login.
func (s *Store) resolveUser(ctx context.Context, email string, data domain.LoginData, now time.Time) (*domain.User, error) {
	var user *domain.User
	if s.users != nil {
		found, err := s.users.FindByEmail(ctx, email)
		if err != nil {
			return nil, fmt.Errorf("find user: %w", err)
		}
		user = found
	}

	if user == nil {
		role := data.Role
		if role == "" {
			role = domain.RoleUser
		}
		user = &domain.User{
			Email:     email,
			Name:      domain.DisplayName(data.Name, email),
			Role:      role,
			Avatar:    data.Avatar,
			CreatedAt: now,
			LastLogin: now,
		}
		if s.users != nil {
			if err := s.users.CreateUser(ctx, user); err != nil && !errors.Is(err, store.ErrUserExists) {
				return nil, fmt.Errorf("create user: %w", err)
			}
		}
		return user, nil
	}

	if data.Role != "" {
		user.Role = data.Role
	}
	if data.Name != "" {
		user.Name = data.Name
	}
	if data.Avatar != "" {
		user.Avatar = data.Avatar
	}
	user.LastLogin = now
	if err := s.users.UpdateLastLogin(ctx, email, now); err != nil {
		slog.Warn("Failed to stamp last login", "email", email, "error", err)
	}
	return user, nil
}

// RestoreSession loads a previously persisted session. Expired or malformed
// data is discarded and the store stays logged out.
func (s *Store) RestoreSession(ctx context.Context) bool {
	sess, user, ok := s.readPersisted(ctx)
	if !ok {
		s.discardPersisted(ctx)
		return false
	}

	s.mu.Lock()
	s.session = sess
	s.user = user
	s.touched = false
	s.lastInteraction = s.clock.Now()
	s.mu.Unlock()

	slog.Info("Session restored", "email", sess.User.Email)
	s.bus.Broadcast(events.SessionRestored, sess.Clone())
	return true
}

func (s *Store) readPersisted(ctx context.Context) (*domain.Session, *domain.User, bool) {
	rawSession, ok, err := s.ephemeral.Get(ctx, KeySession)
	if err != nil || !ok {
		return nil, nil, false
	}
	rawUser, ok, err := s.durable.Get(ctx, KeyUser)
	if err != nil || !ok {
		return nil, nil, false
	}

	var sess domain.Session
	var user domain.User
	if json.Unmarshal(rawSession, &sess) != nil || json.Unmarshal(rawUser, &user) != nil {
		slog.Warn("Discarding malformed persisted session")
		return nil, nil, false
	}
	if sess.ID == "" || user.Email == "" || !strings.EqualFold(sess.User.Email, user.Email) {
		return nil, nil, false
	}
	if !sess.ValidAt(s.clock.Now()) {
		return nil, nil, false
	}
	if _, err := s.issuer.Verify(sess.Token); err != nil && !errors.Is(err, token.ErrExpired) {
		slog.Warn("Discarding session with invalid token", "error", err)
		return nil, nil, false
	}
	return &sess, &user, true
}

func (s *Store) discardPersisted(ctx context.Context) {
	if err := s.ephemeral.Delete(ctx, KeySession); err != nil {
		slog.Warn("Failed to discard persisted session", "error", err)
	}
	if err := s.durable.Delete(ctx, KeyUser); err != nil {
		slog.Warn("Failed to discard persisted user", "error", err)
	}
}

// RefreshSession slides the expiry forward and re-issues the bearer token so
// its exp claim matches. An invalid session is cleared instead.
func (s *Store) RefreshSession(ctx context.Context) bool {
	now := s.clock.Now()

	s.mu.Lock()
	if !s.session.ValidAt(now) {
		s.mu.Unlock()
		s.ClearSession(ctx, ReasonExpired)
		return false
	}
	next := s.session.Clone()
	next.ExpiresAt = now.Add(s.ttl)
	next.LastActivity = now
	tok, err := s.issuer.Issue(token.Claims{Email: next.User.Email, Role: string(next.User.Role)}, s.ttl)
	if err != nil {
		slog.Warn("Failed to re-issue token on refresh", "email", next.User.Email, "error", err)
	} else {
		next.Token = tok
	}
	s.session = next
	s.touched = false
	sess := next.Clone()
	s.mu.Unlock()

	if err := s.putJSON(ctx, s.ephemeral, KeySession, sess); err != nil {
		slog.Warn("Failed to persist refreshed session", "error", err)
	}
	s.bus.Broadcast(events.SessionRefreshed, sess)
	return true
}

// ClearSession ends the current session. The durable user record is kept for
// faster re-login. It reports whether a session existed.
func (s *Store) ClearSession(ctx context.Context, reason string) bool {
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return false
	}
	sess := s.session
	s.session = nil
	s.touched = false
	s.mu.Unlock()

	if err := s.ephemeral.Delete(ctx, KeySession); err != nil {
		slog.Warn("Failed to remove persisted session", "error", err)
	}

	if reason == "" {
		reason = ReasonLogout
	}
	slog.Info("Session cleared", "email", sess.User.Email, "reason", reason)
	s.bus.Broadcast(events.SessionCleared, map[string]any{"reason": reason, "sessionId": sess.ID})
	s.logActivity(ctx, sess, "logout", map[string]any{"reason": reason, "email": sess.User.Email, "sessionId": sess.ID})
	return true
}

// IsAuthenticated reports whether a session exists and has not expired.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.ValidAt(s.clock.Now())
}

// Role returns the role of the authenticated user, or "" when logged out.
func (s *Store) Role() domain.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.session.ValidAt(s.clock.Now()) {
		return ""
	}
	return s.session.User.Role
}

// IsAdmin reports whether the authenticated user is an admin.
func (s *Store) IsAdmin() bool {
	return s.Role() == domain.RoleAdmin
}

// HasPermission reports whether the authenticated user holds perm.
func (s *Store) HasPermission(perm string) bool {
	role := s.Role()
	if role == "" {
		return false
	}
	return RoleHasPermission(role, perm)
}

// Permissions returns the authenticated user's full permission list.
func (s *Store) Permissions() []string {
	role := s.Role()
	if role == "" {
		return []string{}
	}
	return PermissionsFor(role)
}

// Current returns a copy of the session, or nil.
func (s *Store) Current() *domain.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.Clone()
}

// User returns a copy of the last logged-in user, or nil.
func (s *Store) User() *domain.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

// CurrentEmail implements activity.Attribution.
func (s *Store) CurrentEmail() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session != nil {
		return s.session.User.Email
	}
	return ""
}

// CurrentSessionID implements activity.Attribution.
func (s *Store) CurrentSessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session != nil {
		return s.session.ID
	}
	return ""
}

// Expiry returns the session's expiry and creation time.
func (s *Store) Expiry() (createdAt, expiresAt time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return time.Time{}, time.Time{}, false
	}
	return s.session.CreatedAt, s.session.ExpiresAt, true
}

// IssueToken mints a fresh bearer token for the authenticated user.
func (s *Store) IssueToken() (string, error) {
	s.mu.RLock()
	valid := s.session.ValidAt(s.clock.Now())
	var claims token.Claims
	if valid {
		claims = token.Claims{Email: s.session.User.Email, Role: string(s.session.User.Role)}
	}
	s.mu.RUnlock()
	if !valid {
		return "", ErrNotAuthenticated
	}
	return s.issuer.Issue(claims, s.ttl)
}

// UpdateUser edits the durable user and keeps the session snapshot consistent with it.
func (s *Store) UpdateUser(ctx context.Context, update ProfileUpdate) (*domain.User, error) {
	s.mu.RLock()
	if !s.session.ValidAt(s.clock.Now()) || s.user == nil {
		s.mu.RUnlock()
		return nil, ErrNotAuthenticated
	}
	user := *s.user
	s.mu.RUnlock()

	if update.Name != nil {
		user.Name = *update.Name
	}
	if update.Avatar != nil {
		user.Avatar = *update.Avatar
	}
	if update.Profile != nil {
		user.Profile = *update.Profile
	}

	if s.users != nil {
		if err := s.users.UpdateProfile(ctx, &user); err != nil && !errors.Is(err, store.ErrUserNotFound) {
			return nil, fmt.Errorf("update profile: %w", err)
		}
	}
	if err := s.putJSON(ctx, s.durable, KeyUser, &user); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.user = &user
	var sess *domain.Session
	if s.session != nil {
		next := s.session.Clone()
		next.User = user.Snapshot()
		s.session = next
		sess = next.Clone()
	}
	s.mu.Unlock()

	if sess != nil {
		if err := s.putJSON(ctx, s.ephemeral, KeySession, sess); err != nil {
			return nil, err
		}
	}

	out := user
	s.bus.Broadcast(events.UserUpdated, user.Snapshot())
	return &out, nil
}

// Touch records a user interaction. The inactivity clock restarts at once; the
// session refresh is applied on the next activity tick, at most once per tick.
func (s *Store) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil {
		s.touched = true
		s.lastInteraction = s.clock.Now()
	}
}

// Tick applies pending interactions and enforces expiry and inactivity.
func (s *Store) Tick(ctx context.Context) {
	now := s.clock.Now()

	s.mu.RLock()
	sess := s.session
	touched := s.touched
	idle := now.Sub(s.lastInteraction)
	s.mu.RUnlock()

	switch {
	case sess == nil:
		return
	case !sess.ValidAt(now):
		s.ClearSession(ctx, ReasonExpired)
	case touched:
		s.RefreshSession(ctx)
	case idle > s.inactivity:
		s.ClearSession(ctx, ReasonInactivity)
	}
}

func (s *Store) putJSON(ctx context.Context, kv store.KV, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("persist %s: %w", key, err)
	}
	return nil
}
