package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/identity"
	"github.com/ashureev/sso-portal/internal/portal"
	"github.com/ashureev/sso-portal/internal/session"
	"github.com/ashureev/sso-portal/internal/store"
	"github.com/go-chi/chi/v5"
)

const (
	providerLocal     = "local"
	minPasswordLength = 8
)

// SessionHandler handles login, logout and user profile endpoints.
type SessionHandler struct {
	*Handler
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(base *Handler) *SessionHandler {
	return &SessionHandler{Handler: base}
}

// RegisterRoutes registers session and user routes on the /api router.
func (h *SessionHandler) RegisterRoutes(r chi.Router) {
	r.Post("/users", h.Register)
	r.Patch("/users/me", h.UpdateMe)

	r.Get("/session", h.GetSession)
	r.Post("/session", h.Login)
	r.Post("/session/refresh", h.Refresh)
	r.Delete("/session", h.Logout)
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Provider string `json:"provider"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
	Name     string `json:"name"`
	Avatar   string `json:"avatar"`
}

type sessionResponse struct {
	Authenticated bool            `json:"authenticated"`
	Session       *domain.Session `json:"session,omitempty"`
	User          *domain.User    `json:"user,omitempty"`
	Permissions   []string        `json:"permissions"`
}

func sessionView(c *portal.Core) sessionResponse {
	perms := c.Sessions.Permissions()
	if perms == nil {
		perms = []string{}
	}
	return sessionResponse{
		Authenticated: c.Sessions.IsAuthenticated(),
		Session:       c.Sessions.Current(),
		User:          c.Sessions.User(),
		Permissions:   perms,
	}
}

// Register creates a local account with a bcrypt password.
func (h *SessionHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	email := domain.NormalizeEmail(req.Email)
	if email == "" || !strings.Contains(email, "@") {
		Error(w, http.StatusBadRequest, "a valid email is required")
		return
	}
	if len(req.Password) < minPasswordLength {
		Error(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	c, ok := h.core(w, r)
	if !ok {
		return
	}

	hash, err := store.HashPassword(req.Password)
	if err != nil {
		slog.Error("Failed to hash password", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	user := &domain.User{
		Email:        email,
		Name:         domain.DisplayName(req.Name, email),
		Role:         domain.ParseRole(req.Role),
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := h.repo.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrUserExists) {
			Error(w, http.StatusConflict, "user already exists")
			return
		}
		slog.Error("Failed to create user", "error", err, "email", email)
		Error(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	slog.Info("User registered", "email", email, "role", user.Role)
	c.Activity.LogActivity(r.Context(), "user_registered", map[string]any{"email": email})
	JSON(w, http.StatusCreated, user)
}

// GetSession returns the tab's session state. Logged out is not an error.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	c, ok := h.core(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, sessionView(c))
}

// Login starts a session. The local provider checks the stored password;
// every other provider is mocked and finds or creates the user.
func (h *SessionHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	data := domain.LoginData{
		Provider:  strings.TrimSpace(req.Provider),
		Email:     req.Email,
		Name:      req.Name,
		Avatar:    req.Avatar,
		IPAddress: identity.IPFromRequest(r),
	}
	if req.Role != "" {
		data.Role = domain.ParseRole(req.Role)
	}

	if data.Provider == "" || data.Provider == providerLocal {
		data.Provider = providerLocal
		// Local accounts keep their stored role.
		data.Role = ""
		if !h.checkPassword(w, r, req) {
			return
		}
	}

	c, ok := h.core(w, r)
	if !ok {
		return
	}
	if _, err := c.Sessions.CreateSession(r.Context(), data); err != nil {
		if errors.Is(err, session.ErrEmailRequired) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("Failed to create session", "error", err, "provider", data.Provider)
		Error(w, http.StatusInternalServerError, "failed to create session")
		return
	}
	JSON(w, http.StatusOK, sessionView(c))
}

func (h *SessionHandler) checkPassword(w http.ResponseWriter, r *http.Request, req loginRequest) bool {
	email := domain.NormalizeEmail(req.Email)
	if email == "" {
		Error(w, http.StatusBadRequest, session.ErrEmailRequired.Error())
		return false
	}
	user, err := h.repo.FindByEmail(r.Context(), email)
	if err != nil {
		slog.Error("Failed to look up user", "error", err, "email", email)
		Error(w, http.StatusInternalServerError, "failed to verify credentials")
		return false
	}
	if user == nil || store.CheckPassword(user.PasswordHash, req.Password) != nil {
		slog.Warn("Rejected local login", "email", email)
		Error(w, http.StatusUnauthorized, "invalid credentials")
		return false
	}
	return true
}

// Refresh extends the session lifetime.
func (h *SessionHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	c, ok := h.core(w, r)
	if !ok {
		return
	}
	if !c.Sessions.RefreshSession(r.Context()) {
		Error(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	JSON(w, http.StatusOK, sessionView(c))
}

// Logout clears the tab's session.
func (h *SessionHandler) Logout(w http.ResponseWriter, r *http.Request) {
	c, ok := h.core(w, r)
	if !ok {
		return
	}
	cleared := c.Sessions.ClearSession(r.Context(), session.ReasonLogout)
	JSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

// UpdateMe edits the logged-in user's profile.
func (h *SessionHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var update session.ProfileUpdate
	if err := decode(r, &update); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, ok := h.core(w, r)
	if !ok {
		return
	}
	user, err := c.Sessions.UpdateUser(r.Context(), update)
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			Error(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		slog.Error("Failed to update user", "error", err)
		Error(w, http.StatusInternalServerError, "failed to update user")
		return
	}
	JSON(w, http.StatusOK, user)
}
