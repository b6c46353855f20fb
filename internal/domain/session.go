package domain

import (
	"time"
)

// SessionUser is the user snapshot embedded in a session.
type SessionUser struct {
	Email  string `json:"email"`
	Role   Role   `json:"role"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Session is one authenticated browsing session.
type Session struct {
	ID           string      `json:"id"`
	Token        string      `json:"token"`
	CreatedAt    time.Time   `json:"createdAt"`
	ExpiresAt    time.Time   `json:"expiresAt"`
	LastActivity time.Time   `json:"lastActivity"`
	Provider     string      `json:"provider"`
	IPAddress    string      `json:"ipAddress,omitempty"`
	User         SessionUser `json:"user"`
}

// ValidAt reports whether the session is present and not yet expired at now.
func (s *Session) ValidAt(now time.Time) bool {
	return s != nil && s.ExpiresAt.After(now)
}

// Clone returns a copy safe to hand to callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// LoginData carries the inputs of a (possibly mocked) login.
type LoginData struct {
	Provider  string `json:"provider"`
	Email     string `json:"email"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	IPAddress string `json:"-"`
}
