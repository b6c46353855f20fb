// Package domain contains core domain types for the SSO portal.
package domain

import (
	"strings"
	"time"
)

// Role is the coarse authorization level of a user.
type Role string

const (
	RoleUser    Role = "user"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

// ParseRole maps free-form input onto a known role. Unknown values fall back to RoleUser.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	case RoleTeacher:
		return RoleTeacher
	default:
		return RoleUser
	}
}

// User is the durable identity record, independent of any session.
type User struct {
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         Role      `json:"role"`
	Avatar       string    `json:"avatar,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	LastLogin    time.Time `json:"lastLogin"`
	Profile      Profile   `json:"profile"`
}

// Profile holds the free-form fields a user can edit.
type Profile struct {
	Bio          string `json:"bio,omitempty"`
	Motivation   string `json:"motivation,omitempty"`
	Goals        string `json:"goals,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// NormalizeEmail returns the case-insensitive key used for user lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Snapshot returns the subset of the user embedded in a session.
func (u *User) Snapshot() SessionUser {
	return SessionUser{
		Email:  u.Email,
		Role:   u.Role,
		Name:   u.Name,
		Avatar: u.Avatar,
	}
}

// DisplayName derives a name from the email when none was given.
func DisplayName(name, email string) string {
	if strings.TrimSpace(name) != "" {
		return name
	}
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}
