// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/sso-portal/internal/domain"
)

var (
	// ErrUserExists is returned when registering an email that is already taken.
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound is returned when a user record is missing.
	ErrUserNotFound = errors.New("user not found")
)

// KV is a JSON blob key/value store. A missing key reports ok=false with a nil error.
type KV interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// UserDirectory backs the durable user records.
type UserDirectory interface {
	// FindByEmail returns the user or nil when no record exists.
	FindByEmail(ctx context.Context, email string) (*domain.User, error)

	// CreateUser inserts a new user, failing with ErrUserExists on duplicate email.
	CreateUser(ctx context.Context, user *domain.User) error

	// UpdateLastLogin stamps the last login time.
	UpdateLastLogin(ctx context.Context, email string, at time.Time) error

	// UpdateProfile replaces the editable fields of a user.
	UpdateProfile(ctx context.Context, user *domain.User) error
}

// ArtifactStore keeps learner-submitted job sheets and test results.
type ArtifactStore interface {
	// SubmitArtifact stores the payload and returns the created entry.
	SubmitArtifact(ctx context.Context, email, moduleID string, kind domain.ArtifactKind, payload map[string]any) (*domain.Artifact, error)

	// ListArtifacts returns a user's artifacts of one kind, newest first.
	ListArtifacts(ctx context.Context, email string, kind domain.ArtifactKind, limit int) ([]*domain.Artifact, error)
}

// Repository is the full durable backend.
type Repository interface {
	KV
	UserDirectory
	ArtifactStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
