package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// MaxArtifactsPerKind caps each user's history per artifact kind.
const MaxArtifactsPerKind = 100

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		email TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		avatar TEXT,
		password_hash TEXT,
		profile_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		last_login INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL,
		kind TEXT NOT NULL,
		module_id TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		data_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_owner ON artifacts(email, kind, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// execWithRetry retries SQLITE_BUSY and locked errors with exponential backoff.
func (s *SQLiteStore) execWithRetry(ctx context.Context, query string, args ...any) (sql.Result, error) {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var lastErr error
	for i := 0; i < maxRetries; i++ {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}
		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying", "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Get returns the raw value stored under key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Put upserts value under key. Concurrent writers are last-write-wins.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	query := `
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.execWithRetry(ctx, query, key, value, time.Now().Unix()); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.execWithRetry(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// FindByEmail retrieves a user by case-insensitive email.
func (s *SQLiteStore) FindByEmail(ctx context.Context, email string) (*domain.User, error) {
	query := `
		SELECT email, name, role, avatar, password_hash, profile_json, created_at, last_login
		FROM users WHERE email = ?`

	var user domain.User
	var avatar, hash sql.NullString
	var profileJSON, role string
	var createdAt, lastLogin int64

	err := s.db.QueryRowContext(ctx, query, domain.NormalizeEmail(email)).Scan(
		&user.Email, &user.Name, &role, &avatar, &hash, &profileJSON, &createdAt, &lastLogin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.Role = domain.ParseRole(role)
	user.Avatar = avatar.String
	user.PasswordHash = hash.String
	user.CreatedAt = time.Unix(createdAt, 0)
	if lastLogin > 0 {
		user.LastLogin = time.Unix(lastLogin, 0)
	}
	if err := json.Unmarshal([]byte(profileJSON), &user.Profile); err != nil {
		slog.Warn("Ignoring malformed profile", "email", user.Email, "error", err)
	}
	return &user, nil
}

// CreateUser inserts a new user record.
func (s *SQLiteStore) CreateUser(ctx context.Context, user *domain.User) error {
	profile, err := json.Marshal(user.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	var lastLogin int64
	if !user.LastLogin.IsZero() {
		lastLogin = user.LastLogin.Unix()
	}

	query := `
	INSERT INTO users (email, name, role, avatar, password_hash, profile_json, created_at, last_login)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.execWithRetry(ctx, query,
		domain.NormalizeEmail(user.Email), user.Name, string(user.Role), user.Avatar,
		user.PasswordHash, string(profile), user.CreatedAt.Unix(), lastLogin,
	)
	if err != nil {
		if shared.IsSQLiteUniqueViolation(err) {
			return ErrUserExists
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdateLastLogin stamps the last login time for a user.
func (s *SQLiteStore) UpdateLastLogin(ctx context.Context, email string, at time.Time) error {
	result, err := s.execWithRetry(ctx, `UPDATE users SET last_login = ? WHERE email = ?`,
		at.Unix(), domain.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("update last_login: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// UpdateProfile replaces the editable fields of a user.
func (s *SQLiteStore) UpdateProfile(ctx context.Context, user *domain.User) error {
	profile, err := json.Marshal(user.Profile)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	result, err := s.execWithRetry(ctx,
		`UPDATE users SET name = ?, avatar = ?, profile_json = ? WHERE email = ?`,
		user.Name, user.Avatar, string(profile), domain.NormalizeEmail(user.Email))
	if err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SubmitArtifact stores a job sheet or test result and trims the owner's history.
func (s *SQLiteStore) SubmitArtifact(ctx context.Context, email, moduleID string, kind domain.ArtifactKind, payload map[string]any) (*domain.Artifact, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}

	artifact := &domain.Artifact{
		ID:        uuid.NewString(),
		Email:     domain.NormalizeEmail(email),
		Kind:      kind,
		ModuleID:  moduleID,
		Timestamp: time.Now(),
		Data:      payload,
	}

	_, err = s.execWithRetry(ctx,
		`INSERT INTO artifacts (id, email, kind, module_id, created_at, data_json) VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.Email, string(kind), moduleID, artifact.Timestamp.UnixNano(), string(data))
	if err != nil {
		return nil, fmt.Errorf("insert artifact: %w", err)
	}

	trim := `
	DELETE FROM artifacts WHERE email = ? AND kind = ? AND id NOT IN (
		SELECT id FROM artifacts WHERE email = ? AND kind = ? ORDER BY created_at DESC LIMIT ?
	)`
	if _, err := s.execWithRetry(ctx, trim, artifact.Email, string(kind), artifact.Email, string(kind), MaxArtifactsPerKind); err != nil {
		slog.Warn("Failed to trim artifact history", "email", artifact.Email, "kind", kind, "error", err)
	}

	return artifact, nil
}

// ListArtifacts returns a user's artifacts of one kind, newest first.
func (s *SQLiteStore) ListArtifacts(ctx context.Context, email string, kind domain.ArtifactKind, limit int) ([]*domain.Artifact, error) {
	if limit <= 0 || limit > MaxArtifactsPerKind {
		limit = MaxArtifactsPerKind
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, email, kind, module_id, created_at, data_json FROM artifacts
		 WHERE email = ? AND kind = ? ORDER BY created_at DESC LIMIT ?`,
		domain.NormalizeEmail(email), string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close artifact rows", "error", closeErr)
		}
	}()

	var out []*domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var k, data string
		var createdAt int64
		if err := rows.Scan(&a.ID, &a.Email, &k, &a.ModuleID, &createdAt, &data); err != nil {
			return nil, fmt.Errorf("scan artifact row: %w", err)
		}
		a.Kind = domain.ArtifactKind(k)
		a.Timestamp = time.Unix(0, createdAt)
		if err := json.Unmarshal([]byte(data), &a.Data); err != nil {
			slog.Warn("Ignoring malformed artifact payload", "id", a.ID, "error", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return out, nil
}
