// Package activity keeps the bounded activity trail and user preferences.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/events"
	"github.com/ashureev/sso-portal/internal/store"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// MaxEntries is the maximum number of retained activity entries.
const MaxEntries = 100

// Durable storage keys.
const (
	KeyActivityLog = "activity_log"
	KeyPreferences = "preferences"
)

// Attribution supplies the user and session an entry is recorded against.
type Attribution interface {
	CurrentEmail() string
	CurrentSessionID() string
}

// Log is the activity trail plus the preference map.
type Log struct {
	// persistMu orders snapshot+write pairs so an older snapshot never lands last.
	// Lock order: persistMu before mu.
	persistMu sync.Mutex
	mu        sync.Mutex
	kv        store.KV
	bus       *events.Bus
	clock     clock.Clock
	attr      Attribution
	entries   *Ring[domain.ActivityEntry]
	prefs     map[string]any
}

// NewLog creates a log persisting to kv and announcing on bus.
func NewLog(kv store.KV, bus *events.Bus, clk clock.Clock) *Log {
	if clk == nil {
		clk = clock.New()
	}
	return &Log{
		kv:      kv,
		bus:     bus,
		clock:   clk,
		entries: NewRing[domain.ActivityEntry](MaxEntries),
		prefs:   make(map[string]any),
	}
}

// SetAttribution sets the source of user/session attribution.
func (l *Log) SetAttribution(a Attribution) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attr = a
}

// Load restores persisted entries and preferences. Malformed data is discarded.
func (l *Log) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, ok, err := l.kv.Get(ctx, KeyActivityLog)
	if err != nil {
		return fmt.Errorf("load activity log: %w", err)
	}
	if ok {
		var stored []domain.ActivityEntry
		if err := json.Unmarshal(raw, &stored); err != nil {
			slog.Warn("Discarding malformed activity log", "error", err)
		} else {
			l.entries.Reset()
			// Stored newest first; replay oldest first.
			for i := len(stored) - 1; i >= 0; i-- {
				l.entries.Push(stored[i])
			}
		}
	}

	raw, ok, err = l.kv.Get(ctx, KeyPreferences)
	if err != nil {
		return fmt.Errorf("load preferences: %w", err)
	}
	if ok {
		prefs := make(map[string]any)
		if err := json.Unmarshal(raw, &prefs); err != nil {
			slog.Warn("Discarding malformed preferences", "error", err)
		} else {
			l.prefs = prefs
		}
	}
	return nil
}

// LogActivity records an action against the current attribution. Persistence
// failures are logged, never returned.
func (l *Log) LogActivity(ctx context.Context, action string, details map[string]any) domain.ActivityEntry {
	l.mu.Lock()
	attr := l.attr
	l.mu.Unlock()

	var email, sessionID string
	if attr != nil {
		email = attr.CurrentEmail()
		sessionID = attr.CurrentSessionID()
	}
	return l.LogAttributed(ctx, email, sessionID, action, details)
}

// LogAttributed records an action against an explicit user and session.
func (l *Log) LogAttributed(ctx context.Context, email, sessionID, action string, details map[string]any) domain.ActivityEntry {
	entry := domain.ActivityEntry{
		ID:        uuid.NewString(),
		Action:    action,
		Details:   details,
		Timestamp: l.clock.Now(),
		UserEmail: email,
		SessionID: sessionID,
	}

	l.persistMu.Lock()
	l.mu.Lock()
	l.entries.Push(entry)
	snapshot := l.entries.Newest(0)
	l.mu.Unlock()
	l.persist(ctx, KeyActivityLog, snapshot)
	l.persistMu.Unlock()

	l.bus.Broadcast(events.ActivityLogged, entry)
	return entry
}

// GetActivity returns up to limit entries, newest first.
func (l *Log) GetActivity(limit int) []domain.ActivityEntry {
	return l.entries.Newest(limit)
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	return l.entries.Len()
}

// UpdatePreferences shallow-merges partial into the preferences and returns the result.
func (l *Log) UpdatePreferences(ctx context.Context, partial map[string]any) map[string]any {
	l.persistMu.Lock()
	l.mu.Lock()
	maps.Copy(l.prefs, partial)
	merged := maps.Clone(l.prefs)
	l.mu.Unlock()
	l.persist(ctx, KeyPreferences, merged)
	l.persistMu.Unlock()

	l.bus.Broadcast(events.PreferencesUpdated, merged)
	return merged
}

// Preferences returns a copy of the current preferences.
func (l *Log) Preferences() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.prefs)
}

func (l *Log) persist(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to encode activity state", "key", key, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.kv.Put(writeCtx, key, data); err != nil {
		slog.Warn("Failed to persist activity state", "key", key, "error", err)
	}
}
