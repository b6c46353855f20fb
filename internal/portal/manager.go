package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrManagerClosed is returned by Get after Close.
var ErrManagerClosed = errors.New("portal manager closed")

const (
	DefaultIdleTTL       = 2 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

type coreKey struct {
	device string
	tab    string
}

// Manager keeps one core per device and tab, and sweeps idle ones.
type Manager struct {
	opts    Options
	idleTTL time.Duration
	clock   clock.Clock

	mu     sync.Mutex
	cores  map[coreKey]*Core
	closed bool
}

// NewManager creates a manager building cores from opts.
func NewManager(opts Options, idleTTL time.Duration) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	return &Manager{
		opts:    opts,
		idleTTL: idleTTL,
		clock:   opts.Clock,
		cores:   make(map[coreKey]*Core),
	}
}

// Get returns the core for device and tab, creating and starting it on first use.
func (m *Manager) Get(ctx context.Context, device, tab string) (*Core, error) {
	key := coreKey{device: device, tab: tab}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if c, ok := m.cores[key]; ok {
		c.MarkUsed()
		return c, nil
	}

	c, err := New(device, tab, m.opts)
	if err != nil {
		return nil, fmt.Errorf("create portal core: %w", err)
	}
	if err := c.Init(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("init portal core: %w", err)
	}
	m.cores[key] = c
	slog.Debug("Portal core created", "device_id", device, "tab_id", tab, "cores", len(m.cores))
	return c, nil
}

// Lookup returns an existing core without creating one.
func (m *Manager) Lookup(device, tab string) (*Core, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cores[coreKey{device: device, tab: tab}]
	return c, ok
}

// Len returns the number of live cores.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cores)
}

// Sweep closes cores that have been idle longer than the idle TTL and are not
// pinned by a connection. It returns how many were closed.
func (m *Manager) Sweep() int {
	cutoff := m.clock.Now().Add(-m.idleTTL)

	m.mu.Lock()
	var idle []*Core
	for key, c := range m.cores {
		if c.Pinned() || c.LastUsed().After(cutoff) {
			continue
		}
		idle = append(idle, c)
		delete(m.cores, key)
	}
	m.mu.Unlock()

	for _, c := range idle {
		slog.Info("Sweeping idle portal core", "device_id", c.DeviceID, "tab_id", c.TabID, "last_used", c.LastUsed())
		c.Close()
	}
	return len(idle)
}

// StartSweeper runs Sweep on interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := m.clock.Ticker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Core sweeper started", "interval", interval, "idle_ttl", m.idleTTL)

		for {
			select {
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					slog.Info("Core sweeper cleanup completed", "closed", n)
				}
			case <-ctx.Done():
				slog.Info("Core sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Close closes every core. Later Get calls fail.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	cores := make([]*Core, 0, len(m.cores))
	for _, c := range m.cores {
		cores = append(cores, c)
	}
	m.cores = make(map[coreKey]*Core)
	m.mu.Unlock()

	for _, c := range cores {
		c.Close()
	}
}
