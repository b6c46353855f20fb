// Package portal assembles the per-tab portal core: session, activity,
// module catalog, loader, router and bus wired together.
package portal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/sso-portal/internal/activity"
	"github.com/ashureev/sso-portal/internal/domain"
	"github.com/ashureev/sso-portal/internal/events"
	"github.com/ashureev/sso-portal/internal/frame"
	"github.com/ashureev/sso-portal/internal/module"
	"github.com/ashureev/sso-portal/internal/router"
	"github.com/ashureev/sso-portal/internal/session"
	"github.com/ashureev/sso-portal/internal/store"
	"github.com/ashureev/sso-portal/internal/token"
	"github.com/benbjohnson/clock"
)

// Options configure every core built by a manager.
type Options struct {
	// Repository is the durable backend shared by all cores.
	Repository store.Repository
	// Ephemeral holds tab-scoped records. It outlives individual cores so a
	// swept core can restore its tab's session.
	Ephemeral      store.KV
	Host           frame.Host
	Issuer         token.Issuer
	Clock          clock.Clock
	AllowedOrigins []string
	Catalog        []domain.ModuleDescriptor
	Session        session.Options
	Loader         module.LoaderOptions
}

// Core is the portal for one device and tab.
type Core struct {
	DeviceID string
	TabID    string

	Bus       *events.Bus
	Sessions  *session.Store
	Activity  *activity.Log
	Registry  *module.Registry
	Loader    *module.Loader
	Router    *router.Router
	Container *frame.Container

	clock    clock.Clock
	lastUsed atomic.Int64
	pins     atomic.Int32

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	closed  bool
}

// New builds an unstarted core. Call Init before use.
func New(deviceID, tabID string, opts Options) (*Core, error) {
	if opts.Repository == nil {
		return nil, fmt.Errorf("portal: repository is required")
	}
	if opts.Ephemeral == nil {
		opts.Ephemeral = store.NewMemoryKV()
	}
	if opts.Issuer == nil {
		opts.Issuer = token.NewUnsigned()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	durable := store.Scoped(opts.Repository, deviceID)
	ephemeral := store.Scoped(opts.Ephemeral, deviceID+"/"+tabID)

	bus := events.NewBus()
	bus.SetNow(opts.Clock.Now)

	c := &Core{
		DeviceID:  deviceID,
		TabID:     tabID,
		Bus:       bus,
		Container: frame.NewContainer("sso-module-container-" + tabID),
		clock:     opts.Clock,
	}
	c.Sessions = session.New(ephemeral, durable, opts.Repository, opts.Issuer, bus, opts.Clock, opts.Session)
	c.Activity = activity.NewLog(durable, bus, opts.Clock)
	c.Activity.SetAttribution(c.Sessions)
	c.Sessions.SetActivityLogger(c.Activity)

	c.Registry = module.NewRegistry(c.Sessions, bus)
	for _, d := range opts.Catalog {
		if err := c.Registry.Register(d.ID, d); err != nil {
			return nil, fmt.Errorf("register module %q: %w", d.ID, err)
		}
	}
	c.Loader = module.NewLoader(c.Registry, opts.Host, c.Sessions, c.Activity, bus, opts.Clock, opts.Loader)

	c.Router = router.New(router.Deps{
		Sessions:       c.Sessions,
		Modules:        c.Loader,
		Activity:       c.Activity,
		Artifacts:      opts.Repository,
		Durable:        durable,
		Bus:            bus,
		Clock:          opts.Clock,
		AllowedOrigins: opts.AllowedOrigins,
	})
	c.Container.OnMessage(func(in frame.Inbound) {
		c.MarkUsed()
		c.Router.Dispatch(context.Background(), in)
	})

	c.MarkUsed()
	return c, nil
}

// Init restores persisted state and starts the background workers. The
// workers stop when ctx is done or the core is closed.
func (c *Core) Init(ctx context.Context) error {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.Activity.Load(ctx); err != nil {
		cancel()
		return fmt.Errorf("load activity: %w", err)
	}
	restored := c.Sessions.RestoreSession(ctx)

	c.Loader.WatchState()
	c.Router.Watch()
	session.StartWorker(workerCtx, c.Sessions)

	slog.Info("Portal core started", "device_id", c.DeviceID, "tab_id", c.TabID, "restored", restored)
	return nil
}

// Close unloads modules and stops workers. Persisted state is kept.
func (c *Core) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.Router.Close()
	c.Loader.Close()
	slog.Info("Portal core closed", "device_id", c.DeviceID, "tab_id", c.TabID)
}

// Closed reports whether Close has been called.
func (c *Core) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// MarkUsed records that the core served a request.
func (c *Core) MarkUsed() {
	c.lastUsed.Store(c.clock.Now().UnixNano())
}

// LastUsed returns when the core last served a request.
func (c *Core) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// Pin keeps the core alive while a long-lived connection uses it. The
// returned func releases the pin.
func (c *Core) Pin() (release func()) {
	c.pins.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.pins.Add(-1)
			c.MarkUsed()
		})
	}
}

// Pinned reports whether any connection holds the core.
func (c *Core) Pinned() bool {
	return c.pins.Load() > 0
}
