package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leapstack-labs/leapgrid/internal/engine"
	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/state"
	"github.com/leapstack-labs/leapgrid/internal/tabdata"
)

// Tab pairs an open tab's identity and descriptor with its data adapter.
type Tab struct {
	ID        string
	Adapter   *tabdata.Adapter
	CreatedAt time.Time

	mu      sync.Mutex
	desc    source.Descriptor
	cleanup func() error
}

// Descriptor returns the tab's current data-source descriptor.
func (t *Tab) Descriptor() source.Descriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.desc
}

func (t *Tab) setDescriptor(d source.Descriptor) {
	t.mu.Lock()
	t.desc = d
	t.mu.Unlock()
}

// Registry owns every open tab, their persistence, and their activation.
type Registry struct {
	mu   sync.Mutex
	tabs map[string]*Tab

	engine      *engine.Engine
	store       state.Store
	logger      *slog.Logger
	batchSize   int
	persistRows int

	// providerFor builds the source provider for a tab. Tests swap in
	// scripted providers here.
	providerFor func(ctx context.Context, t *Tab) (source.Provider, func() error, error)
}

// RegistryConfig configures a Registry. Store may be nil to disable
// snapshot persistence.
type RegistryConfig struct {
	Engine      *engine.Engine
	Store       state.Store
	Logger      *slog.Logger
	BatchSize   int
	PersistRows int
}

// NewRegistry creates an empty tab registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	persistRows := cfg.PersistRows
	if persistRows <= 0 {
		persistRows = state.MaxPersistedRows
	}

	r := &Registry{
		tabs:        map[string]*Tab{},
		engine:      cfg.Engine,
		store:       cfg.Store,
		logger:      logger,
		batchSize:   cfg.BatchSize,
		persistRows: persistRows,
	}
	r.providerFor = r.defaultProvider
	return r
}

// defaultProvider binds engine descriptors to the embedded pool and
// Postgres descriptors to their own pgx pool, whose close travels with
// the tab.
func (r *Registry) defaultProvider(ctx context.Context, t *Tab) (source.Provider, func() error, error) {
	desc := t.Descriptor()
	if desc.Kind == source.KindPostgres {
		b, err := source.NewPostgresBinding(ctx, desc)
		if err != nil {
			return nil, nil, err
		}
		return source.NewPostgresProvider(b), func() error { b.Close(); return nil }, nil
	}
	if r.engine == nil {
		return nil, nil, fmt.Errorf("no engine configured")
	}
	return source.NewEngineProvider(r.engine.DB(), t.Descriptor), nil, nil
}

// Open creates a tab for the descriptor. A non-empty id reattaches a
// stable identity, so a persisted snapshot from a previous run seeds the
// adapter; empty gets a fresh uuid. A source that fails to bind still
// yields a usable tab whose status carries the surfaced error.
func (r *Registry) Open(ctx context.Context, id string, desc source.Descriptor) (*Tab, error) {
	if id == "" {
		id = uuid.NewString()
	}

	r.mu.Lock()
	if existing, ok := r.tabs[id]; ok {
		r.mu.Unlock()
		return existing, fmt.Errorf("tab %s already open", id)
	}
	r.mu.Unlock()

	tab := &Tab{ID: id, CreatedAt: time.Now(), desc: desc}

	var seed *state.TabSnapshot
	if r.store != nil {
		snap, err := r.store.LoadTabSnapshot(ctx, id)
		if err != nil {
			r.logger.Warn("failed to load tab snapshot", "tab", id, "error", err)
		} else {
			seed = snap
		}
	}

	provider, cleanup, err := r.providerFor(ctx, tab)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source for tab %s: %w", id, err)
	}
	tab.cleanup = cleanup

	tab.Adapter = tabdata.New(tabdata.Config{
		Provider:  provider,
		Logger:    r.logger.With("tab", id),
		BatchSize: r.batchSize,
		Seed:      seed,
	})

	// Bind keeps a seeded sort spec; a brand-new tab resets from scratch.
	if seed != nil {
		err = tab.Adapter.Bind(ctx)
	} else {
		err = tab.Adapter.Reset(ctx)
	}
	if err != nil {
		r.logger.Warn("tab opened with failing source", "tab", id, "error", err)
	}

	r.mu.Lock()
	r.tabs[id] = tab
	r.mu.Unlock()

	r.logger.Info("tab opened", "tab", id, "source", desc.Label())
	return tab, nil
}

// Get looks a tab up by id.
func (r *Registry) Get(id string) (*Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tabs[id]
	return t, ok
}

// List returns open tabs ordered by creation time.
func (r *Registry) List() []*Tab {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Tab, 0, len(r.tabs))
	for _, t := range r.tabs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetDescriptor points a tab at a different source and resets its adapter.
func (r *Registry) SetDescriptor(ctx context.Context, id string, desc source.Descriptor) error {
	tab, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("unknown tab: %s", id)
	}
	tab.setDescriptor(desc)
	return tab.Adapter.Reset(ctx)
}

// Close persists a tab's snapshot, tears its adapter down, and removes it.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	tab, ok := r.tabs[id]
	delete(r.tabs, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown tab: %s", id)
	}

	r.persist(ctx, tab)
	tab.Adapter.Close()
	if tab.cleanup != nil {
		if err := tab.cleanup(); err != nil {
			r.logger.Warn("tab source cleanup failed", "tab", id, "error", err)
		}
	}
	r.logger.Info("tab closed", "tab", id)
	return nil
}

// ResetMatching resets every tab reading the named engine object. The
// file watcher calls this when a registered file changes on disk.
func (r *Registry) ResetMatching(ctx context.Context, name string) {
	for _, tab := range r.List() {
		desc := tab.Descriptor()
		if desc.Name != name {
			continue
		}
		r.logger.Info("resetting tab after source change", "tab", tab.ID, "source", name)
		if err := tab.Adapter.Reset(ctx); err != nil {
			r.logger.Warn("reset after source change failed", "tab", tab.ID, "error", err)
		}
	}
}

// Shutdown persists every open tab and closes their adapters. Snapshots
// for tabs that no longer exist are pruned.
func (r *Registry) Shutdown(ctx context.Context) {
	tabs := r.List()

	keep := make([]string, 0, len(tabs))
	for _, tab := range tabs {
		keep = append(keep, tab.ID)
		r.persist(ctx, tab)
		tab.Adapter.Close()
		if tab.cleanup != nil {
			_ = tab.cleanup()
		}
	}

	if r.store != nil {
		if err := r.store.PruneTabSnapshots(ctx, keep); err != nil {
			r.logger.Warn("failed to prune tab snapshots", "error", err)
		}
	}
}

func (r *Registry) persist(ctx context.Context, tab *Tab) {
	if r.store == nil {
		return
	}
	snap := tab.Adapter.Snapshot(tab.ID, r.persistRows)
	if snap == nil {
		return
	}
	if err := r.store.SaveTabSnapshot(ctx, snap); err != nil {
		r.logger.Warn("failed to persist tab snapshot", "tab", tab.ID, "error", err)
	}
}
