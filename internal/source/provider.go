package source

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// DescriptorFunc is the narrow read-only accessor a provider uses to learn
// the tab's current descriptor. It replaces any reach into shared tab state.
type DescriptorFunc func() Descriptor

// EngineProvider resolves descriptors against the embedded engine.
type EngineProvider struct {
	db      *sql.DB
	current DescriptorFunc
}

// NewEngineProvider creates a provider bound to the engine's pool and a
// descriptor accessor.
func NewEngineProvider(db *sql.DB, current DescriptorFunc) *EngineProvider {
	return &EngineProvider{db: db, current: current}
}

// Binding resolves the current descriptor.
func (p *EngineProvider) Binding(ctx context.Context) (Binding, error) {
	return NewBinding(p.db, p.current())
}

// Resync re-verifies the underlying handle: the engine must answer a ping,
// and file-backed sources must still exist on disk. A failed resync keeps
// the original failure class so the retry surfaces the right message.
func (p *EngineProvider) Resync(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return stream.WithClass(stream.ClassEngineUnavailable, err)
	}
	desc := p.current()
	if desc.Kind == KindFile {
		if _, err := os.Stat(desc.Path); err != nil {
			return stream.WithClass(stream.ClassEngineUnavailable,
				fmt.Errorf("source file unreadable: %w", err))
		}
	}
	return nil
}

// PostgresProvider serves a fixed remote-table binding.
type PostgresProvider struct {
	binding *PostgresBinding
}

// NewPostgresProvider wraps an already-connected binding.
func NewPostgresProvider(b *PostgresBinding) *PostgresProvider {
	return &PostgresProvider{binding: b}
}

// Binding returns the remote-table binding.
func (p *PostgresProvider) Binding(ctx context.Context) (Binding, error) {
	return p.binding, nil
}

// Resync pings the remote pool.
func (p *PostgresProvider) Resync(ctx context.Context) error {
	if err := p.binding.Ping(ctx); err != nil {
		return stream.WithClass(stream.ClassEngineUnavailable, err)
	}
	return nil
}
