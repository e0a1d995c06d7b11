// Package state persists per-tab display snapshots so a restarted session
// can show last-known-good data immediately while fresh results stream in.
package state

import (
	"context"
	"time"

	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// MaxPersistedRows bounds the row window written per tab. Snapshots exist to
// paint the first screens after a cold start, not to mirror the result.
const MaxPersistedRows = 1000

// TabSnapshot is the persisted display state of one tab, keyed by the tab's
// stable identity. It seeds the adapter's stale snapshot, row-count info,
// and sort spec on cold start.
type TabSnapshot struct {
	TabID             string
	Schema            []stream.Column
	Rows              [][]any
	RowOffset         int64
	RealRowCount      *int64
	EstimatedRowCount *int64
	Sort              source.SortSpec
	UpdatedAt         time.Time
}

// Store is the persistence interface consumed by the tab registry.
type Store interface {
	// SaveTabSnapshot upserts a snapshot, truncating its row window to
	// MaxPersistedRows.
	SaveTabSnapshot(ctx context.Context, snap *TabSnapshot) error

	// LoadTabSnapshot returns the snapshot for a tab, or nil when none
	// is stored.
	LoadTabSnapshot(ctx context.Context, tabID string) (*TabSnapshot, error)

	// DeleteTabSnapshot removes a tab's snapshot.
	DeleteTabSnapshot(ctx context.Context, tabID string) error

	// PruneTabSnapshots deletes every snapshot whose tab id is not in
	// keep.
	PruneTabSnapshots(ctx context.Context, keep []string) error

	Close() error
}
