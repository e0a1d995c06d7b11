// Package source resolves a tab's logical data-source descriptor into the
// optional operation set consumed by the data adapter: readers, sortable
// readers, row counts, column aggregates, and column-subset extracts.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// Kind identifies the flavor of a logical data source.
type Kind string

const (
	// KindNone marks tabs without a queryable source (e.g. the schema
	// browser). Bindings for it expose no capabilities at all.
	KindNone Kind = "none"

	// KindTable is a table attached to the embedded engine.
	KindTable Kind = "table"

	// KindView is a view attached to the embedded engine.
	KindView Kind = "view"

	// KindFile is a file-backed view (CSV, Parquet, JSON) read directly
	// by the engine.
	KindFile Kind = "file"

	// KindScript is the result of an ad-hoc SQL script.
	KindScript Kind = "script"

	// KindPostgres is a remote Postgres table streamed over pgx.
	KindPostgres Kind = "postgres"
)

// Descriptor is the logical description of a tab's data source.
type Descriptor struct {
	Kind Kind `json:"kind"`

	// Name is the table or view name for KindTable/KindView, and the
	// display name otherwise.
	Name string `json:"name,omitempty"`

	// Schema qualifies Name for KindTable/KindView. Defaults to "main".
	Schema string `json:"schema,omitempty"`

	// Path is the file path for KindFile.
	Path string `json:"path,omitempty"`

	// SQL is the script text for KindScript.
	SQL string `json:"sql,omitempty"`

	// DSN and Table identify a remote table for KindPostgres.
	DSN   string `json:"dsn,omitempty"`
	Table string `json:"table,omitempty"`
}

// Queryable reports whether the descriptor names something that can be read.
func (d Descriptor) Queryable() bool { return d.Kind != KindNone && d.Kind != "" }

// Label returns a human-readable identity for logs and tab titles.
func (d Descriptor) Label() string {
	switch d.Kind {
	case KindTable, KindView:
		if d.Schema != "" && d.Schema != "main" {
			return d.Schema + "." + d.Name
		}
		return d.Name
	case KindFile:
		return d.Path
	case KindScript:
		if d.Name != "" {
			return d.Name
		}
		return "script"
	case KindPostgres:
		return "pg:" + d.Table
	default:
		return "(no source)"
	}
}

// SortDirection is the direction of one sort key.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortKey is one (column, direction) pair.
type SortKey struct {
	Column    string        `json:"column"`
	Direction SortDirection `json:"direction"`
}

// SortSpec is an ordered list of sort keys. Empty means unsorted.
type SortSpec []SortKey

// Empty reports whether the spec carries no keys.
func (s SortSpec) Empty() bool { return len(s) == 0 }

// Find returns the index of column in the spec, or -1.
func (s SortSpec) Find(column string) int {
	for i, k := range s {
		if k.Column == column {
			return i
		}
	}
	return -1
}

// Agg names a column aggregate supported by bindings.
type Agg string

const (
	AggCount Agg = "count"
	AggSum   Agg = "sum"
	AggAvg   Agg = "avg"
	AggMin   Agg = "min"
	AggMax   Agg = "max"
)

// ParseAgg validates an aggregate name.
func ParseAgg(s string) (Agg, error) {
	switch Agg(s) {
	case AggCount, AggSum, AggAvg, AggMin, AggMax:
		return Agg(s), nil
	}
	return "", fmt.Errorf("unknown aggregate type: %q", s)
}

// Capability describes which optional operations a binding offers. Exact
// and estimated row counts are mutually exclusive.
type Capability struct {
	Read           bool
	Sort           bool
	ExactCount     bool
	EstimatedCount bool
	Aggregate      bool
	ColumnSubset   bool
}

// ErrUnsupported is returned by binding operations the source does not offer.
var ErrUnsupported = errors.New("source: operation not supported by binding")

// Binding is the operation set resolved from a Descriptor. Callers must
// check Capabilities before invoking optional operations; unsupported calls
// fail with ErrUnsupported.
type Binding interface {
	Descriptor() Descriptor
	Capabilities() Capability

	Reader(ctx context.Context, batchSize int) (stream.BatchReader, error)
	SortableReader(ctx context.Context, sort SortSpec, batchSize int) (stream.BatchReader, error)
	RowCount(ctx context.Context) (int64, error)
	EstimatedRowCount(ctx context.Context) (int64, error)
	ColumnAggregate(ctx context.Context, column string, agg Agg) (any, error)
	ColumnsData(ctx context.Context, columns []string, batchSize int) (stream.BatchReader, error)
}

// Provider hands the adapter its current binding without exposing any global
// tab state. Resync re-resolves the underlying handle and is invoked before
// the single silent retry on recoverable failures.
type Provider interface {
	Binding(ctx context.Context) (Binding, error)
	Resync(ctx context.Context) error
}
