package source

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// duckdbBinding serves descriptors backed by the embedded DuckDB engine:
// attached tables and views, file-backed views, and ad-hoc script results.
type duckdbBinding struct {
	db   *sql.DB
	desc Descriptor
}

// NewBinding resolves a descriptor against the embedded engine. KindNone
// yields a binding with no capabilities; the adapter renders it as an empty,
// non-erroring tab.
func NewBinding(db *sql.DB, desc Descriptor) (Binding, error) {
	switch desc.Kind {
	case KindNone, "":
		return emptyBinding{desc: desc}, nil
	case KindTable, KindView:
		if desc.Name == "" {
			return nil, fmt.Errorf("table descriptor has no name")
		}
	case KindFile:
		if desc.Path == "" {
			return nil, fmt.Errorf("file descriptor has no path")
		}
	case KindScript:
		if strings.TrimSpace(desc.SQL) == "" {
			return nil, fmt.Errorf("script descriptor has no SQL")
		}
	case KindPostgres:
		return nil, fmt.Errorf("postgres descriptors are resolved by NewPostgresBinding")
	default:
		return nil, fmt.Errorf("unknown source kind: %q", desc.Kind)
	}
	return &duckdbBinding{db: db, desc: desc}, nil
}

func (b *duckdbBinding) Descriptor() Descriptor { return b.desc }

func (b *duckdbBinding) Capabilities() Capability {
	return Capability{
		Read:         true,
		Sort:         true,
		ExactCount:   b.desc.Kind != KindScript,
		Aggregate:    true,
		ColumnSubset: true,
	}
}

// baseQuery returns the SELECT the binding streams from.
func (b *duckdbBinding) baseQuery() string {
	switch b.desc.Kind {
	case KindTable, KindView:
		schema := b.desc.Schema
		if schema == "" {
			schema = "main"
		}
		return fmt.Sprintf("SELECT * FROM %s.%s", quoteIdent(schema), quoteIdent(b.desc.Name))
	case KindFile:
		return fmt.Sprintf("SELECT * FROM %s(%s)", readFunctionFor(b.desc.Path), quoteString(b.desc.Path))
	case KindScript:
		script := strings.TrimRight(strings.TrimSpace(b.desc.SQL), ";")
		return fmt.Sprintf("SELECT * FROM (%s) AS q", script)
	default:
		return ""
	}
}

func (b *duckdbBinding) Reader(ctx context.Context, batchSize int) (stream.BatchReader, error) {
	return b.openReader(ctx, b.baseQuery(), batchSize)
}

func (b *duckdbBinding) SortableReader(ctx context.Context, sort SortSpec, batchSize int) (stream.BatchReader, error) {
	query := b.baseQuery()
	if clause := orderByClause(sort); clause != "" {
		query = fmt.Sprintf("SELECT * FROM (%s) AS s %s", query, clause)
	}
	return b.openReader(ctx, query, batchSize)
}

func (b *duckdbBinding) openReader(ctx context.Context, query string, batchSize int) (stream.BatchReader, error) {
	//nolint:rowserrcheck // rows.Err() is checked by the stream cursor
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to open reader for %s: %w", b.desc.Label(), err)
	}
	cur, err := stream.NewSQLCursor(rows)
	if err != nil {
		return nil, err
	}
	return stream.NewReader(cur, batchSize, nil), nil
}

func (b *duckdbBinding) RowCount(ctx context.Context) (int64, error) {
	if !b.Capabilities().ExactCount {
		return 0, ErrUnsupported
	}
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS q", b.baseQuery())
	if err := b.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", b.desc.Label(), err)
	}
	return n, nil
}

func (b *duckdbBinding) EstimatedRowCount(ctx context.Context) (int64, error) {
	return 0, ErrUnsupported
}

func (b *duckdbBinding) ColumnAggregate(ctx context.Context, column string, agg Agg) (any, error) {
	if _, err := ParseAgg(string(agg)); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s(%s) FROM (%s) AS q", strings.ToUpper(string(agg)), quoteIdent(column), b.baseQuery())
	var value any
	if err := b.db.QueryRowContext(ctx, query).Scan(&value); err != nil {
		return nil, fmt.Errorf("failed to aggregate %s(%s): %w", agg, column, err)
	}
	if bs, ok := value.([]byte); ok {
		value = string(bs)
	}
	return value, nil
}

func (b *duckdbBinding) ColumnsData(ctx context.Context, columns []string, batchSize int) (stream.BatchReader, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("column subset extract requires at least one column")
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = quoteIdent(c)
	}
	query := fmt.Sprintf("SELECT %s FROM (%s) AS q", strings.Join(quoted, ", "), b.baseQuery())
	return b.openReader(ctx, query, batchSize)
}

// emptyBinding backs KindNone tabs. Every operation is unsupported.
type emptyBinding struct {
	desc Descriptor
}

func (e emptyBinding) Descriptor() Descriptor   { return e.desc }
func (e emptyBinding) Capabilities() Capability { return Capability{} }

func (e emptyBinding) Reader(context.Context, int) (stream.BatchReader, error) {
	return nil, ErrUnsupported
}

func (e emptyBinding) SortableReader(context.Context, SortSpec, int) (stream.BatchReader, error) {
	return nil, ErrUnsupported
}

func (e emptyBinding) RowCount(context.Context) (int64, error) { return 0, ErrUnsupported }

func (e emptyBinding) EstimatedRowCount(context.Context) (int64, error) {
	return 0, ErrUnsupported
}

func (e emptyBinding) ColumnAggregate(context.Context, string, Agg) (any, error) {
	return nil, ErrUnsupported
}

func (e emptyBinding) ColumnsData(context.Context, []string, int) (stream.BatchReader, error) {
	return nil, ErrUnsupported
}

// quoteIdent quotes a SQL identifier, doubling embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteString quotes a SQL string literal, doubling embedded quotes.
func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// orderByClause renders a SortSpec. NULLS LAST keeps null rows out of the
// visible top of the grid regardless of direction.
func orderByClause(sort SortSpec) string {
	if sort.Empty() {
		return ""
	}
	parts := make([]string, len(sort))
	for i, k := range sort {
		dir := "ASC"
		if k.Direction == SortDesc {
			dir = "DESC"
		}
		parts[i] = fmt.Sprintf("%s %s NULLS LAST", quoteIdent(k.Column), dir)
	}
	return "ORDER BY " + strings.Join(parts, ", ")
}

// readFunctionFor picks the DuckDB read function for a file path by
// extension. CSV is the fallback; read_csv_auto sniffs dialects.
func readFunctionFor(path string) string {
	name := strings.ToLower(filepath.Base(path))
	name = strings.TrimSuffix(name, ".gz")
	name = strings.TrimSuffix(name, ".zst")
	switch filepath.Ext(name) {
	case ".parquet":
		return "read_parquet"
	case ".json", ".jsonl", ".ndjson":
		return "read_json_auto"
	default:
		return "read_csv_auto"
	}
}
