package source

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// PostgresBinding streams a remote Postgres table over pgx. Row counts are
// estimates only (pg_class.reltuples); an exact COUNT(*) on a remote table
// is too expensive to run behind the user's back.
type PostgresBinding struct {
	pool *pgxpool.Pool
	desc Descriptor
}

// NewPostgresBinding connects a pool for the descriptor's DSN.
func NewPostgresBinding(ctx context.Context, desc Descriptor) (*PostgresBinding, error) {
	if desc.Table == "" {
		return nil, fmt.Errorf("postgres descriptor has no table")
	}
	pool, err := pgxpool.New(ctx, desc.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	return &PostgresBinding{pool: pool, desc: desc}, nil
}

// Close releases the connection pool.
func (b *PostgresBinding) Close() { b.pool.Close() }

// Ping verifies the pool is still usable. Used by provider resync.
func (b *PostgresBinding) Ping(ctx context.Context) error { return b.pool.Ping(ctx) }

func (b *PostgresBinding) Descriptor() Descriptor { return b.desc }

func (b *PostgresBinding) Capabilities() Capability {
	return Capability{
		Read:           true,
		Sort:           true,
		EstimatedCount: true,
		Aggregate:      true,
		ColumnSubset:   true,
	}
}

func (b *PostgresBinding) baseQuery(columns []string) string {
	cols := "*"
	if len(columns) > 0 {
		quoted := make([]string, len(columns))
		for i, c := range columns {
			quoted[i] = quoteIdent(c)
		}
		cols = strings.Join(quoted, ", ")
	}
	return fmt.Sprintf("SELECT %s FROM %s", cols, quoteQualified(b.desc.Table))
}

func (b *PostgresBinding) openReader(ctx context.Context, query string, batchSize int) (stream.BatchReader, error) {
	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres reader for %s: %w", b.desc.Table, err)
	}
	return stream.NewReader(newPgxCursor(rows), batchSize, nil), nil
}

func (b *PostgresBinding) Reader(ctx context.Context, batchSize int) (stream.BatchReader, error) {
	return b.openReader(ctx, b.baseQuery(nil), batchSize)
}

func (b *PostgresBinding) SortableReader(ctx context.Context, sort SortSpec, batchSize int) (stream.BatchReader, error) {
	query := b.baseQuery(nil)
	if clause := orderByClause(sort); clause != "" {
		query += " " + clause
	}
	return b.openReader(ctx, query, batchSize)
}

func (b *PostgresBinding) RowCount(ctx context.Context) (int64, error) {
	return 0, ErrUnsupported
}

// EstimatedRowCount reads the planner's row estimate. Returns an error when
// the table was never analyzed (reltuples = -1).
func (b *PostgresBinding) EstimatedRowCount(ctx context.Context) (int64, error) {
	var estimate int64
	err := b.pool.QueryRow(ctx,
		`SELECT reltuples::bigint FROM pg_class WHERE oid = to_regclass($1)`,
		b.desc.Table,
	).Scan(&estimate)
	if err != nil {
		return 0, fmt.Errorf("failed to estimate row count for %s: %w", b.desc.Table, err)
	}
	if estimate < 0 {
		return 0, fmt.Errorf("no row estimate available for %s", b.desc.Table)
	}
	return estimate, nil
}

func (b *PostgresBinding) ColumnAggregate(ctx context.Context, column string, agg Agg) (any, error) {
	if _, err := ParseAgg(string(agg)); err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s(%s) FROM %s",
		strings.ToUpper(string(agg)), quoteIdent(column), quoteQualified(b.desc.Table))
	var value any
	if err := b.pool.QueryRow(ctx, query).Scan(&value); err != nil {
		return nil, fmt.Errorf("failed to aggregate %s(%s): %w", agg, column, err)
	}
	return value, nil
}

func (b *PostgresBinding) ColumnsData(ctx context.Context, columns []string, batchSize int) (stream.BatchReader, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("column subset extract requires at least one column")
	}
	return b.openReader(ctx, b.baseQuery(columns), batchSize)
}

// quoteQualified quotes a possibly schema-qualified name part by part.
func quoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// pgxCursor adapts pgx.Rows to the stream.Cursor interface.
type pgxCursor struct {
	rows pgx.Rows
	cols []stream.Column
}

func newPgxCursor(rows pgx.Rows) *pgxCursor {
	fields := rows.FieldDescriptions()
	cols := make([]stream.Column, len(fields))
	var typeMap *pgtype.Map
	if conn := rows.Conn(); conn != nil {
		typeMap = conn.TypeMap()
	}
	for i, fd := range fields {
		typeName := fmt.Sprintf("oid:%d", fd.DataTypeOID)
		if typeMap != nil {
			if t, ok := typeMap.TypeForOID(fd.DataTypeOID); ok {
				typeName = strings.ToUpper(t.Name)
			}
		}
		cols[i] = stream.Column{Name: fd.Name, Type: typeName, Nullable: true}
	}
	return &pgxCursor{rows: rows, cols: cols}
}

func (c *pgxCursor) Columns() []stream.Column { return c.cols }

func (c *pgxCursor) Next() bool { return c.rows.Next() }

func (c *pgxCursor) Values() ([]any, error) { return c.rows.Values() }

func (c *pgxCursor) Err() error { return c.rows.Err() }

func (c *pgxCursor) Close() error {
	c.rows.Close()
	return nil
}
