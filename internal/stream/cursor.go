package stream

import (
	"database/sql"
	"fmt"
)

// Cursor abstracts a forward-only row source so the Reader can batch rows
// from database/sql and pgx streams alike.
type Cursor interface {
	// Columns returns the result schema.
	Columns() []Column

	// Next advances to the next row, returning false at end of stream or
	// on error (check Err).
	Next() bool

	// Values returns the current row.
	Values() ([]any, error)

	// Err returns the error that terminated iteration, if any.
	Err() error

	// Close releases the underlying resources.
	Close() error
}

// sqlCursor adapts *sql.Rows to the Cursor interface.
type sqlCursor struct {
	rows *sql.Rows
	cols []Column
}

// NewSQLCursor wraps *sql.Rows. The schema is captured eagerly so it stays
// available after the rows are closed.
func NewSQLCursor(rows *sql.Rows) (Cursor, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}

	cols := make([]Column, len(types))
	for i, t := range types {
		nullable, _ := t.Nullable()
		cols[i] = Column{
			Name:     t.Name(),
			Type:     t.DatabaseTypeName(),
			Nullable: nullable,
		}
	}

	return &sqlCursor{rows: rows, cols: cols}, nil
}

func (c *sqlCursor) Columns() []Column { return c.cols }

func (c *sqlCursor) Next() bool { return c.rows.Next() }

func (c *sqlCursor) Values() ([]any, error) {
	values := make([]any, len(c.cols))
	ptrs := make([]any, len(c.cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	for i, v := range values {
		// Convert []byte to string for display
		if b, ok := v.([]byte); ok {
			values[i] = string(b)
		}
	}
	return values, nil
}

func (c *sqlCursor) Err() error { return c.rows.Err() }

func (c *sqlCursor) Close() error { return c.rows.Close() }
