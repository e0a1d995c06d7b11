// Package engine owns the embedded DuckDB instance: connection lifecycle,
// registration of file-backed views, attachment of other DuckDB databases,
// and change watching for registered files.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

// Engine wraps one DuckDB connection pool shared by every tab.
type Engine struct {
	db     *sql.DB
	logger *slog.Logger

	mu    sync.Mutex
	files map[string]string // view name -> absolute path
}

// Config holds connection settings for the engine.
type Config struct {
	// Path is the database file; empty means in-memory.
	Path string
	// MaxConns caps the pool. Zero keeps the database/sql default.
	MaxConns int
	Logger   *slog.Logger
}

// Open connects to DuckDB and verifies the connection.
func Open(ctx context.Context, cfg Config) (*Engine, error) {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb connection: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		db:     db,
		logger: logger,
		files:  map[string]string{},
	}, nil
}

// DB exposes the pool for source bindings.
func (e *Engine) DB() *sql.DB { return e.db }

// Ping verifies the engine is still reachable.
func (e *Engine) Ping(ctx context.Context) error {
	if err := e.db.PingContext(ctx); err != nil {
		return fmt.Errorf("engine unreachable: %w", err)
	}
	return nil
}

// Close shuts the pool down.
func (e *Engine) Close() error {
	return e.db.Close()
}

// RegisterFile creates (or replaces) a view over a data file, picking the
// read function by extension. The path is remembered for Watch.
func (e *Engine) RegisterFile(ctx context.Context, name, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve file path: %w", err)
	}

	readFn, err := readFunctionFor(absPath)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM %s(%s)`,
		quoteIdent(name), readFn, quoteString(absPath))
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to register file %s: %w", path, err)
	}

	e.mu.Lock()
	e.files[name] = absPath
	e.mu.Unlock()

	e.logger.Info("registered file source", "name", name, "path", absPath)
	return nil
}

// Attach mounts another DuckDB database read-only under the given alias.
func (e *Engine) Attach(ctx context.Context, alias, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve database path: %w", err)
	}

	query := fmt.Sprintf(`ATTACH %s AS %s (READ_ONLY)`,
		quoteString(absPath), quoteIdent(alias))
	if _, err := e.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to attach database %s: %w", path, err)
	}

	e.logger.Info("attached database", "alias", alias, "path", absPath)
	return nil
}

// TableInfo describes one table or view visible to the engine.
type TableInfo struct {
	Schema string `json:"schema"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
}

// ListTables returns the tables and views in every attached catalog,
// excluding DuckDB's internal schemas.
func (e *Engine) ListTables(ctx context.Context) ([]TableInfo, error) {
	query := `
		SELECT table_schema, table_name, table_type
		FROM information_schema.tables
		WHERE table_schema NOT IN ('information_schema', 'pg_catalog')
		ORDER BY table_schema, table_name
	`
	rows, err := e.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []TableInfo
	for rows.Next() {
		var t TableInfo
		var typ string
		if err := rows.Scan(&t.Schema, &t.Name, &typ); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		if strings.Contains(typ, "VIEW") {
			t.Kind = "view"
		} else {
			t.Kind = "table"
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return tables, nil
}

// registeredPaths snapshots the watched file set.
func (e *Engine) registeredPaths() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.files))
	for k, v := range e.files {
		out[k] = v
	}
	return out
}

// readFunctionFor picks the DuckDB table function for a data file.
func readFunctionFor(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv":
		return "read_csv_auto", nil
	case ".parquet":
		return "read_parquet", nil
	case ".json", ".ndjson", ".jsonl":
		return "read_json_auto", nil
	default:
		return "", fmt.Errorf("unsupported file type: %s", path)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
