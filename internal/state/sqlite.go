package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the snapshot database and runs migrations.
// Use ":memory:" for an in-memory store.
func Open(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping snapshot database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveTabSnapshot upserts a snapshot, bounding the persisted row window.
func (s *SQLiteStore) SaveTabSnapshot(ctx context.Context, snap *TabSnapshot) error {
	if snap.TabID == "" {
		return fmt.Errorf("snapshot has no tab id")
	}

	rows := snap.Rows
	if len(rows) > MaxPersistedRows {
		rows = rows[:MaxPersistedRows]
	}

	schemaJSON, err := json.Marshal(snap.Schema)
	if err != nil {
		return fmt.Errorf("failed to encode schema: %w", err)
	}
	rowsJSON, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to encode rows: %w", err)
	}
	sortJSON, err := json.Marshal(snap.Sort)
	if err != nil {
		return fmt.Errorf("failed to encode sort: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tab_snapshots
			(tab_id, schema_json, rows_json, row_offset, real_row_count, estimated_row_count, sort_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tab_id) DO UPDATE SET
			schema_json = excluded.schema_json,
			rows_json = excluded.rows_json,
			row_offset = excluded.row_offset,
			real_row_count = excluded.real_row_count,
			estimated_row_count = excluded.estimated_row_count,
			sort_json = excluded.sort_json,
			updated_at = excluded.updated_at
	`,
		snap.TabID, string(schemaJSON), string(rowsJSON), snap.RowOffset,
		snap.RealRowCount, snap.EstimatedRowCount, string(sortJSON),
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot for tab %s: %w", snap.TabID, err)
	}
	return nil
}

// LoadTabSnapshot returns the stored snapshot, or nil when the tab has none.
func (s *SQLiteStore) LoadTabSnapshot(ctx context.Context, tabID string) (*TabSnapshot, error) {
	var (
		schemaJSON, rowsJSON, sortJSON string
		rowOffset                      int64
		realCount, estCount            sql.NullInt64
		updatedAt                      time.Time
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT schema_json, rows_json, row_offset, real_row_count, estimated_row_count, sort_json, updated_at
		FROM tab_snapshots WHERE tab_id = ?
	`, tabID).Scan(&schemaJSON, &rowsJSON, &rowOffset, &realCount, &estCount, &sortJSON, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for tab %s: %w", tabID, err)
	}

	snap := &TabSnapshot{TabID: tabID, RowOffset: rowOffset, UpdatedAt: updatedAt}
	if err := json.Unmarshal([]byte(schemaJSON), &snap.Schema); err != nil {
		return nil, fmt.Errorf("failed to decode schema for tab %s: %w", tabID, err)
	}
	if err := json.Unmarshal([]byte(rowsJSON), &snap.Rows); err != nil {
		return nil, fmt.Errorf("failed to decode rows for tab %s: %w", tabID, err)
	}
	if err := json.Unmarshal([]byte(sortJSON), &snap.Sort); err != nil {
		return nil, fmt.Errorf("failed to decode sort for tab %s: %w", tabID, err)
	}
	if realCount.Valid {
		snap.RealRowCount = &realCount.Int64
	}
	if estCount.Valid {
		snap.EstimatedRowCount = &estCount.Int64
	}
	return snap, nil
}

// DeleteTabSnapshot removes a tab's snapshot. Deleting a missing snapshot
// is not an error.
func (s *SQLiteStore) DeleteTabSnapshot(ctx context.Context, tabID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tab_snapshots WHERE tab_id = ?`, tabID); err != nil {
		return fmt.Errorf("failed to delete snapshot for tab %s: %w", tabID, err)
	}
	return nil
}

// PruneTabSnapshots deletes snapshots for tabs no longer open.
func (s *SQLiteStore) PruneTabSnapshots(ctx context.Context, keep []string) error {
	if len(keep) == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM tab_snapshots`); err != nil {
			return fmt.Errorf("failed to prune snapshots: %w", err)
		}
		return nil
	}

	placeholders := strings.Repeat("?,", len(keep))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}

	query := fmt.Sprintf(`DELETE FROM tab_snapshots WHERE tab_id NOT IN (%s)`, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
