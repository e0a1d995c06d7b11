// Package stream provides pull-based batch cursors over forward-only query
// results, plus the error taxonomy shared by everything that touches the
// query engine.
package stream

import "context"

// DefaultBatchSize is the number of rows delivered by a single pull when the
// caller does not specify one. It matches DuckDB's internal vector size.
const DefaultBatchSize = 2048

// Column describes one column of a streamed result.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Batch is one chunk of rows delivered by a single pull from the cursor.
type Batch struct {
	Rows [][]any
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Rows)
}

// BatchReader is a pull-based cursor over an engine-delivered result stream.
//
// Next suspends until a batch is available or the stream ends; it returns
// (nil, nil) once the stream is exhausted, after which the reader is closed.
// Cancel idempotently releases the underlying engine resources. Closed is
// non-blocking. Callers must serialize calls to Next: at most one may be
// outstanding at a time.
type BatchReader interface {
	Next(ctx context.Context) (*Batch, error)
	Cancel()
	Closed() bool
	Schema() []Column
}
