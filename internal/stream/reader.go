package stream

import (
	"context"
	"sync"
)

// Reader is the concrete BatchReader over a Cursor. It owns the underlying
// pooled connection exclusively; Cancel (or stream exhaustion) releases it.
type Reader struct {
	cur       Cursor
	schema    []Column
	batchSize int

	mu     sync.Mutex
	busy   bool
	closed bool

	release func()
}

// NewReader creates a Reader pulling batches of batchSize rows from cur.
// release, if non-nil, runs once when the reader closes, after the cursor
// itself is closed.
func NewReader(cur Cursor, batchSize int, release func()) *Reader {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Reader{
		cur:       cur,
		schema:    cur.Columns(),
		batchSize: batchSize,
		release:   release,
	}
}

// Schema returns the result schema. Valid even after the reader is closed.
func (r *Reader) Schema() []Column { return r.schema }

// Closed reports whether the reader has been cancelled or exhausted.
func (r *Reader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Cancel releases the underlying cursor and connection. Idempotent.
func (r *Reader) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked()
}

func (r *Reader) closeLocked() {
	if r.closed {
		return
	}
	r.closed = true
	_ = r.cur.Close()
	if r.release != nil {
		r.release()
		r.release = nil
	}
}

// Next pulls the next batch. It returns (nil, nil) once the stream is
// exhausted, closing the reader. Cancellation is cooperative: ctx is checked
// at row boundaries, and an abort leaves the reader usable for a later pull.
func (r *Reader) Next(ctx context.Context) (*Batch, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil
	}
	if r.busy {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	r.busy = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.busy = false
		r.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows := make([][]any, 0, r.batchSize)
	for len(rows) < r.batchSize {
		if err := ctx.Err(); err != nil {
			if len(rows) > 0 {
				// Deliver what we already pulled; the abort is
				// observed on the next suspension point.
				return &Batch{Rows: rows}, nil
			}
			return nil, err
		}

		if !r.cur.Next() {
			if err := r.cur.Err(); err != nil {
				r.Cancel()
				return nil, err
			}
			// Stream exhausted.
			if len(rows) > 0 {
				return &Batch{Rows: rows}, nil
			}
			r.Cancel()
			return nil, nil
		}

		values, err := r.cur.Values()
		if err != nil {
			r.Cancel()
			return nil, err
		}
		rows = append(rows, values)
	}

	return &Batch{Rows: rows}, nil
}
