package tabdata

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// AllRows materializes the complete result, optionally restricted to the
// named columns. Concurrent calls for the same column set join the
// in-flight extract instead of issuing a second read. When the binding
// can serve a strict column subset directly and the main stream has not
// already finished, the extract is pushed down as a side task; otherwise
// the main stream is driven to completion and the columns are projected
// from the buffer.
func (a *Adapter) AllRows(ctx context.Context, columns []string) ([][]any, error) {
	v, err, _ := a.extract.Do(extractKey(columns), func() (any, error) {
		return a.allRows(ctx, columns)
	})
	if err != nil {
		return nil, err
	}
	return v.([][]any), nil
}

// extractKey scopes the single-flight to the requested column set. Column
// order matters: it determines the projection order of the result.
func extractKey(columns []string) string {
	if len(columns) == 0 {
		return "all-rows"
	}
	return "all-rows:" + strings.Join(columns, "\x1f")
}

func (a *Adapter) allRows(ctx context.Context, columns []string) ([][]any, error) {
	a.mu.Lock()

	if a.closed {
		a.mu.Unlock()
		return nil, &stream.CancelledError{Reason: "adapter closed"}
	}
	if a.binding == nil || !a.binding.Capabilities().Read {
		a.mu.Unlock()
		return nil, fmt.Errorf("tab has no queryable source")
	}
	if a.readCancelled {
		a.mu.Unlock()
		return nil, &stream.CancelledError{UserCancelled: true, Reason: "data read cancelled"}
	}

	// A user-driven extract outranks the background count probe.
	a.cancelBackgroundLocked()

	if a.pushDownLocked(columns) {
		binding := a.binding
		a.cancelSideLocked()
		sideCtx, cancel := context.WithCancel(ctx)
		a.sideCancel = cancel
		a.mu.Unlock()
		defer cancel()
		return a.pushDownExtract(sideCtx, binding, columns, false)
	}

	a.target.toCompletion()
	a.ensureFetchLocked()
	a.mu.Unlock()

	if err := a.awaitExhausted(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return projectColumns(a.schema, a.buf, columns)
}

// pushDownLocked decides whether a column-subset extract goes to the
// binding directly: the capability must exist, the request must be a
// strict subset of the known schema, and the main stream must not already
// hold the complete result.
func (a *Adapter) pushDownLocked(columns []string) bool {
	if !a.binding.Capabilities().ColumnSubset {
		return false
	}
	if len(columns) == 0 || a.exhausted || a.schema == nil {
		return false
	}
	if len(columns) >= len(a.schema) {
		return false
	}
	for _, want := range columns {
		found := false
		for _, c := range a.schema {
			if c.Name == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// pushDownExtract streams the column subset through a dedicated reader on
// the side scope. Recoverable failures get the usual single silent retry.
func (a *Adapter) pushDownExtract(ctx context.Context, b source.Binding, columns []string, retried bool) ([][]any, error) {
	r, err := b.ColumnsData(ctx, columns, a.batchSize)
	if err != nil {
		return a.pushDownFailure(ctx, b, columns, err, retried)
	}
	defer r.Cancel()

	var rows [][]any
	for {
		batch, nerr := r.Next(ctx)
		if nerr != nil {
			if stream.Classify(nerr) == stream.ClassCancelled {
				return nil, cancelRejection(ctx, nerr)
			}
			return a.pushDownFailure(ctx, b, columns, nerr, retried)
		}
		if batch == nil || batch.Len() == 0 {
			return rows, nil
		}
		rows = append(rows, batch.Rows...)
	}
}

func (a *Adapter) pushDownFailure(ctx context.Context, b source.Binding, columns []string, err error, retried bool) ([][]any, error) {
	class := stream.Classify(err)
	if !stream.Recoverable(class) || retried {
		return nil, err
	}
	a.logger.Info("retrying column extract after recoverable failure",
		"class", class.String(), "error", err)
	if rerr := a.provider.Resync(ctx); rerr != nil {
		return nil, err
	}
	return a.pushDownExtract(ctx, b, columns, true)
}

// awaitExhausted blocks until the main stream holds the full result, or
// the wait is defeated by an error, a user cancel, or ctx.
func (a *Adapter) awaitExhausted(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	for {
		switch {
		case ctx.Err() != nil:
			return &stream.CancelledError{Reason: ctx.Err().Error()}
		case a.readCancelled:
			return &stream.CancelledError{UserCancelled: true, Reason: "data read cancelled"}
		case a.closed:
			return &stream.CancelledError{Reason: "adapter closed"}
		case len(a.errs) > 0:
			return errorFromMessages(a.errs)
		case a.exhausted:
			return nil
		}
		a.cond.Wait()
	}
}

// cancelRejection normalizes a cancellation into the rejection callers
// see. Explicit user cancels keep their tag; a dead caller context or a
// superseding side task are system cancellations.
func cancelRejection(ctx context.Context, err error) error {
	var ce *stream.CancelledError
	if errors.As(err, &ce) {
		return ce
	}
	if ctx.Err() != nil {
		return &stream.CancelledError{Reason: "context cancelled"}
	}
	return &stream.CancelledError{Reason: "extract superseded"}
}

// ColumnAggregate computes one aggregate over one column as a side task,
// cancelling any previous side task.
func (a *Adapter) ColumnAggregate(ctx context.Context, column string, agg source.Agg) (any, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, &stream.CancelledError{Reason: "adapter closed"}
	}
	if a.binding == nil || !a.binding.Capabilities().Aggregate {
		a.mu.Unlock()
		return nil, source.ErrUnsupported
	}
	binding := a.binding
	a.cancelSideLocked()
	sideCtx, cancel := context.WithCancel(ctx)
	a.sideCancel = cancel
	a.mu.Unlock()
	defer cancel()

	v, err := binding.ColumnAggregate(sideCtx, column, agg)
	if err != nil && stream.Classify(err) == stream.ClassCancelled {
		return nil, cancelRejection(ctx, err)
	}
	return v, err
}

// projectColumns narrows buffered rows to the named columns. Nil or empty
// columns returns the rows as-is.
func projectColumns(schema []stream.Column, rows [][]any, columns []string) ([][]any, error) {
	if len(columns) == 0 {
		return rows, nil
	}

	idx := make([]int, len(columns))
	for i, want := range columns {
		idx[i] = -1
		for j, c := range schema {
			if c.Name == want {
				idx[i] = j
				break
			}
		}
		if idx[i] < 0 {
			return nil, fmt.Errorf("unknown column %q", want)
		}
	}

	out := make([][]any, len(rows))
	for i, row := range rows {
		projected := make([]any, len(idx))
		for j, k := range idx {
			projected[j] = row[k]
		}
		out[i] = projected
	}
	return out, nil
}
