package tabdata

// SliceRows returns the window of rows for the half-open range [from, to).
// The window is anchored at its right edge: when fewer rows than requested
// are available, the left edge slides down so the caller still gets as full
// a page as possible, and RowOffset reports where the returned rows start.
//
// Returns nil while no schema is known (no rows have arrived and nothing
// stale is held); an empty, non-nil slice means the schema is known and the
// range simply matches nothing.
//
// Asking past the buffered rows raises the fetch target as a side effect,
// so repeated paging toward the end of a result keeps pulling batches in.
func (a *Adapter) SliceRows(from, to int64) *Slice {
	if to < from {
		to = from
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Fire-and-forget extension of the live buffer. Runs even when the
	// response will be nil or served stale, so paging keeps the stream
	// moving.
	if to > int64(len(a.buf)) && a.reader != nil &&
		!a.exhausted && !a.readCancelled && len(a.errs) == 0 {
		a.target.merge(to)
		a.ensureFetchLocked()
	}

	if a.schema == nil && a.stale == nil {
		return nil
	}

	rows := a.buf
	var base int64
	if a.stale != nil {
		rows, base = a.stale.Rows, a.stale.RowOffset
	}

	avail := base + int64(len(rows))
	right := min(avail, to)
	left := max(base, right-(to-from))
	if right < left {
		right = left
	}

	return &Slice{
		Data:      rows[left-base : right-base],
		RowOffset: left,
	}
}
