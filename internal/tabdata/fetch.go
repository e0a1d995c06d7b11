package tabdata

import (
	"context"
	"errors"
	"strings"

	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// errorFromMessages folds the surfaced error list into one error value.
func errorFromMessages(msgs []string) error {
	return errors.New(strings.Join(msgs, "; "))
}

// ensureFetchLocked starts the fetch loop if there is an unmet target and
// nothing blocks fetching. No-op while a loop is already running, after
// exhaustion, while the read-cancelled latch is up, or in the error state.
func (a *Adapter) ensureFetchLocked() {
	if a.fetching || a.exhausted || a.readCancelled || a.closed {
		return
	}
	if a.reader == nil || len(a.errs) > 0 {
		return
	}
	if a.target.satisfied(int64(len(a.buf))) {
		return
	}

	ctx, cancel := context.WithCancel(a.mainCtx)
	a.fetchCancel = cancel
	a.fetching = true
	r := a.reader
	go func() {
		defer cancel()
		a.fetchLoop(ctx, r, false)
	}()
}

// fetchLoop pulls batches until the target is met, the stream is
// exhausted, or something fails. retried marks that the call tree already
// consumed its one silent retry. Runs without the lock across Next and
// takes it per batch; a reset swaps a.reader, which the loop detects and
// treats as its own termination.
func (a *Adapter) fetchLoop(ctx context.Context, r stream.BatchReader, retried bool) {
	for {
		batch, err := r.Next(ctx)

		a.mu.Lock()
		if a.closed || a.reader != r {
			a.mu.Unlock()
			return
		}

		if err != nil {
			class := stream.Classify(err)
			switch {
			case class == stream.ClassCancelled:
				// User cancel or scope teardown. The target was already
				// pinned (or the adapter is being reset); just stop.
				a.fetching = false
				a.broadcastLocked()
				a.mu.Unlock()
			case stream.Recoverable(class) && !retried:
				a.mu.Unlock()
				a.retryAfterFailure(err)
			default:
				a.errorStateLocked(err)
				a.mu.Unlock()
			}
			return
		}

		if batch == nil || batch.Len() == 0 {
			// Stream exhausted: the buffer now holds the complete result
			// and its length is the authoritative row count. That retires
			// any stale snapshot, including when the result is empty.
			a.schemaFromReaderLocked(r)
			a.stale = nil
			a.exhausted = true
			n := int64(len(a.buf))
			a.realCount = &n
			a.estCount = nil
			a.fetching = false
			a.lastSort = nil
			a.cancelBackgroundLocked()
			a.countPending = false
			a.broadcastLocked()
			a.mu.Unlock()
			return
		}

		a.schemaFromReaderLocked(r)
		a.stale = nil
		a.buf = append(a.buf, batch.Rows...)
		a.dataVersion++

		done := a.target.satisfied(int64(len(a.buf)))
		if done {
			a.fetching = false
			a.lastSort = nil
		}
		a.broadcastLocked()
		a.mu.Unlock()

		if done {
			return
		}
	}
}

// schemaFromReaderLocked adopts the reader's schema once the stream has
// produced something, replacing whatever a stale snapshot advertised.
func (a *Adapter) schemaFromReaderLocked(r stream.BatchReader) {
	if a.schema == nil {
		a.schema = r.Schema()
	}
}

// retryAfterFailure performs the single silent retry for recoverable
// stream failures: resync the source handle, reset preserving sort and
// the pending target, and restart the loop with the retry consumed.
func (a *Adapter) retryAfterFailure(cause error) {
	class := stream.Classify(cause)
	a.logger.Info("retrying fetch after recoverable failure",
		"class", class.String(), "error", cause)

	ctx := context.Background()
	if err := a.provider.Resync(ctx); err != nil {
		a.logger.Warn("source resync failed", "error", err)
		a.mu.Lock()
		a.errorStateLocked(cause)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	prevTarget := a.target
	if err := a.resetLocked(ctx, true, true); err != nil {
		return // resetLocked already surfaced the error
	}
	a.target = prevTarget

	if a.reader == nil || a.target.satisfied(int64(len(a.buf))) {
		return
	}
	fctx, cancel := context.WithCancel(a.mainCtx)
	a.fetchCancel = cancel
	a.fetching = true
	r := a.reader
	go func() {
		defer cancel()
		a.fetchLoop(fctx, r, true)
	}()
}

// FetchTo raises the target to at least n rows and blocks until the
// buffer reaches it, the stream ends, or ctx is cancelled. Used by the
// synchronous front ends (TUI, REPL, export).
func (a *Adapter) FetchTo(ctx context.Context, n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.target.merge(n)
	a.ensureFetchLocked()

	stop := context.AfterFunc(ctx, func() {
		a.mu.Lock()
		a.cond.Broadcast()
		a.mu.Unlock()
	})
	defer stop()

	for {
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case len(a.errs) > 0:
			return errorFromMessages(a.errs)
		case a.readCancelled:
			return &stream.CancelledError{UserCancelled: true, Reason: "data read cancelled"}
		case a.closed:
			return &stream.CancelledError{Reason: "adapter closed"}
		case a.exhausted || int64(len(a.buf)) >= n:
			return nil
		}
		a.cond.Wait()
	}
}

// scheduleCountProbeLocked launches the background row-count probe when
// the binding offers one and the tab is active; otherwise the probe is
// parked until activation.
func (a *Adapter) scheduleCountProbeLocked() {
	if a.binding == nil {
		return
	}
	caps := a.binding.Capabilities()
	if !caps.ExactCount && !caps.EstimatedCount {
		a.countPending = false
		return
	}
	if !a.active {
		a.countPending = true
		return
	}

	a.cancelBackgroundLocked()
	a.countPending = false

	ctx, cancel := context.WithCancel(context.Background())
	a.bgCancel = cancel
	b, generation := a.binding, a.dataSourceVersion
	go func() {
		defer cancel()
		a.countProbe(ctx, b, generation)
	}()
}

// countProbe resolves the row count off the hot path. A real count always
// wins and clears any estimate; an estimate is kept only while no real
// count exists. Results from a superseded generation are dropped.
func (a *Adapter) countProbe(ctx context.Context, b source.Binding, generation int64) {
	caps := b.Capabilities()

	var (
		n     int64
		err   error
		exact bool
	)
	if caps.ExactCount {
		exact = true
		n, err = b.RowCount(ctx)
	} else {
		n, err = b.EstimatedRowCount(ctx)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || generation != a.dataSourceVersion {
		return
	}
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Debug("row count probe failed", "exact", exact, "error", err)
		}
		return
	}

	if exact {
		a.realCount = &n
		a.estCount = nil
	} else if a.realCount == nil {
		a.estCount = &n
	}
	a.broadcastLocked()
}
