package tabdata

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/leapstack-labs/leapgrid/internal/notify"
	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/state"
	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// Adapter owns the streamed result of one tab. It buffers rows as the
// reader delivers them, keeps the previous result visible as a stale
// snapshot while a replacement loads, tracks row counts and sort state,
// and serializes everything behind a single mutex.
//
// Cancellation runs in three scopes. The main scope covers the fetch
// loop and its reader and is replaced wholesale on Reset. The side scope
// covers user-initiated one-off work (full extracts, aggregates); a new
// side task cancels the previous one. The background scope covers the
// row-count probe and is cancelled whenever the tab goes inactive.
type Adapter struct {
	mu   sync.Mutex
	cond *sync.Cond

	logger    *slog.Logger
	provider  source.Provider
	notifier  *notify.Notifier
	batchSize int

	dataSourceVersion int64
	dataVersion       int64

	schema []stream.Column
	buf    [][]any
	stale  *StaleSnapshot

	realCount *int64
	estCount  *int64

	sort     source.SortSpec
	lastSort *source.SortKey

	target fetchTarget

	binding source.Binding
	reader  stream.BatchReader

	fetching      bool
	exhausted     bool
	errs          []string
	disableSort   bool
	readCancelled bool
	active        bool
	countPending  bool
	closed        bool

	mainCtx     context.Context
	mainCancel  context.CancelFunc
	fetchCancel context.CancelFunc
	sideCancel  context.CancelFunc
	bgCancel    context.CancelFunc

	extract singleflight.Group
}

// Config carries the collaborators an Adapter needs.
type Config struct {
	Provider source.Provider
	Notifier *notify.Notifier
	Logger   *slog.Logger
	// BatchSize defaults to stream.DefaultBatchSize.
	BatchSize int
	// Seed, when set, pre-populates the stale snapshot, row counts, and
	// sort spec from a persisted tab so the UI has something to show
	// before the first live fetch lands.
	Seed *state.TabSnapshot
}

// New builds an Adapter. It does not touch the source; call Reset to bind
// and start reading.
func New(cfg Config) *Adapter {
	a := &Adapter{
		logger:    cfg.Logger,
		provider:  cfg.Provider,
		notifier:  cfg.Notifier,
		batchSize: cfg.BatchSize,
		active:    true,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	if a.notifier == nil {
		a.notifier = notify.New()
	}
	if a.batchSize <= 0 {
		a.batchSize = stream.DefaultBatchSize
	}
	a.cond = sync.NewCond(&a.mu)

	if seed := cfg.Seed; seed != nil && len(seed.Schema) > 0 {
		a.stale = &StaleSnapshot{
			Schema:    seed.Schema,
			Rows:      seed.Rows,
			RowOffset: seed.RowOffset,
		}
		a.sort = seed.Sort
		if seed.RealRowCount != nil {
			n := *seed.RealRowCount
			a.realCount = &n
		} else if seed.EstimatedRowCount != nil {
			n := *seed.EstimatedRowCount
			a.estCount = &n
		}
	}
	return a
}

// Subscribe returns a change subscription; a ping means "re-read Status".
func (a *Adapter) Subscribe() *notify.Subscription { return a.notifier.Subscribe() }

// Status returns a point-in-time copy of the adapter's externally visible
// state.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.statusLocked()
}

func (a *Adapter) statusLocked() Status {
	st := Status{
		DataSourceVersion: a.dataSourceVersion,
		DataVersion:       a.dataVersion,
		Schema:            a.schema,
		IsStale:           a.stale != nil,
		RowCount: RowCountInfo{
			RealRowCount:      copyCount(a.realCount),
			EstimatedRowCount: copyCount(a.estCount),
			AvailableRowCount: a.availableLocked(),
		},
		Sort:          append(source.SortSpec(nil), a.sort...),
		DisableSort:   a.disableSort,
		Exhausted:     a.exhausted,
		Errors:        append([]string(nil), a.errs...),
		IsFetching:    a.fetching,
		IsSorting:     a.fetching && a.lastSort != nil,
		ReadCancelled: a.readCancelled,
	}
	if st.Schema == nil && a.stale != nil {
		st.Schema = a.stale.Schema
	}
	return st
}

func copyCount(p *int64) *int64 {
	if p == nil {
		return nil
	}
	n := *p
	return &n
}

// availableLocked is the count of rows the adapter can serve right now,
// from the live buffer or, while one is held, the stale snapshot.
func (a *Adapter) availableLocked() int64 {
	if a.stale != nil {
		return a.stale.RowOffset + int64(len(a.stale.Rows))
	}
	return int64(len(a.buf))
}

// Reset rebinds the adapter to whatever the provider currently resolves,
// demoting any loaded rows to a stale snapshot and clearing sort, errors,
// and the read-cancelled latch. It is the only way out of the
// sort-disabled error state.
func (a *Adapter) Reset(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resetLocked(ctx, false, false)
}

// Bind is the cold-start variant of Reset: it attaches to the source
// while keeping whatever sort spec was seeded from a persisted snapshot.
func (a *Adapter) Bind(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resetLocked(ctx, true, false)
}

// resetLocked tears down the main scope and rebuilds it against a fresh
// binding and reader. preserveSort keeps the current sort spec (the sort
// toggle path); retried marks that the call tree has already consumed its
// one silent retry.
func (a *Adapter) resetLocked(ctx context.Context, preserveSort, retried bool) error {
	if a.closed {
		return fmt.Errorf("adapter is closed")
	}

	// Demote whatever is loaded so the UI keeps rendering it while the
	// replacement streams in.
	if len(a.buf) > 0 {
		a.stale = &StaleSnapshot{Schema: a.schema, Rows: a.buf, RowOffset: 0}
	}
	a.buf = nil
	a.schema = nil
	a.exhausted = false
	a.errs = nil
	a.disableSort = false
	a.readCancelled = false
	a.target.clear()
	a.realCount = nil
	a.estCount = nil
	a.fetching = false

	if !preserveSort {
		a.sort = nil
		a.lastSort = nil
	}

	a.cancelMainLocked()
	a.cancelSideLocked()
	a.cancelBackgroundLocked()
	a.countPending = false

	binding, err := a.provider.Binding(ctx)
	if err != nil {
		return a.failOrRetryResetLocked(ctx, err, preserveSort, retried)
	}
	a.binding = binding

	if !binding.Capabilities().Read {
		// Nothing to stream (schema browser and friends). Render an
		// empty, non-fetching, non-erroring tab.
		a.reader = nil
		a.stale = nil
		a.dataSourceVersion++
		a.broadcastLocked()
		return nil
	}

	a.mainCtx, a.mainCancel = context.WithCancel(context.Background())

	var reader stream.BatchReader
	if !a.sort.Empty() && binding.Capabilities().Sort {
		reader, err = binding.SortableReader(a.mainCtx, a.sort, a.batchSize)
	} else {
		reader, err = binding.Reader(a.mainCtx, a.batchSize)
	}
	if err != nil {
		return a.failOrRetryResetLocked(ctx, err, preserveSort, retried)
	}

	a.reader = reader
	a.dataSourceVersion++

	if a.realCount == nil {
		a.scheduleCountProbeLocked()
	}
	a.broadcastLocked()
	return nil
}

// failOrRetryResetLocked handles a binding or reader-open failure during
// reset. Recoverable classes get one resync-and-retry per call tree;
// everything else lands in the error state.
func (a *Adapter) failOrRetryResetLocked(ctx context.Context, err error, preserveSort, retried bool) error {
	class := stream.Classify(err)
	if stream.Recoverable(class) && !retried {
		a.logger.Info("resyncing source after recoverable bind failure",
			"class", class.String(), "error", err)
		a.mu.Unlock()
		rerr := a.provider.Resync(ctx)
		a.mu.Lock()
		if rerr == nil {
			return a.resetLocked(ctx, preserveSort, true)
		}
		a.logger.Warn("source resync failed", "error", rerr)
	}
	a.errorStateLocked(err)
	return err
}

// errorStateLocked records a surfaced failure: message appended (deduped),
// sorting disabled, fetch stopped. Cancellations are not errors and are
// ignored here.
func (a *Adapter) errorStateLocked(err error) {
	class := stream.Classify(err)
	if class == stream.ClassCancelled {
		a.fetching = false
		a.broadcastLocked()
		return
	}

	if class == stream.ClassUnknown {
		a.logger.Error("data fetch failed", "error", err)
	} else {
		a.logger.Warn("data fetch failed", "class", class.String(), "error", err)
	}

	msg := stream.UserMessage(class)
	a.appendErrorLocked(msg)
	a.disableSort = true
	a.fetching = false
	a.broadcastLocked()
}

func (a *Adapter) appendErrorLocked(msg string) {
	for _, e := range a.errs {
		if e == msg {
			return
		}
	}
	a.errs = append(a.errs, msg)
}

// ToggleColumnSort cycles column through unsorted, ascending, descending
// and back. With additive set, the column is added to (or cycled within)
// the existing multi-column spec instead of replacing it. The change
// resets the stream, demotes loaded rows to a stale snapshot, and starts
// refetching up to the previously available row count.
func (a *Adapter) ToggleColumnSort(ctx context.Context, column string, additive bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("adapter is closed")
	}
	if a.disableSort {
		return fmt.Errorf("sorting is disabled until the tab is reset")
	}
	if a.binding != nil && !a.binding.Capabilities().Sort {
		return source.ErrUnsupported
	}

	next := cycleSort(a.sort, column, additive)
	key := &source.SortKey{Column: column}
	if i := next.Find(column); i >= 0 {
		key.Direction = next[i].Direction
	}

	prevAvail := a.availableLocked()

	a.sort = next
	a.lastSort = key
	if err := a.resetLocked(ctx, true, false); err != nil {
		return err
	}

	// Refill to where the user already was so the grid does not shrink
	// under them.
	if prevAvail > 0 {
		a.target.merge(prevAvail)
	} else {
		a.target.merge(int64(a.batchSize))
	}
	a.ensureFetchLocked()
	a.broadcastLocked()
	return nil
}

// cycleSort computes the next sort spec after toggling column.
func cycleSort(cur source.SortSpec, column string, additive bool) source.SortSpec {
	idx := cur.Find(column)

	var next source.SortDirection
	switch {
	case idx < 0:
		next = source.SortAsc
	case cur[idx].Direction == source.SortAsc:
		next = source.SortDesc
	default:
		next = "" // third click removes the key
	}

	if !additive {
		if next == "" {
			return nil
		}
		return source.SortSpec{{Column: column, Direction: next}}
	}

	out := append(source.SortSpec(nil), cur...)
	switch {
	case idx < 0:
		out = append(out, source.SortKey{Column: column, Direction: next})
	case next == "":
		out = append(out[:idx], out[idx+1:]...)
	default:
		out[idx].Direction = next
	}
	return out
}

// CancelDataRead stops the in-flight fetch at the rows already buffered
// and latches the read-cancelled flag. Further fetching stays blocked
// until AckDataReadCancelled or Reset.
func (a *Adapter) CancelDataRead() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.target.pin(int64(len(a.buf)))
	a.readCancelled = true
	if a.fetching && a.fetchCancel != nil {
		a.fetchCancel()
	}
	a.logger.Info("data read cancelled by user", "buffered", len(a.buf))
	a.broadcastLocked()
}

// AckDataReadCancelled clears the read-cancelled latch. Idempotent.
func (a *Adapter) AckDataReadCancelled() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.readCancelled {
		return
	}
	a.readCancelled = false
	a.broadcastLocked()
}

// SetActive marks the tab foreground or background. Deactivating cancels
// the background count probe; reactivating restarts it if a count is
// still owed.
func (a *Adapter) SetActive(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active == active || a.closed {
		a.active = active
		return
	}
	a.active = active

	if !active {
		if a.bgCancel != nil {
			a.cancelBackgroundLocked()
			a.countPending = a.realCount == nil && !a.exhausted
		}
		return
	}
	if a.countPending {
		a.scheduleCountProbeLocked()
	}
}

// DataVersion returns the monotonic counter bumped on every buffer append.
func (a *Adapter) DataVersion() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataVersion
}

// DataSourceVersion returns the monotonic counter bumped on every rebind.
func (a *Adapter) DataSourceVersion() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dataSourceVersion
}

// Snapshot captures the adapter's displayable state for persistence,
// bounded to maxRows. Returns nil when there is nothing worth saving.
func (a *Adapter) Snapshot(tabID string, maxRows int) *state.TabSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	var (
		schema []stream.Column
		rows   [][]any
		offset int64
	)
	switch {
	case len(a.buf) > 0:
		schema, rows = a.schema, a.buf
	case a.stale != nil:
		schema, rows, offset = a.stale.Schema, a.stale.Rows, a.stale.RowOffset
	default:
		return nil
	}
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}

	return &state.TabSnapshot{
		TabID:             tabID,
		Schema:            schema,
		Rows:              rows,
		RowOffset:         offset,
		RealRowCount:      copyCount(a.realCount),
		EstimatedRowCount: copyCount(a.estCount),
		Sort:              append(source.SortSpec(nil), a.sort...),
		UpdatedAt:         time.Now().UTC(),
	}
}

// Close cancels all three scopes and releases the reader. The adapter is
// unusable afterwards.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	a.cancelMainLocked()
	a.cancelSideLocked()
	a.cancelBackgroundLocked()
	a.broadcastLocked()
}

func (a *Adapter) cancelMainLocked() {
	if a.fetchCancel != nil {
		a.fetchCancel()
		a.fetchCancel = nil
	}
	if a.mainCancel != nil {
		a.mainCancel()
		a.mainCancel = nil
	}
	if a.reader != nil {
		a.reader.Cancel()
		a.reader = nil
	}
}

func (a *Adapter) cancelSideLocked() {
	if a.sideCancel != nil {
		a.sideCancel()
		a.sideCancel = nil
	}
}

func (a *Adapter) cancelBackgroundLocked() {
	if a.bgCancel != nil {
		a.bgCancel()
		a.bgCancel = nil
	}
}

// broadcastLocked wakes cond waiters and pings subscribers.
func (a *Adapter) broadcastLocked() {
	a.cond.Broadcast()
	a.notifier.Broadcast()
}
