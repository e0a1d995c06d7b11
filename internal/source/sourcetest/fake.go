// Package sourcetest provides scripted in-memory bindings for exercising
// the data adapter without an engine.
package sourcetest

import (
	"context"
	"sync"

	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// FakeBinding is a source.Binding serving a fixed row set, with hooks for
// injecting failures, gating batch delivery, and observing calls.
type FakeBinding struct {
	mu sync.Mutex

	Desc source.Descriptor
	Caps source.Capability
	Cols []stream.Column
	Data [][]any

	// BatchSizes overrides the reader's batch size pull by pull, letting
	// tests land a fetch on an arbitrary row boundary.
	BatchSizes []int

	// Gated makes every reader block each pull until Release is called.
	Gated bool
	gate  chan struct{}

	// FailReader makes the n-th reader open (0-based, readers and
	// sortable readers counted together) fail with the given error.
	FailReader map[int]error

	// FailFirstNext makes the n-th opened reader fail its first pull.
	FailFirstNext map[int]error

	CountValue    int64
	CountErr      error
	CountGate     chan struct{}
	EstimateValue int64
	EstimateErr   error

	AggValue any
	AggErr   error

	// SortFunc reorders the data set for sortable readers. Nil keeps the
	// original order.
	SortFunc func(sort source.SortSpec, rows [][]any) [][]any

	readerOpens      int
	Readers          []*FakeReader
	LastSort         source.SortSpec
	CountCalls       int
	EstimateCalls    int
	AggCalls         []string
	ColumnsDataCalls [][]string
}

// NewFakeBinding creates a binding with read/sort/exact-count/aggregate/
// column-subset capabilities over the given rows.
func NewFakeBinding(cols []stream.Column, data [][]any) *FakeBinding {
	return &FakeBinding{
		Desc: source.Descriptor{Kind: source.KindTable, Name: "fake"},
		Caps: source.Capability{
			Read:         true,
			Sort:         true,
			ExactCount:   true,
			Aggregate:    true,
			ColumnSubset: true,
		},
		Cols: cols,
		Data: data,
		gate: make(chan struct{}, 1024),
	}
}

// Release lets gated readers deliver n more batches.
func (b *FakeBinding) Release(n int) {
	for i := 0; i < n; i++ {
		b.gate <- struct{}{}
	}
}

// ReaderOpens returns how many readers have been opened so far.
func (b *FakeBinding) ReaderOpens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readerOpens
}

// ColumnsDataCallCount returns how many column-subset reads have been
// requested so far.
func (b *FakeBinding) ColumnsDataCallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ColumnsDataCalls)
}

func (b *FakeBinding) Descriptor() source.Descriptor   { return b.Desc }
func (b *FakeBinding) Capabilities() source.Capability { return b.Caps }

func (b *FakeBinding) open(rows [][]any, cols []stream.Column, batchSize int) (stream.BatchReader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ordinal := b.readerOpens
	b.readerOpens++

	if err, ok := b.FailReader[ordinal]; ok {
		return nil, err
	}

	r := &FakeReader{
		cols:       cols,
		rows:       rows,
		batchSize:  batchSize,
		batchSizes: b.BatchSizes,
	}
	if err, ok := b.FailFirstNext[ordinal]; ok {
		r.firstNextErr = err
	}
	if b.Gated {
		r.gate = b.gate
	}
	b.Readers = append(b.Readers, r)
	return r, nil
}

func (b *FakeBinding) Reader(ctx context.Context, batchSize int) (stream.BatchReader, error) {
	if !b.Caps.Read {
		return nil, source.ErrUnsupported
	}
	return b.open(b.Data, b.Cols, batchSize)
}

func (b *FakeBinding) SortableReader(ctx context.Context, sort source.SortSpec, batchSize int) (stream.BatchReader, error) {
	if !b.Caps.Sort {
		return nil, source.ErrUnsupported
	}
	b.mu.Lock()
	b.LastSort = sort
	b.mu.Unlock()

	rows := b.Data
	if b.SortFunc != nil {
		rows = b.SortFunc(sort, rows)
	}
	return b.open(rows, b.Cols, batchSize)
}

func (b *FakeBinding) RowCount(ctx context.Context) (int64, error) {
	if !b.Caps.ExactCount {
		return 0, source.ErrUnsupported
	}
	b.mu.Lock()
	b.CountCalls++
	gate := b.CountGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return b.CountValue, b.CountErr
}

func (b *FakeBinding) EstimatedRowCount(ctx context.Context) (int64, error) {
	if !b.Caps.EstimatedCount {
		return 0, source.ErrUnsupported
	}
	b.mu.Lock()
	b.EstimateCalls++
	b.mu.Unlock()
	return b.EstimateValue, b.EstimateErr
}

func (b *FakeBinding) ColumnAggregate(ctx context.Context, column string, agg source.Agg) (any, error) {
	if !b.Caps.Aggregate {
		return nil, source.ErrUnsupported
	}
	b.mu.Lock()
	b.AggCalls = append(b.AggCalls, string(agg)+"("+column+")")
	b.mu.Unlock()
	return b.AggValue, b.AggErr
}

func (b *FakeBinding) ColumnsData(ctx context.Context, columns []string, batchSize int) (stream.BatchReader, error) {
	if !b.Caps.ColumnSubset {
		return nil, source.ErrUnsupported
	}
	b.mu.Lock()
	b.ColumnsDataCalls = append(b.ColumnsDataCalls, columns)
	b.mu.Unlock()

	idx := make([]int, 0, len(columns))
	cols := make([]stream.Column, 0, len(columns))
	for _, want := range columns {
		for i, c := range b.Cols {
			if c.Name == want {
				idx = append(idx, i)
				cols = append(cols, c)
			}
		}
	}
	rows := make([][]any, len(b.Data))
	for i, row := range b.Data {
		projected := make([]any, len(idx))
		for j, k := range idx {
			projected[j] = row[k]
		}
		rows[i] = projected
	}
	return b.open(rows, cols, batchSize)
}

// FakeReader is a scripted stream.BatchReader.
type FakeReader struct {
	mu sync.Mutex

	cols       []stream.Column
	rows       [][]any
	pos        int
	pull       int
	batchSize  int
	batchSizes []int
	lastCtx    context.Context

	firstNextErr error
	gate         chan struct{}

	closed      bool
	CancelCalls int
}

// LastContext returns the context passed to the most recent Next call,
// letting tests observe scope teardown.
func (r *FakeReader) LastContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCtx
}

func (r *FakeReader) Schema() []stream.Column { return r.cols }

func (r *FakeReader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *FakeReader) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CancelCalls++
	r.closed = true
}

func (r *FakeReader) Next(ctx context.Context) (*stream.Batch, error) {
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastCtx = ctx

	if r.closed {
		return nil, nil
	}

	if r.firstNextErr != nil && r.pull == 0 {
		r.pull++
		err := r.firstNextErr
		return nil, err
	}

	size := r.batchSize
	if r.pull < len(r.batchSizes) {
		size = r.batchSizes[r.pull]
	}
	r.pull++

	if r.pos >= len(r.rows) {
		r.closed = true
		return nil, nil
	}

	end := r.pos + size
	if end > len(r.rows) {
		end = len(r.rows)
	}
	batch := &stream.Batch{Rows: r.rows[r.pos:end]}
	r.pos = end
	return batch, nil
}

// FakeProvider hands out a fixed binding and records resyncs.
type FakeProvider struct {
	mu sync.Mutex

	B          source.Binding
	BindingErr error
	ResyncErr  error
	OnResync   func()

	resyncs int
}

// NewFakeProvider wraps a binding.
func NewFakeProvider(b source.Binding) *FakeProvider {
	return &FakeProvider{B: b}
}

func (p *FakeProvider) Binding(ctx context.Context) (source.Binding, error) {
	if p.BindingErr != nil {
		return nil, p.BindingErr
	}
	return p.B, nil
}

func (p *FakeProvider) Resync(ctx context.Context) error {
	p.mu.Lock()
	p.resyncs++
	fn := p.OnResync
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
	return p.ResyncErr
}

// Resyncs returns how many times Resync has been called.
func (p *FakeProvider) Resyncs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resyncs
}
