// Package tabdata bridges forward-only, batch-streamed query results to the
// randomly-accessible, paginated views the UI renders. Each open tab owns
// one Adapter, which owns the row buffer, stale snapshot, row-count state,
// sort state, and the three cancellation scopes of its fetches.
package tabdata

import (
	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// StaleSnapshot is the last known-good result, held for display while a
// replacement query or sort executes. At most one of {stale snapshot
// present, row buffer non-empty} holds at any time.
type StaleSnapshot struct {
	Schema    []stream.Column
	Rows      [][]any
	RowOffset int64
}

// RowCountInfo is the adapter's knowledge about the size of the result.
// A non-nil RealRowCount forces EstimatedRowCount to nil; estimates are
// accepted only while no real count exists.
type RowCountInfo struct {
	RealRowCount      *int64 `json:"realRowCount"`
	EstimatedRowCount *int64 `json:"estimatedRowCount"`
	AvailableRowCount int64  `json:"availableRowCount"`
}

// Slice is the window returned by the slice view API.
type Slice struct {
	Data      [][]any `json:"data"`
	RowOffset int64   `json:"rowOffset"`
}

// Status is a point-in-time snapshot of everything the adapter exposes to
// consumers. Reads are cheap; subscribers re-read it on every change ping.
type Status struct {
	DataSourceVersion int64           `json:"dataSourceVersion"`
	DataVersion       int64           `json:"dataVersion"`
	Schema            []stream.Column `json:"schema,omitempty"`
	IsStale           bool            `json:"isStale"`
	RowCount          RowCountInfo    `json:"rowCount"`
	Sort              source.SortSpec `json:"sort"`
	DisableSort       bool            `json:"disableSort"`
	Exhausted         bool            `json:"dataSourceExhausted"`
	Errors            []string        `json:"dataSourceError"`
	IsFetching        bool            `json:"isFetchingData"`
	IsSorting         bool            `json:"isSorting"`
	ReadCancelled     bool            `json:"dataReadCancelled"`
}

// fetchTarget is the watermark of the highest row index any pending caller
// needs. It merges via max and never shrinks, except when a user cancel
// pins it to the current buffer length.
type fetchTarget struct {
	set       bool
	unbounded bool
	rows      int64
}

// merge raises the watermark to at least `to` rows.
func (t *fetchTarget) merge(to int64) {
	if t.set && t.unbounded {
		return
	}
	if !t.set || to > t.rows {
		t.set = true
		t.rows = to
	}
}

// toCompletion marks the target as "read everything".
func (t *fetchTarget) toCompletion() {
	t.set = true
	t.unbounded = true
}

// pin clamps the watermark to n rows, dropping any unbounded flag. Used on
// user cancel so an in-flight batch loop stops at the cancel point.
func (t *fetchTarget) pin(n int64) {
	t.set = true
	t.unbounded = false
	t.rows = n
}

// satisfied reports whether `have` buffered rows meet the watermark.
func (t fetchTarget) satisfied(have int64) bool {
	if !t.set {
		return true
	}
	if t.unbounded {
		return false
	}
	return have >= t.rows
}

func (t *fetchTarget) clear() { *t = fetchTarget{} }
