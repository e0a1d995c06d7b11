package tabdata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/source/sourcetest"
	"github.com/leapstack-labs/leapgrid/internal/stream"
)

func TestAllRowsDrivesMainStreamToCompletion(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(250))
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))

	rows, err := a.AllRows(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, rows, 250)
	assert.True(t, a.Status().Exhausted)
	assert.Equal(t, 1, b.ReaderOpens())
	assert.Empty(t, b.ColumnsDataCalls)
}

func TestAllRowsProjectsSubsetFromBuffer(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(50))
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))
	require.NoError(t, a.FetchTo(context.Background(), 100)) // exhausts

	rows, err := a.AllRows(context.Background(), []string{"name"})
	require.NoError(t, err)
	require.Len(t, rows, 50)
	assert.Len(t, rows[0], 1)
	assert.Equal(t, "row", rows[0][0])

	// Already exhausted, so nothing was pushed down.
	assert.Empty(t, b.ColumnsDataCalls)
}

func TestAllRowsPushesDownStrictSubset(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(250))
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))
	require.NoError(t, a.FetchTo(context.Background(), 100))

	rows, err := a.AllRows(context.Background(), []string{"id"})
	require.NoError(t, err)
	assert.Len(t, rows, 250)
	assert.Len(t, rows[0], 1)

	require.Len(t, b.ColumnsDataCalls, 1)
	assert.Equal(t, []string{"id"}, b.ColumnsDataCalls[0])

	// The main stream is untouched by the side extract.
	st := a.Status()
	assert.False(t, st.Exhausted)
	assert.EqualValues(t, 100, st.RowCount.AvailableRowCount)
}

func TestAllRowsFullColumnListSkipsPushDown(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(50))
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))
	require.NoError(t, a.FetchTo(context.Background(), 10))

	rows, err := a.AllRows(context.Background(), []string{"id", "name"})
	require.NoError(t, err)
	assert.Len(t, rows, 50)
	assert.Empty(t, b.ColumnsDataCalls, "asking for every column is not a subset")
}

func TestAllRowsDifferentColumnSetsDoNotShareResults(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(50))
	b.Gated = true
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))
	b.Release(1)
	require.NoError(t, a.FetchTo(context.Background(), 10))

	type result struct {
		rows [][]any
		err  error
	}
	idCh := make(chan result, 1)
	nameCh := make(chan result, 1)

	go func() {
		rows, err := a.AllRows(context.Background(), []string{"id"})
		idCh <- result{rows, err}
	}()
	waitFor(t, func() bool { return b.ColumnsDataCallCount() == 1 }, "first extract in flight")

	go func() {
		rows, err := a.AllRows(context.Background(), []string{"name"})
		nameCh <- result{rows, err}
	}()
	waitFor(t, func() bool { return b.ColumnsDataCallCount() == 2 }, "second column set issues its own read")

	b.Release(4)

	// The newer side task supersedes the older one instead of handing it
	// rows projected for different columns.
	first := <-idCh
	var ce *stream.CancelledError
	require.ErrorAs(t, first.err, &ce)
	assert.True(t, ce.IsSystemCancelled())

	second := <-nameCh
	require.NoError(t, second.err)
	require.Len(t, second.rows, 50)
	assert.Len(t, second.rows[0], 1)
	assert.Equal(t, "row", second.rows[0][0])
	assert.Equal(t, []string{"name"}, b.ColumnsDataCalls[1])
}

func TestSideScopeReleasedAfterPushDownExtract(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(50))
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))
	require.NoError(t, a.FetchTo(context.Background(), 10))

	_, err := a.AllRows(context.Background(), []string{"id"})
	require.NoError(t, err)

	require.Len(t, b.Readers, 2)
	ctx := b.Readers[1].LastContext()
	require.NotNil(t, ctx)
	assert.Error(t, ctx.Err())
}

func TestAllRowsUnknownColumn(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(10))
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))
	require.NoError(t, a.FetchTo(context.Background(), 10))

	_, err := a.AllRows(context.Background(), []string{"nope"})
	assert.Error(t, err)
}

func TestAllRowsRejectedWhileReadCancelled(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(250))
	b.Gated = true
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))

	a.SliceRows(0, 100)
	b.Release(1)
	waitFor(t, func() bool { return a.Status().RowCount.AvailableRowCount == 100 }, "first batch")
	a.CancelDataRead()

	_, err := a.AllRows(context.Background(), nil)
	var ce *stream.CancelledError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.UserCancelled)
}

func TestAllRowsCallerContextCancellation(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(250))
	b.Gated = true
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := a.AllRows(ctx, nil)
		done <- err
	}()

	cancel()
	err := <-done
	var ce *stream.CancelledError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.IsSystemCancelled())
}

func TestColumnAggregate(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(10))
	b.AggValue = int64(42)
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))

	v, err := a.ColumnAggregate(context.Background(), "id", source.AggMax)
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
	assert.Equal(t, []string{"max(id)"}, b.AggCalls)
}

func TestColumnAggregateUnsupported(t *testing.T) {
	b := sourcetest.NewFakeBinding(testCols, testRows(10))
	b.Caps.Aggregate = false
	a, _ := newTestAdapter(t, b)
	require.NoError(t, a.Reset(context.Background()))

	_, err := a.ColumnAggregate(context.Background(), "id", source.AggSum)
	assert.ErrorIs(t, err, source.ErrUnsupported)
}

func TestProjectColumns(t *testing.T) {
	rows := [][]any{{int64(1), "a"}, {int64(2), "b"}}

	out, err := projectColumns(testCols, rows, nil)
	require.NoError(t, err)
	assert.Equal(t, rows, out)

	out, err = projectColumns(testCols, rows, []string{"name", "id"})
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"a", int64(1)}, {"b", int64(2)}}, out)

	_, err = projectColumns(testCols, rows, []string{"missing"})
	assert.Error(t, err)
}
