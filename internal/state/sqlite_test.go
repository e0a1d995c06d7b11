package state

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/stream"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleSnapshot(tabID string, rowCount int) *TabSnapshot {
	rows := make([][]any, rowCount)
	for i := range rows {
		rows[i] = []any{float64(i), "row"}
	}
	real := int64(rowCount)
	return &TabSnapshot{
		TabID: tabID,
		Schema: []stream.Column{
			{Name: "id", Type: "BIGINT"},
			{Name: "name", Type: "VARCHAR", Nullable: true},
		},
		Rows:         rows,
		RealRowCount: &real,
		Sort:         source.SortSpec{{Column: "id", Direction: source.SortDesc}},
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTabSnapshot(ctx, sampleSnapshot("tab-1", 5)))

	got, err := s.LoadTabSnapshot(ctx, "tab-1")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, "tab-1", got.TabID)
	assert.Len(t, got.Rows, 5)
	assert.Equal(t, "id", got.Schema[0].Name)
	require.NotNil(t, got.RealRowCount)
	assert.EqualValues(t, 5, *got.RealRowCount)
	assert.Nil(t, got.EstimatedRowCount)
	require.Len(t, got.Sort, 1)
	assert.Equal(t, source.SortDesc, got.Sort[0].Direction)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestLoadMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)

	got, err := s.LoadTabSnapshot(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveTruncatesRowWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTabSnapshot(ctx, sampleSnapshot("big", MaxPersistedRows+500)))

	got, err := s.LoadTabSnapshot(ctx, "big")
	require.NoError(t, err)
	assert.Len(t, got.Rows, MaxPersistedRows)
}

func TestSaveUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTabSnapshot(ctx, sampleSnapshot("tab", 3)))
	require.NoError(t, s.SaveTabSnapshot(ctx, sampleSnapshot("tab", 7)))

	got, err := s.LoadTabSnapshot(ctx, "tab")
	require.NoError(t, err)
	assert.Len(t, got.Rows, 7)
}

func TestDeleteTabSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTabSnapshot(ctx, sampleSnapshot("gone", 2)))
	require.NoError(t, s.DeleteTabSnapshot(ctx, "gone"))
	require.NoError(t, s.DeleteTabSnapshot(ctx, "gone")) // missing is fine

	got, err := s.LoadTabSnapshot(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPruneTabSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.SaveTabSnapshot(ctx, sampleSnapshot(id, 1)))
	}

	require.NoError(t, s.PruneTabSnapshots(ctx, []string{"b"}))

	for _, tt := range []struct {
		id   string
		kept bool
	}{{"a", false}, {"b", true}, {"c", false}} {
		got, err := s.LoadTabSnapshot(ctx, tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.kept, got != nil, "tab %s", tt.id)
	}

	require.NoError(t, s.PruneTabSnapshots(ctx, nil))
	got, err := s.LoadTabSnapshot(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveRejectsEmptyTabID(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.SaveTabSnapshot(context.Background(), &TabSnapshot{}))
}
