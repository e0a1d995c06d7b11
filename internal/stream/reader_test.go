package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMockRows(t *testing.T, rowCount int) *Reader {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	rows := sqlmock.NewRows([]string{"id", "name"})
	for i := 0; i < rowCount; i++ {
		rows.AddRow(int64(i), fmt.Sprintf("row-%d", i))
	}
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	sqlRows, err := db.Query("SELECT id, name FROM t")
	require.NoError(t, err)

	cur, err := NewSQLCursor(sqlRows)
	require.NoError(t, err)

	return NewReader(cur, 100, nil)
}

func TestReader_BatchesInStreamOrder(t *testing.T) {
	r := openMockRows(t, 250)
	ctx := context.Background()

	var total int
	var batches []int
	for {
		batch, err := r.Next(ctx)
		require.NoError(t, err)
		if batch == nil {
			break
		}
		batches = append(batches, batch.Len())
		for _, row := range batch.Rows {
			assert.Equal(t, int64(total), row[0])
			total++
		}
	}

	assert.Equal(t, 250, total)
	assert.Equal(t, []int{100, 100, 50}, batches)
	assert.True(t, r.Closed())
}

func TestReader_NextAfterCloseReturnsNil(t *testing.T) {
	r := openMockRows(t, 10)
	ctx := context.Background()

	_, err := r.Next(ctx)
	require.NoError(t, err)

	r.Cancel()
	batch, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Nil(t, batch)
}

func TestReader_CancelIdempotent(t *testing.T) {
	r := openMockRows(t, 10)

	r.Cancel()
	r.Cancel()
	assert.True(t, r.Closed())
}

func TestReader_ReleaseRunsOnce(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectQuery("SELECT").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	sqlRows, err := db.Query("SELECT id FROM t")
	require.NoError(t, err)

	cur, err := NewSQLCursor(sqlRows)
	require.NoError(t, err)

	released := 0
	r := NewReader(cur, 10, func() { released++ })
	r.Cancel()
	r.Cancel()
	assert.Equal(t, 1, released)
}

func TestReader_CtxCancelledBeforePull(t *testing.T) {
	r := openMockRows(t, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Next(ctx)
	require.Error(t, err)
	assert.Equal(t, ClassCancelled, Classify(err))
	// Cooperative cancellation leaves the reader usable.
	assert.False(t, r.Closed())

	batch, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, batch.Len())
}

func TestReader_Schema(t *testing.T) {
	r := openMockRows(t, 1)
	schema := r.Schema()
	require.Len(t, schema, 2)
	assert.Equal(t, "id", schema[0].Name)
	assert.Equal(t, "name", schema[1].Name)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil-ish unknown", errors.New("boom"), ClassUnknown},
		{"explicit class", WithClass(ClassOutOfMemory, errors.New("x")), ClassOutOfMemory},
		{"wrapped explicit class", fmt.Errorf("query: %w", WithClass(ClassSchemaMismatch, errors.New("x"))), ClassSchemaMismatch},
		{"context cancelled", context.Canceled, ClassCancelled},
		{"cancelled error", &CancelledError{UserCancelled: true}, ClassCancelled},
		{"oom message", errors.New("Out of Memory Error: could not allocate"), ClassOutOfMemory},
		{"missing file", errors.New("IO Error: No such file or directory"), ClassEngineUnavailable},
		{"catalog drift", errors.New(`Catalog Error: Table "t" does not exist`), ClassEngineUnavailable},
		{"binder drift", errors.New(`Binder Error: column "x" not found`), ClassSchemaMismatch},
		{"pool timeout", errors.New("timeout acquiring connection from pool"), ClassResourceExhausted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestRecoverable(t *testing.T) {
	assert.True(t, Recoverable(ClassEngineUnavailable))
	assert.True(t, Recoverable(ClassSchemaMismatch))
	assert.False(t, Recoverable(ClassOutOfMemory))
	assert.False(t, Recoverable(ClassResourceExhausted))
	assert.False(t, Recoverable(ClassCancelled))
	assert.False(t, Recoverable(ClassUnknown))
}

func TestCancelledError_Tags(t *testing.T) {
	user := &CancelledError{UserCancelled: true, Reason: "stop pressed"}
	system := &CancelledError{Reason: "tab closed"}

	assert.Contains(t, user.Error(), "user")
	assert.False(t, user.IsSystemCancelled())
	assert.Contains(t, system.Error(), "system")
	assert.True(t, system.IsSystemCancelled())
}
