package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/leapstack-labs/leapgrid/internal/stream"
)

var exportCols = []stream.Column{
	{Name: "id", Type: "BIGINT"},
	{Name: "name", Type: "VARCHAR", Nullable: true},
	{Name: "seen", Type: "TIMESTAMP", Nullable: true},
}

func exportRows() [][]any {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	return [][]any{
		{int64(1), "alpha", ts},
		{int64(2), nil, nil},
		{int64(3), []byte("bytes"), ts},
	}
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("csv")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("xlsx")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, exportCols, exportRows()))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, []string{"id", "name", "seen"}, records[0])
	assert.Equal(t, "1", records[1][0])
	assert.Equal(t, "alpha", records[1][1])
	assert.Equal(t, "2026-03-14T09:26:53Z", records[1][2])
	assert.Equal(t, "", records[2][1], "null renders empty")
	assert.Equal(t, "bytes", records[3][1])
}

func TestWriteCSVEmptyResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, exportCols, nil))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1, "header only")
}

func TestWriteXLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, exportCols, exportRows()))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows("Sheet1")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"id", "name", "seen"}, rows[0])
	assert.Equal(t, "1", rows[1][0])
	assert.Equal(t, "alpha", rows[1][1])
}

func TestWriteDispatchesOnFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, exportCols, exportRows()))
	assert.Contains(t, buf.String(), "id,name,seen")

	assert.Equal(t, "text/csv", FormatCSV.ContentType())
	assert.Contains(t, FormatXLSX.ContentType(), "spreadsheetml")
}
