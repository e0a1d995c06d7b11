// Package export renders fully extracted results to downloadable formats.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/leapstack-labs/leapgrid/internal/stream"
)

// Format names a supported export format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatCSV, FormatXLSX:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown export format: %q", s)
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv"
}

// Write renders rows in the given format.
func Write(w io.Writer, f Format, schema []stream.Column, rows [][]any) error {
	if f == FormatXLSX {
		return WriteXLSX(w, schema, rows)
	}
	return WriteCSV(w, schema, rows)
}

// WriteCSV writes a header row from the schema followed by the data.
func WriteCSV(w io.Writer, schema []stream.Column, rows [][]any) error {
	cw := csv.NewWriter(w)

	header := make([]string, len(schema))
	for i, c := range schema {
		header[i] = c.Name
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}

	record := make([]string, len(schema))
	for _, row := range rows {
		for i := range record {
			record[i] = cellString(valueAt(row, i))
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush csv: %w", err)
	}
	return nil
}

// WriteXLSX streams rows into a single-sheet workbook. The stream writer
// keeps memory flat for large extracts.
func WriteXLSX(w io.Writer, schema []stream.Column, rows [][]any) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	const sheet = "Sheet1"
	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}

	header := make([]any, len(schema))
	for i, c := range schema {
		header[i] = excelize.Cell{Value: c.Name, StyleID: 0}
	}
	if err := sw.SetRow("A1", header); err != nil {
		return fmt.Errorf("failed to write header row: %w", err)
	}

	for i, row := range rows {
		cells := make([]any, len(schema))
		for j := range cells {
			cells[j] = cellValue(valueAt(row, j))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to compute cell name: %w", err)
		}
		if err := sw.SetRow(cell, cells); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i, err)
		}
	}

	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush stream writer: %w", err)
	}
	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func valueAt(row []any, i int) any {
	if i >= len(row) {
		return nil
	}
	return row[i]
}

// cellValue maps a driver value to something excelize stores natively.
func cellValue(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case time.Time:
		return t
	default:
		return v
	}
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}
