package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/term"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/leapstack-labs/leapgrid/internal/stream"
	"github.com/leapstack-labs/leapgrid/internal/tabdata"
)

// countPrinter groups digits per locale so large row counts stay readable.
var countPrinter = message.NewPrinter(language.English)

// renderTable writes rows as a framed table clipped to the terminal width.
func renderTable(w io.Writer, schema []stream.Column, rows [][]any) {
	if len(schema) == 0 {
		_, _ = fmt.Fprintln(w, "(no result)")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	if width := terminalWidth(); width > 0 {
		t.SetAllowedRowLength(width)
	}

	header := make(table.Row, len(schema))
	for i, c := range schema {
		header[i] = c.Name
	}
	t.AppendHeader(header)

	for _, row := range rows {
		tr := make(table.Row, len(schema))
		for i := range schema {
			if i < len(row) {
				tr[i] = cellText(row[i])
			}
		}
		t.AppendRow(tr)
	}

	t.Render()
	_, _ = countPrinter.Fprintf(w, "(%d rows)\n", len(rows))
}

// renderStatusLine summarizes adapter state for one-shot commands.
func renderStatusLine(w io.Writer, st tabdata.Status) {
	switch {
	case len(st.Errors) > 0:
		_, _ = fmt.Fprintf(w, "error: %s\n", st.Errors[len(st.Errors)-1])
	case st.RowCount.RealRowCount != nil:
		_, _ = countPrinter.Fprintf(w, "%d rows total\n", *st.RowCount.RealRowCount)
	case st.RowCount.EstimatedRowCount != nil:
		_, _ = countPrinter.Fprintf(w, "~%d rows (estimated), %d loaded\n",
			*st.RowCount.EstimatedRowCount, st.RowCount.AvailableRowCount)
	default:
		_, _ = countPrinter.Fprintf(w, "%d rows loaded\n", st.RowCount.AvailableRowCount)
	}
}

func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 0
	}
	return width
}

func cellText(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}
