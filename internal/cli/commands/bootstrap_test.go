package commands

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/leapstack-labs/leapgrid/internal/source"
	"github.com/leapstack-labs/leapgrid/internal/stream"
)

func TestParseDescriptor(t *testing.T) {
	tests := []struct {
		arg  string
		want source.Descriptor
	}{
		{
			arg:  "orders",
			want: source.Descriptor{Kind: source.KindTable, Name: "orders"},
		},
		{
			arg:  "analytics.orders",
			want: source.Descriptor{Kind: source.KindTable, Schema: "analytics", Name: "orders"},
		},
		{
			arg:  "data/events.parquet",
			want: source.Descriptor{Kind: source.KindFile, Path: "data/events.parquet", Name: "events"},
		},
		{
			arg:  "exports.CSV",
			want: source.Descriptor{Kind: source.KindFile, Path: "exports.CSV", Name: "exports"},
		},
		{
			arg:  "select * from orders",
			want: source.Descriptor{Kind: source.KindScript, SQL: "select * from orders"},
		},
		{
			arg:  "WITH t AS (SELECT 1) SELECT * FROM t",
			want: source.Descriptor{Kind: source.KindScript, SQL: "WITH t AS (SELECT 1) SELECT * FROM t"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			assert.Equal(t, tt.want, parseDescriptor(tt.arg))
		})
	}
}

func TestRenderTable(t *testing.T) {
	schema := []stream.Column{
		{Name: "id", Type: "BIGINT"},
		{Name: "name", Type: "VARCHAR"},
	}
	rows := [][]any{
		{int64(1), "alpha"},
		{int64(2), nil},
	}

	var buf bytes.Buffer
	renderTable(&buf, schema, rows)

	out := buf.String()
	assert.Contains(t, out, "id")
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "NULL")
	assert.Contains(t, out, "(2 rows)")
}

func TestRenderTableNoSchema(t *testing.T) {
	var buf bytes.Buffer
	renderTable(&buf, nil, nil)
	assert.Contains(t, buf.String(), "(no result)")
}
