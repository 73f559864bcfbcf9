// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Kind tags the value type of a column or parameter.
type Kind string

const (
	KindString   Kind = "string"
	KindInt64    Kind = "int64"
	KindFloat64  Kind = "float64"
	KindBool     Kind = "bool"
	KindDateTime Kind = "datetime"
	KindBinary   Kind = "binary"
)

// Datetimes travel as microseconds since the epoch, which covers every
// year from 1 to 9999. Sub-microsecond precision is truncated.
var timestampType = &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}

func toTimestamp(t time.Time) arrow.Timestamp { return arrow.Timestamp(t.UnixMicro()) }

func fromTimestamp(ts arrow.Timestamp) time.Time { return time.UnixMicro(int64(ts)).UTC() }

// arrowType maps a column kind to its wire type. Binary columns are text on
// the wire; see decodeBinaryCell.
func (k Kind) arrowType() (arrow.DataType, error) {
	switch k {
	case KindString, KindBinary:
		return arrow.BinaryTypes.String, nil
	case KindInt64:
		return arrow.PrimitiveTypes.Int64, nil
	case KindFloat64:
		return arrow.PrimitiveTypes.Float64, nil
	case KindBool:
		return arrow.FixedWidthTypes.Boolean, nil
	case KindDateTime:
		return timestampType, nil
	default:
		return nil, fmt.Errorf("%w: column kind %q", ErrUnsupportedValue, k)
	}
}

// Column describes one table column.
type Column struct {
	Name string
	Kind Kind
	// MaxLength is the declared maximum length for string and binary columns;
	// 0 means unbounded. It is carried, not enforced.
	MaxLength int
}

// Table is a named, ordered set of columns and rows. Cells hold nil, string,
// int64, float64, bool, time.Time or []byte according to the column kind.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]any
}

// NewTable creates an empty table with the given columns.
func NewTable(name string, columns ...Column) *Table {
	return &Table{Name: name, Columns: columns}
}

// AddRow appends a row. The number of cells must equal the number of columns.
func (t *Table) AddRow(cells ...any) error {
	if len(cells) != len(t.Columns) {
		return fmt.Errorf("%w: table %q: row has %d cells, want %d",
			ErrInvalidTable, t.Name, len(cells), len(t.Columns))
	}
	t.Rows = append(t.Rows, cells)
	return nil
}

// ColumnIndex returns the position of the named column, or -1.
func (t *Table) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks that every row is aligned with the columns.
func (t *Table) Validate() error {
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return fmt.Errorf("%w: table %q: row %d has %d cells, want %d",
				ErrInvalidTable, t.Name, i, len(row), len(t.Columns))
		}
	}
	return nil
}

// EncodeTable serializes a table as a single-batch Arrow IPC stream.
func EncodeTable(t *Table) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	mem := memory.NewGoAllocator()

	fields := make([]arrow.Field, len(t.Columns))
	cols := make([]arrow.Array, len(t.Columns))
	defer releaseAll(cols)

	for i, c := range t.Columns {
		dt, err := c.Kind.arrowType()
		if err != nil {
			return nil, fmt.Errorf("table %q column %q: %w", t.Name, c.Name, err)
		}
		fields[i] = arrow.Field{
			Name:     c.Name,
			Type:     dt,
			Nullable: true,
			Metadata: arrow.NewMetadata(
				[]string{MetaKind, MetaMaxLength},
				[]string{string(c.Kind), strconv.Itoa(c.MaxLength)},
			),
		}

		b := array.NewBuilder(mem, dt)
		for r, row := range t.Rows {
			if err := appendCell(b, c.Kind, row[i]); err != nil {
				b.Release()
				return nil, fmt.Errorf("table %q row %d column %q: %w", t.Name, r, c.Name, err)
			}
		}
		cols[i] = b.NewArray()
		b.Release()
	}

	meta := arrow.NewMetadata([]string{MetaTableName}, []string{t.Name})
	schema := arrow.NewSchema(fields, &meta)
	return writeBatch(schema, cols, int64(len(t.Rows)))
}

// appendCell appends one cell value to a builder of the column's wire type.
func appendCell(b array.Builder, kind Kind, v any) error {
	if isNull(v) {
		b.AppendNull()
		return nil
	}
	switch kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: %T in string column", ErrUnsupportedValue, v)
		}
		b.(*array.StringBuilder).Append(s)
	case KindBinary:
		raw, ok := v.([]byte)
		if !ok {
			return fmt.Errorf("%w: %T in binary column", ErrUnsupportedValue, v)
		}
		b.(*array.StringBuilder).Append(base64.StdEncoding.EncodeToString(raw))
	case KindInt64:
		n, err := toInt64(v)
		if err != nil {
			return err
		}
		b.(*array.Int64Builder).Append(n)
	case KindFloat64:
		f, err := toFloat64(v)
		if err != nil {
			return err
		}
		b.(*array.Float64Builder).Append(f)
	case KindBool:
		bv, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: %T in bool column", ErrUnsupportedValue, v)
		}
		b.(*array.BooleanBuilder).Append(bv)
	case KindDateTime:
		ts, ok := v.(time.Time)
		if !ok {
			return fmt.Errorf("%w: %T in datetime column", ErrUnsupportedValue, v)
		}
		b.(*array.TimestampBuilder).Append(toTimestamp(ts))
	default:
		return fmt.Errorf("%w: column kind %q", ErrUnsupportedValue, kind)
	}
	return nil
}

// isNull reports whether v encodes as a null cell. A nil []byte is null; an
// empty non-nil []byte is a zero-length value.
func isNull(v any) bool {
	if v == nil {
		return true
	}
	if b, ok := v.([]byte); ok && b == nil {
		return true
	}
	return false
}

// DecodeTable reverses EncodeTable.
func DecodeTable(data []byte) (*Table, error) {
	batch, err := readBatch(data)
	if err != nil {
		return nil, err
	}
	defer batch.Release()

	schema := batch.Schema()
	name, ok := schema.Metadata().GetValue(MetaTableName)
	if !ok {
		return nil, malformed("table schema has no %s", MetaTableName)
	}

	t := &Table{Name: name, Columns: make([]Column, schema.NumFields())}
	for i, f := range schema.Fields() {
		col, err := columnFromField(f)
		if err != nil {
			return nil, err
		}
		t.Columns[i] = col
	}

	n := int(batch.NumRows())
	t.Rows = make([][]any, n)
	for r := range t.Rows {
		t.Rows[r] = make([]any, len(t.Columns))
	}
	for i, c := range t.Columns {
		arr := batch.Column(i)
		if arr.Len() != n {
			return nil, malformed("column %q has %d cells, want %d", c.Name, arr.Len(), n)
		}
		for r := 0; r < n; r++ {
			v, err := cellValue(arr, c.Kind, r)
			if err != nil {
				return nil, fmt.Errorf("table %q row %d column %q: %w", t.Name, r, c.Name, err)
			}
			t.Rows[r][i] = v
		}
	}
	return t, nil
}

func columnFromField(f arrow.Field) (Column, error) {
	kind, ok := f.Metadata.GetValue(MetaKind)
	if !ok {
		return Column{}, malformed("column %q has no %s", f.Name, MetaKind)
	}
	want, err := Kind(kind).arrowType()
	if err != nil {
		return Column{}, malformed("column %q: %v", f.Name, err)
	}
	if !arrow.TypeEqual(want, f.Type) {
		return Column{}, malformed("column %q of kind %s has wire type %s", f.Name, kind, f.Type)
	}
	col := Column{Name: f.Name, Kind: Kind(kind)}
	if ml, ok := f.Metadata.GetValue(MetaMaxLength); ok && ml != "" {
		n, err := strconv.Atoi(ml)
		if err != nil {
			return Column{}, malformed("column %q max length %q", f.Name, ml)
		}
		col.MaxLength = n
	}
	return col, nil
}

func cellValue(arr arrow.Array, kind Kind, idx int) (any, error) {
	if arr.IsNull(idx) {
		return nil, nil
	}
	switch kind {
	case KindString:
		return arr.(*array.String).Value(idx), nil
	case KindBinary:
		return decodeBinaryCell(arr.(*array.String).Value(idx))
	case KindInt64:
		return arr.(*array.Int64).Value(idx), nil
	case KindFloat64:
		return arr.(*array.Float64).Value(idx), nil
	case KindBool:
		return arr.(*array.Boolean).Value(idx), nil
	case KindDateTime:
		return fromTimestamp(arr.(*array.Timestamp).Value(idx)), nil
	default:
		return nil, malformed("column kind %q", kind)
	}
}

// decodeBinaryCell returns a non-nil slice even for zero-length values.
func decodeBinaryCell(s string) ([]byte, error) {
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, malformed("binary cell: %v", err)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Dataset is an ordered collection of named tables.
type Dataset struct {
	Name   string
	Tables []*Table
}

// Table returns the named table, or nil.
func (d *Dataset) Table(name string) *Table {
	for _, t := range d.Tables {
		if t.Name == name {
			return t
		}
	}
	return nil
}

var datasetSchemaFields = []arrow.Field{
	{Name: "table", Type: arrow.BinaryTypes.Binary},
}

// EncodeDataset serializes a dataset as an IPC stream with one row per table;
// each row holds the table's own IPC stream.
func EncodeDataset(d *Dataset) ([]byte, error) {
	mem := memory.NewGoAllocator()
	b := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer b.Release()

	for _, t := range d.Tables {
		data, err := EncodeTable(t)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", d.Name, err)
		}
		b.Append(data)
	}
	arr := b.NewArray()
	defer arr.Release()

	meta := arrow.NewMetadata([]string{MetaDatasetName}, []string{d.Name})
	schema := arrow.NewSchema(datasetSchemaFields, &meta)
	return writeBatch(schema, []arrow.Array{arr}, int64(arr.Len()))
}

// DecodeDataset reverses EncodeDataset.
func DecodeDataset(data []byte) (*Dataset, error) {
	batch, err := readBatch(data)
	if err != nil {
		return nil, err
	}
	defer batch.Release()

	name, ok := batch.Schema().Metadata().GetValue(MetaDatasetName)
	if !ok {
		return nil, malformed("dataset schema has no %s", MetaDatasetName)
	}
	idx := columnIndex(batch, "table")
	if idx < 0 {
		return nil, malformed("dataset has no table column")
	}
	col, ok := batch.Column(idx).(*array.Binary)
	if !ok {
		return nil, malformed("dataset table column is %s", batch.Column(idx).DataType())
	}

	d := &Dataset{Name: name, Tables: make([]*Table, 0, col.Len())}
	for i := 0; i < col.Len(); i++ {
		if col.IsNull(i) {
			return nil, malformed("dataset %q: null table at %d", name, i)
		}
		t, err := DecodeTable(bytes.Clone(col.Value(i)))
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", name, err)
		}
		d.Tables = append(d.Tables, t)
	}
	return d, nil
}

// MarshalIPC implements the rpc embedded-IPC contract.
func (d *Dataset) MarshalIPC() ([]byte, error) { return EncodeDataset(d) }

// UnmarshalIPC implements the rpc embedded-IPC contract.
func (d *Dataset) UnmarshalIPC(data []byte) error {
	out, err := DecodeDataset(data)
	if err != nil {
		return err
	}
	*d = *out
	return nil
}
