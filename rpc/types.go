// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/reportbridge/codec"
)

// ArrowSerializable is the interface for Go types that declare their own
// Arrow schema. Fields are mapped through `arrow` struct tags. At the
// parameter/result level they travel as binary (an embedded IPC stream); when
// nested inside another ArrowSerializable they become Arrow struct columns.
type ArrowSerializable interface {
	ArrowSchema() *arrow.Schema
}

// IPCMarshaler is implemented by types that encode themselves as an IPC
// stream. They travel as a binary column.
type IPCMarshaler interface {
	MarshalIPC() ([]byte, error)
}

// IPCUnmarshaler is the decoding half of IPCMarshaler, implemented on the
// pointer receiver.
type IPCUnmarshaler interface {
	UnmarshalIPC(data []byte) error
}

var (
	arrowSerializableType = reflect.TypeOf((*ArrowSerializable)(nil)).Elem()
	ipcMarshalerType      = reflect.TypeOf((*IPCMarshaler)(nil)).Elem()
	ipcUnmarshalerType    = reflect.TypeOf((*IPCUnmarshaler)(nil)).Elem()
)

func isArrowSerializable(t reflect.Type) bool {
	return t.Implements(arrowSerializableType) || reflect.PointerTo(t).Implements(arrowSerializableType)
}

func isIPCCodec(t reflect.Type) bool {
	return (t.Implements(ipcMarshalerType) || reflect.PointerTo(t).Implements(ipcMarshalerType)) &&
		reflect.PointerTo(t).Implements(ipcUnmarshalerType)
}

// tagInfo holds parsed information from an `rpc` struct tag.
type tagInfo struct {
	Name      string
	ArrowType string // type hint; only "binary" is recognised
}

// parseTag parses an rpc struct tag like "name" or "name,binary".
func parseTag(tag string) tagInfo {
	parts := strings.Split(tag, ",")
	info := tagInfo{Name: parts[0]}
	for _, part := range parts[1:] {
		info.ArrowType = part
	}
	return info
}

// goTypeToArrowType maps a Go reflect.Type to an Arrow DataType.
// A "binary" tag hint forces a binary column.
func goTypeToArrowType(t reflect.Type, tag tagInfo) (arrow.DataType, bool, error) {
	nullable := false

	if t.Kind() == reflect.Pointer {
		nullable = true
		t = t.Elem()
	}

	if tag.ArrowType == "binary" {
		return arrow.BinaryTypes.Binary, nullable, nil
	}

	if isIPCCodec(t) || isArrowSerializable(t) {
		return arrow.BinaryTypes.Binary, nullable, nil
	}

	switch t.Kind() {
	case reflect.String:
		return arrow.BinaryTypes.String, nullable, nil
	case reflect.Int64, reflect.Int:
		return arrow.PrimitiveTypes.Int64, nullable, nil
	case reflect.Float64:
		return arrow.PrimitiveTypes.Float64, nullable, nil
	case reflect.Bool:
		return &arrow.BooleanType{}, nullable, nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			return arrow.BinaryTypes.Binary, nullable, nil
		}
		return nil, false, fmt.Errorf("unsupported slice type %v: operation payloads carry tables through codec", t)
	default:
		return nil, false, fmt.Errorf("unsupported Go type: %v (kind: %v)", t, t.Kind())
	}
}

// structToSchema builds an Arrow schema from a Go struct type using rpc tags.
func structToSchema(t reflect.Type) (*arrow.Schema, error) {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("expected struct type, got %v", t.Kind())
	}
	var fields []arrow.Field
	for i := range t.NumField() {
		f := t.Field(i)
		tag := f.Tag.Get("rpc")
		if tag == "" || tag == "-" {
			continue
		}
		info := parseTag(tag)

		arrowType, nullable, err := goTypeToArrowType(f.Type, info)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		fields = append(fields, arrow.Field{
			Name:     info.Name,
			Type:     arrowType,
			Nullable: nullable,
		})
	}
	return arrow.NewSchema(fields, nil), nil
}

// resultSchema builds an Arrow schema for a return type. A nil type is void.
func resultSchema(t reflect.Type) (*arrow.Schema, error) {
	if t == nil {
		return arrow.NewSchema(nil, nil), nil
	}
	arrowType, nullable, err := goTypeToArrowType(t, tagInfo{})
	if err != nil {
		return nil, fmt.Errorf("result type: %w", err)
	}
	return arrow.NewSchema([]arrow.Field{
		{Name: "result", Type: arrowType, Nullable: nullable},
	}, nil), nil
}

// serializeParams builds the one-row request batch for a parameter struct.
func serializeParams(schema *arrow.Schema, params any) (arrow.RecordBatch, error) {
	mem := memory.NewGoAllocator()
	rv := reflect.ValueOf(params)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("nil parameters")
		}
		rv = rv.Elem()
	}
	rt := rv.Type()

	cols := make([]arrow.Array, 0, schema.NumFields())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for i := range rt.NumField() {
		tag := rt.Field(i).Tag.Get("rpc")
		if tag == "" || tag == "-" {
			continue
		}
		info := parseTag(tag)
		f := schema.Field(len(cols))
		arr, err := buildArray(mem, f.Type, rv.Field(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", info.Name, err)
		}
		cols = append(cols, arr)
	}
	return array.NewRecordBatch(schema, cols, 1), nil
}

// deserializeParams reads row 0 from a record batch into a Go struct.
func deserializeParams(batch arrow.RecordBatch, target reflect.Type) (reflect.Value, error) {
	if target.Kind() == reflect.Pointer {
		target = target.Elem()
	}
	result := reflect.New(target).Elem()
	if batch.NumCols() > 0 && batch.NumRows() != 1 {
		return reflect.Value{}, fmt.Errorf("expected 1 parameter row, got %d", batch.NumRows())
	}

	for i := range target.NumField() {
		f := target.Field(i)
		tag := f.Tag.Get("rpc")
		if tag == "" || tag == "-" {
			continue
		}
		info := parseTag(tag)

		colIdx := columnIndex(batch, info.Name)
		if colIdx == -1 || batch.Column(colIdx).IsNull(0) {
			continue
		}

		if err := setFieldFromArrow(result.Field(i), f.Type, batch.Column(colIdx), 0, info); err != nil {
			return reflect.Value{}, fmt.Errorf("field %s: %w", info.Name, err)
		}
	}
	return result, nil
}

// deserializeResult reads the "result" column of a one-row batch into a value
// of type t.
func deserializeResult(batch arrow.RecordBatch, t reflect.Type) (reflect.Value, error) {
	out := reflect.New(t).Elem()
	idx := columnIndex(batch, "result")
	if idx < 0 {
		return reflect.Value{}, fmt.Errorf("result batch has no result column")
	}
	if batch.NumRows() != 1 {
		return reflect.Value{}, fmt.Errorf("expected 1 result row, got %d", batch.NumRows())
	}
	col := batch.Column(idx)
	if col.IsNull(0) {
		return out, nil
	}
	if err := setFieldFromArrow(out, t, col, 0, tagInfo{}); err != nil {
		return reflect.Value{}, err
	}
	return out, nil
}

func columnIndex(batch arrow.RecordBatch, name string) int {
	for ci := range batch.NumCols() {
		if batch.ColumnName(int(ci)) == name {
			return int(ci)
		}
	}
	return -1
}

// setFieldFromArrow sets a value from an Arrow array at index idx.
func setFieldFromArrow(field reflect.Value, fieldType reflect.Type, col arrow.Array, idx int, info tagInfo) error {
	isPtr := fieldType.Kind() == reflect.Pointer
	if isPtr {
		fieldType = fieldType.Elem()
	}

	if isIPCCodec(fieldType) {
		c, ok := col.(*array.Binary)
		if !ok {
			return fmt.Errorf("expected Binary array for %v, got %T", fieldType, col)
		}
		ptr := reflect.New(fieldType)
		if err := ptr.Interface().(IPCUnmarshaler).UnmarshalIPC(bytes.Clone(c.Value(idx))); err != nil {
			return err
		}
		setMaybePtr(field, isPtr, ptr)
		return nil
	}

	if isArrowSerializable(fieldType) {
		switch c := col.(type) {
		case *array.Binary:
			val, err := deserializeArrowSerializable(fieldType, c.Value(idx))
			if err != nil {
				return err
			}
			ptr := reflect.New(fieldType)
			ptr.Elem().Set(val)
			setMaybePtr(field, isPtr, ptr)
			return nil
		case *array.Struct:
			return setStructField(field, fieldType, isPtr, c, idx)
		default:
			return fmt.Errorf("expected Binary or Struct array for ArrowSerializable, got %T", col)
		}
	}

	switch c := col.(type) {
	case *array.String:
		setStringField(field, fieldType, isPtr, c.Value(idx))
	case *array.Int64:
		setIntField(field, fieldType, isPtr, c.Value(idx))
	case *array.Float64:
		setFloatField(field, fieldType, isPtr, c.Value(idx))
	case *array.Boolean:
		setBoolField(field, fieldType, isPtr, c.Value(idx))
	case *array.Binary:
		b := bytes.Clone(c.Value(idx))
		if b == nil {
			b = []byte{}
		}
		ptr := reflect.New(fieldType)
		ptr.Elem().SetBytes(b)
		setMaybePtr(field, isPtr, ptr)
	case *array.Struct:
		return setStructField(field, fieldType, isPtr, c, idx)
	default:
		return fmt.Errorf("unsupported Arrow array type: %T", col)
	}
	return nil
}

// setMaybePtr stores ptr (a *T) into field, which is either T or *T.
func setMaybePtr(field reflect.Value, isPtr bool, ptr reflect.Value) {
	if isPtr {
		field.Set(ptr)
	} else {
		field.Set(ptr.Elem())
	}
}

func setStringField(field reflect.Value, fieldType reflect.Type, isPtr bool, val string) {
	ptr := reflect.New(fieldType)
	ptr.Elem().SetString(val)
	setMaybePtr(field, isPtr, ptr)
}

func setIntField(field reflect.Value, fieldType reflect.Type, isPtr bool, val int64) {
	ptr := reflect.New(fieldType)
	ptr.Elem().SetInt(val)
	setMaybePtr(field, isPtr, ptr)
}

func setFloatField(field reflect.Value, fieldType reflect.Type, isPtr bool, val float64) {
	ptr := reflect.New(fieldType)
	ptr.Elem().SetFloat(val)
	setMaybePtr(field, isPtr, ptr)
}

func setBoolField(field reflect.Value, fieldType reflect.Type, isPtr bool, val bool) {
	ptr := reflect.New(fieldType)
	ptr.Elem().SetBool(val)
	setMaybePtr(field, isPtr, ptr)
}

// setStructField fills a struct from a struct column; fieldType is already
// dereferenced.
func setStructField(field reflect.Value, fieldType reflect.Type, isPtr bool, structArr *array.Struct, idx int) error {
	result := reflect.New(fieldType)
	structType := structArr.DataType().(*arrow.StructType)

	for fi := range fieldType.NumField() {
		goField := fieldType.Field(fi)
		arrowTag := goField.Tag.Get("arrow")
		if arrowTag == "" {
			continue
		}
		childIdx, ok := structType.FieldIdx(arrowTag)
		if !ok {
			continue
		}
		childArr := structArr.Field(childIdx)
		if childArr.IsNull(idx) {
			continue
		}
		if err := setFieldFromArrow(result.Elem().Field(fi), goField.Type, childArr, idx, tagInfo{}); err != nil {
			return fmt.Errorf("struct field %s: %w", arrowTag, err)
		}
	}

	setMaybePtr(field, isPtr, result)
	return nil
}

// serializeResult builds a 1-row record batch with a single "result" column.
func serializeResult(schema *arrow.Schema, value any) (arrow.RecordBatch, error) {
	mem := memory.NewGoAllocator()

	if schema.NumFields() == 0 {
		return array.NewRecordBatch(schema, nil, 0), nil
	}

	arr, err := buildArray(mem, schema.Field(0).Type, value)
	if err != nil {
		return nil, fmt.Errorf("serialize result: %w", err)
	}
	defer arr.Release()

	return array.NewRecordBatch(schema, []arrow.Array{arr}, 1), nil
}

// buildArray creates a 1-element Arrow array from a Go value.
func buildArray(mem memory.Allocator, dt arrow.DataType, value any) (arrow.Array, error) {
	b := array.NewBuilder(mem, dt)
	defer b.Release()
	if err := appendToBuilder(b, dt, value); err != nil {
		return nil, err
	}
	return b.NewArray(), nil
}

// appendToBuilder appends a single value to an Arrow array builder.
func appendToBuilder(b array.Builder, dt arrow.DataType, value any) error {
	if value == nil {
		b.AppendNull()
		return nil
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() == reflect.Pointer && rv.IsNil() {
		b.AppendNull()
		return nil
	}

	// Embedded IPC streams are encoded before any pointer is dereferenced so
	// pointer-receiver marshalers are found.
	if dt.ID() == arrow.BINARY {
		if m, ok := asIPCMarshaler(rv); ok {
			data, err := m.MarshalIPC()
			if err != nil {
				return err
			}
			b.(*array.BinaryBuilder).Append(data)
			return nil
		}
	}

	if rv.Kind() == reflect.Pointer {
		value = rv.Elem().Interface()
		rv = rv.Elem()
	}

	switch dt.ID() {
	case arrow.STRING:
		b.(*array.StringBuilder).Append(toString(rv))
	case arrow.INT64:
		v, err := toInt64(value)
		if err != nil {
			return err
		}
		b.(*array.Int64Builder).Append(v)
	case arrow.FLOAT64:
		v, err := toFloat64(value)
		if err != nil {
			return err
		}
		b.(*array.Float64Builder).Append(v)
	case arrow.BOOL:
		if rv.Kind() != reflect.Bool {
			return fmt.Errorf("cannot convert %T to bool", value)
		}
		b.(*array.BooleanBuilder).Append(rv.Bool())
	case arrow.BINARY:
		bb := b.(*array.BinaryBuilder)
		if as, ok := value.(ArrowSerializable); ok {
			data, err := serializeArrowSerializable(as)
			if err != nil {
				return err
			}
			bb.Append(data)
		} else if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			bb.Append(rv.Bytes())
		} else {
			return fmt.Errorf("cannot convert %T to binary", value)
		}
	case arrow.STRUCT:
		sb := b.(*array.StructBuilder)
		sb.Append(true)
		structType := dt.(*arrow.StructType)
		for ci, sf := range structType.Fields() {
			fb := sb.FieldBuilder(ci)
			fv, ok := arrowFieldValue(rv, sf.Name)
			if !ok {
				fb.AppendNull()
				continue
			}
			if err := appendToBuilder(fb, sf.Type, fv); err != nil {
				return fmt.Errorf("struct field %s: %w", sf.Name, err)
			}
		}
	default:
		return fmt.Errorf("unsupported type in appendToBuilder: %v", dt)
	}
	return nil
}

// asIPCMarshaler finds MarshalIPC on the value or, for addressable copies,
// on its pointer.
func asIPCMarshaler(rv reflect.Value) (IPCMarshaler, bool) {
	if m, ok := rv.Interface().(IPCMarshaler); ok {
		return m, true
	}
	if rv.Kind() != reflect.Pointer && reflect.PointerTo(rv.Type()).Implements(ipcMarshalerType) {
		p := reflect.New(rv.Type())
		p.Elem().Set(rv)
		return p.Interface().(IPCMarshaler), true
	}
	return nil, false
}

// arrowFieldValue finds a struct field value by its `arrow` tag.
func arrowFieldValue(rv reflect.Value, arrowName string) (any, bool) {
	rt := rv.Type()
	for i := range rt.NumField() {
		if rt.Field(i).Tag.Get("arrow") == arrowName {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

// serializeArrowSerializable converts an ArrowSerializable value to IPC stream bytes.
func serializeArrowSerializable(as ArrowSerializable) ([]byte, error) {
	schema := as.ArrowSchema()
	mem := memory.NewGoAllocator()

	rv := reflect.ValueOf(as)
	if rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}

	cols := make([]arrow.Array, 0, schema.NumFields())
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	for _, f := range schema.Fields() {
		val, ok := arrowFieldValue(rv, f.Name)
		if !ok {
			return nil, fmt.Errorf("no field with arrow tag %q", f.Name)
		}
		arr, err := buildArray(mem, f.Type, val)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		cols = append(cols, arr)
	}

	batch := array.NewRecordBatch(schema, cols, 1)
	defer batch.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(batch); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// deserializeArrowSerializable reads IPC stream bytes into an
// ArrowSerializable Go struct.
func deserializeArrowSerializable(targetType reflect.Type, data []byte) (_ reflect.Value, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			err = fmt.Errorf("%w: corrupt %v stream: %v", codec.ErrMalformedPayload, targetType, rv)
		}
	}()

	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: reading %v: %v", codec.ErrMalformedPayload, targetType, err)
	}
	defer reader.Release()

	if !reader.Next() {
		return reflect.Value{}, fmt.Errorf("%w: no batch in %v stream", codec.ErrMalformedPayload, targetType)
	}
	batch := reader.RecordBatch()

	result := reflect.New(targetType).Elem()
	for i := range targetType.NumField() {
		f := targetType.Field(i)
		tag := f.Tag.Get("arrow")
		if tag == "" {
			continue
		}
		colIdx := columnIndex(batch, tag)
		if colIdx == -1 {
			continue
		}
		col := batch.Column(colIdx)
		if col.IsNull(0) {
			continue
		}
		if err := setFieldFromArrow(result.Field(i), f.Type, col, 0, tagInfo{}); err != nil {
			return reflect.Value{}, fmt.Errorf("%v field %s: %w", targetType, tag, err)
		}
	}
	return result, nil
}

func toString(rv reflect.Value) string {
	if rv.Kind() == reflect.String {
		return rv.String()
	}
	return fmt.Sprintf("%v", rv.Interface())
}

// toInt64 and toFloat64 convert by kind so named types such as
// codec.WindowHandle are accepted.
func toInt64(v any) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return int64(rv.Uint()), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to int64", v)
	}
}

func toFloat64(v any) (float64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to float64", v)
	}
}
