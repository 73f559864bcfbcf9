// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"sort"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// KindNull tags a parameter whose value is nil.
const KindNull Kind = "null"

// Parameters maps report parameter names to values. Supported values are
// nil, string, any Go integer, float32/float64, bool, time.Time and []byte.
// Integers decode as int64 and floats as float64; unsigned values above
// math.MaxInt64 are rejected. A nil []byte is a null parameter. Times are
// kept to the microsecond.
type Parameters map[string]any

var paramsSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "kind", Type: arrow.BinaryTypes.String},
	{Name: "string_value", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "int_value", Type: arrow.PrimitiveTypes.Int64, Nullable: true},
	{Name: "float_value", Type: arrow.PrimitiveTypes.Float64, Nullable: true},
	{Name: "bool_value", Type: arrow.FixedWidthTypes.Boolean, Nullable: true},
	{Name: "time_value", Type: timestampType, Nullable: true},
	{Name: "bytes_value", Type: arrow.BinaryTypes.Binary, Nullable: true},
}, nil)

// KindOf returns the wire kind for a parameter value.
func KindOf(v any) (Kind, error) {
	if isNull(v) {
		return KindNull, nil
	}
	switch v.(type) {
	case string:
		return KindString, nil
	case bool:
		return KindBool, nil
	case time.Time:
		return KindDateTime, nil
	case []byte:
		return KindBinary, nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return KindInt64, nil
	case reflect.Float32, reflect.Float64:
		return KindFloat64, nil
	}
	return "", fmt.Errorf("%w: parameter value of type %T", ErrUnsupportedValue, v)
}

// Names returns the parameter names in sorted order.
func (p Parameters) Names() []string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// MarshalIPC encodes the parameters as one row per parameter, sorted by name.
func (p Parameters) MarshalIPC() ([]byte, error) {
	mem := memory.NewGoAllocator()
	builders := make([]array.Builder, paramsSchema.NumFields())
	for i, f := range paramsSchema.Fields() {
		builders[i] = array.NewBuilder(mem, f.Type)
	}
	defer func() {
		for _, b := range builders {
			b.Release()
		}
	}()

	nameB := builders[0].(*array.StringBuilder)
	kindB := builders[1].(*array.StringBuilder)
	strB := builders[2].(*array.StringBuilder)
	intB := builders[3].(*array.Int64Builder)
	floatB := builders[4].(*array.Float64Builder)
	boolB := builders[5].(*array.BooleanBuilder)
	timeB := builders[6].(*array.TimestampBuilder)
	bytesB := builders[7].(*array.BinaryBuilder)

	for _, name := range p.Names() {
		v := p[name]
		kind, err := KindOf(v)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", name, err)
		}
		nameB.Append(name)
		kindB.Append(string(kind))

		for _, b := range []array.Builder{strB, intB, floatB, boolB, timeB, bytesB} {
			if !ownsKind(b, kind) {
				b.AppendNull()
			}
		}
		switch kind {
		case KindString:
			strB.Append(v.(string))
		case KindInt64:
			n, err := toInt64(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", name, err)
			}
			intB.Append(n)
		case KindFloat64:
			f, err := toFloat64(v)
			if err != nil {
				return nil, fmt.Errorf("parameter %q: %w", name, err)
			}
			floatB.Append(f)
		case KindBool:
			boolB.Append(v.(bool))
		case KindDateTime:
			timeB.Append(toTimestamp(v.(time.Time)))
		case KindBinary:
			bytesB.Append(v.([]byte))
		}
	}

	cols := make([]arrow.Array, len(builders))
	defer releaseAll(cols)
	for i, b := range builders {
		cols[i] = b.NewArray()
	}
	return writeBatch(paramsSchema, cols, int64(cols[0].Len()))
}

// ownsKind reports whether builder b is the value column for kind.
func ownsKind(b array.Builder, kind Kind) bool {
	switch b.(type) {
	case *array.StringBuilder:
		return kind == KindString
	case *array.Int64Builder:
		return kind == KindInt64
	case *array.Float64Builder:
		return kind == KindFloat64
	case *array.BooleanBuilder:
		return kind == KindBool
	case *array.TimestampBuilder:
		return kind == KindDateTime
	case *array.BinaryBuilder:
		return kind == KindBinary
	}
	return false
}

// UnmarshalIPC decodes parameters written by MarshalIPC.
func (p *Parameters) UnmarshalIPC(data []byte) error {
	batch, err := readBatch(data)
	if err != nil {
		return err
	}
	defer batch.Release()

	if err := checkSchema(batch.Schema(), paramsSchema); err != nil {
		return err
	}
	names := batch.Column(0).(*array.String)
	kinds := batch.Column(1).(*array.String)

	out := make(Parameters, batch.NumRows())
	for i := 0; i < int(batch.NumRows()); i++ {
		name := names.Value(i)
		kind := Kind(kinds.Value(i))
		var col arrow.Array
		switch kind {
		case KindNull:
			out[name] = nil
			continue
		case KindString:
			col = batch.Column(2)
		case KindInt64:
			col = batch.Column(3)
		case KindFloat64:
			col = batch.Column(4)
		case KindBool:
			col = batch.Column(5)
		case KindDateTime:
			col = batch.Column(6)
		case KindBinary:
			col = batch.Column(7)
		default:
			return malformed("parameter %q has kind %q", name, kind)
		}
		if col.IsNull(i) {
			return malformed("parameter %q of kind %s has no value", name, kind)
		}
		switch c := col.(type) {
		case *array.String:
			out[name] = c.Value(i)
		case *array.Int64:
			out[name] = c.Value(i)
		case *array.Float64:
			out[name] = c.Value(i)
		case *array.Boolean:
			out[name] = c.Value(i)
		case *array.Timestamp:
			out[name] = fromTimestamp(c.Value(i))
		case *array.Binary:
			v := bytes.Clone(c.Value(i))
			if v == nil {
				v = []byte{}
			}
			out[name] = v
		}
	}
	*p = out
	return nil
}

func toInt64(v any) (int64, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %T value %d overflows int64", ErrUnsupportedValue, v, u)
		}
		return int64(u), nil
	default:
		return 0, fmt.Errorf("%w: cannot convert %T to int64", ErrUnsupportedValue, v)
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
		return 0, fmt.Errorf("%w: cannot convert %T to float64", ErrUnsupportedValue, v)
	}
}
