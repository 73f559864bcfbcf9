// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// Metadata keys written by this package.
const (
	MetaTableName   = "reportbridge.table_name"
	MetaDatasetName = "reportbridge.dataset_name"
	MetaKind        = "reportbridge.kind"
	MetaMaxLength   = "reportbridge.max_length"
)

// writeBatch serializes one record batch built from cols as a complete IPC
// stream (schema + batch + EOS).
func writeBatch(schema *arrow.Schema, cols []arrow.Array, rows int64) ([]byte, error) {
	batch := array.NewRecordBatch(schema, cols, rows)
	defer batch.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	if err := w.Write(batch); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("writing IPC batch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing IPC stream: %w", err)
	}
	return buf.Bytes(), nil
}

// readBatch reads the first record batch of an IPC stream. The caller owns
// the returned batch and must Release it.
func readBatch(data []byte) (batch arrow.RecordBatch, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			batch = nil
			err = malformed("corrupt IPC stream: %v", rv)
		}
	}()

	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, malformed("opening IPC stream: %v", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, malformed("reading IPC batch: %v", err)
		}
		return nil, malformed("IPC stream contains no record batch")
	}
	batch = reader.RecordBatch()
	batch.Retain()
	return batch, nil
}

// columnIndex returns the index of the named column or -1.
func columnIndex(batch arrow.RecordBatch, name string) int {
	for i := range batch.NumCols() {
		if batch.ColumnName(int(i)) == name {
			return int(i)
		}
	}
	return -1
}

func releaseAll(arrs []arrow.Array) {
	for _, a := range arrs {
		if a != nil {
			a.Release()
		}
	}
}

// checkSchema verifies that got has the fields of want, in order, with
// identical types.
func checkSchema(got, want *arrow.Schema) error {
	if got.NumFields() != want.NumFields() {
		return malformed("schema has %d fields, want %d", got.NumFields(), want.NumFields())
	}
	for i, f := range want.Fields() {
		g := got.Field(i)
		if g.Name != f.Name || !arrow.TypeEqual(g.Type, f.Type) {
			return malformed("field %d is %s: %s, want %s: %s", i, g.Name, g.Type, f.Name, f.Type)
		}
	}
	return nil
}
