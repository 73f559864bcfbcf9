// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package codec defines the payloads exchanged between a reportbridge host and
// its rendering worker, and their Apache Arrow IPC encodings.
//
// # Tables and datasets
//
// A [Table] is an ordered list of typed [Column] descriptors plus rows of
// cells aligned 1:1 with the columns. [EncodeTable] writes the table name into
// the schema metadata, one Arrow field per column (with the column kind and
// maximum length in field metadata) and a single record batch with every row.
// [DecodeTable] rebuilds the column descriptors from the schema before it
// rebuilds any row.
//
// Binary columns never carry raw bytes: each cell is written as standard
// base64 text and decoded back on read. Null cells use the Arrow validity
// bitmap, so a null never comes back as an empty string or an empty slice,
// and a zero-length value never comes back as null.
//
// # Requests
//
// [ReportRequest], [ConnectionInfo] and [Parameters] implement MarshalIPC /
// UnmarshalIPC and travel as embedded IPC streams. The option structs
// ([ViewerOptions], [ExportOptions], [PrintOptions], [ModalResult],
// [SurfaceGeometry]) declare their Arrow schema via ArrowSchema and are
// mapped field by field through `arrow` struct tags.
//
// Every decode failure wraps [ErrMalformedPayload].
package codec
