// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpc

// Well-known metadata keys used on the wire. These appear as custom_metadata
// on Arrow IPC RecordBatch messages.
const (
	MetaMethod         = "reportbridge.method"
	MetaRequestVersion = "reportbridge.request_version"
	MetaRequestID      = "reportbridge.request_id"
	MetaLogLevel       = "reportbridge.log_level"
	MetaLogMessage     = "reportbridge.log_message"
	MetaLogExtra       = "reportbridge.log_extra"
	MetaServerID       = "reportbridge.server_id"
)
