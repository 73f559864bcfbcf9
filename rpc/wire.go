// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/protocol"
)

// Request represents a parsed request from the wire.
type Request struct {
	Method    protocol.Method
	Version   string
	RequestID string
	LogLevel  string
	Batch     arrow.RecordBatch
	Metadata  map[string]string
}

// batchMetadata returns the custom metadata of a batch, if any.
func batchMetadata(batch arrow.RecordBatch) arrow.Metadata {
	if rb, ok := batch.(arrow.RecordBatchWithMetadata); ok {
		return rb.Metadata()
	}
	return arrow.Metadata{}
}

// ReadRequest reads one complete IPC stream from the reader and extracts the
// operation name, protocol version and parameter batch. Protocol violations
// are returned as *RemoteFault; any other error is a transport error.
func ReadRequest(r io.Reader) (*Request, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		if isTransportClosed(err) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading request IPC stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return nil, fmt.Errorf("reading request batch: %w", err)
		}
		return nil, io.EOF
	}

	batch := reader.RecordBatch()
	batch.Retain()
	meta := batchMetadata(batch)

	// Drain remaining batches (read to EOS) so the next request starts clean.
	for reader.Next() {
	}

	method, ok := meta.GetValue(MetaMethod)
	if !ok {
		batch.Release()
		return nil, &RemoteFault{
			Kind:    FaultProtocol,
			Message: fmt.Sprintf("missing %q in request batch custom_metadata", MetaMethod),
		}
	}

	requestID, _ := meta.GetValue(MetaRequestID)

	version, ok := meta.GetValue(MetaRequestVersion)
	if !ok {
		batch.Release()
		return nil, &RemoteFault{
			Kind:      FaultVersion,
			Message:   fmt.Sprintf("missing %q in request batch custom_metadata", MetaRequestVersion),
			RequestID: requestID,
		}
	}
	if version != protocol.Version {
		batch.Release()
		return nil, &RemoteFault{
			Kind:      FaultVersion,
			Message:   fmt.Sprintf("unsupported request version %q, expected %q", version, protocol.Version),
			RequestID: requestID,
		}
	}

	if batch.Schema().NumFields() > 0 && batch.NumRows() != 1 {
		batch.Release()
		return nil, &RemoteFault{
			Kind:      FaultProtocol,
			Message:   fmt.Sprintf("expected 1 row in request batch, got %d", batch.NumRows()),
			RequestID: requestID,
		}
	}

	logLevel, _ := meta.GetValue(MetaLogLevel)

	metaMap := make(map[string]string, meta.Len())
	for i := range meta.Len() {
		metaMap[meta.Keys()[i]] = meta.Values()[i]
	}

	return &Request{
		Method:    protocol.Method(method),
		Version:   version,
		RequestID: requestID,
		LogLevel:  logLevel,
		Batch:     batch,
		Metadata:  metaMap,
	}, nil
}

// WriteRequest writes one request as a complete IPC stream: schema, a single
// parameter batch carrying the request metadata, EOS.
func WriteRequest(w io.Writer, method protocol.Method, requestID string, logLevel LogLevel, params arrow.RecordBatch) error {
	meta := arrow.NewMetadata(
		[]string{MetaMethod, MetaRequestVersion, MetaRequestID, MetaLogLevel},
		[]string{string(method), protocol.Version, requestID, string(logLevel)},
	)
	schema := params.Schema()
	batchWithMeta := array.NewRecordBatchWithMetadata(schema, params.Columns(), params.NumRows(), meta)
	defer batchWithMeta.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	if err := writer.Write(batchWithMeta); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// emptyBatch creates a zero-row batch with the given schema.
func emptyBatch(schema *arrow.Schema) arrow.RecordBatch {
	mem := memory.NewGoAllocator()
	cols := make([]arrow.Array, schema.NumFields())
	for i, f := range schema.Fields() {
		cols[i] = makeEmptyArray(mem, f.Type)
	}
	batch := array.NewRecordBatch(schema, cols, 0)
	for _, c := range cols {
		c.Release()
	}
	return batch
}

// makeEmptyArray creates a zero-length array of the given type.
func makeEmptyArray(mem memory.Allocator, dt arrow.DataType) arrow.Array {
	builder := array.NewBuilder(mem, dt)
	defer builder.Release()
	return builder.NewArray()
}

// writeMetaBatch writes a zero-row batch that carries only metadata.
func writeMetaBatch(w *ipc.Writer, schema *arrow.Schema, keys, vals []string, serverID, requestID string) error {
	if serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}

	batch := emptyBatch(schema)
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(schema, batch.Columns(), 0, arrow.NewMetadata(keys, vals))
	defer batchWithMeta.Release()

	return w.Write(batchWithMeta)
}

// writeLogBatch writes a zero-row batch with log metadata.
func writeLogBatch(w *ipc.Writer, schema *arrow.Schema, msg LogMessage, serverID, requestID string) error {
	keys := []string{MetaLogLevel, MetaLogMessage}
	vals := []string{string(msg.Level), msg.Message}

	if len(msg.Extras) > 0 {
		extraJSON, err := json.Marshal(msg.Extras)
		if err != nil {
			extraJSON = []byte(`{}`)
		}
		keys = append(keys, MetaLogExtra)
		vals = append(vals, string(extraJSON))
	}
	return writeMetaBatch(w, schema, keys, vals, serverID, requestID)
}

// writeFaultBatch writes a zero-row batch with EXCEPTION-level metadata.
func writeFaultBatch(w *ipc.Writer, schema *arrow.Schema, f *RemoteFault, debug bool, serverID, requestID string) error {
	keys := []string{MetaLogLevel, MetaLogMessage, MetaLogExtra}
	vals := []string{string(LogException), f.Message, buildFaultExtra(f, debug)}
	return writeMetaBatch(w, schema, keys, vals, serverID, requestID)
}

// WriteUnaryResponse writes a complete IPC stream containing log batches followed
// by a result batch. The stream is: schema + log batches + result batch + EOS.
func WriteUnaryResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage,
	result arrow.RecordBatch, serverID, requestID string) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, logMsg := range logs {
		if err := writeLogBatch(writer, schema, logMsg, serverID, requestID); err != nil {
			_ = writer.Close()
			return fmt.Errorf("writing log batch: %w", err)
		}
	}
	if err := writer.Write(result); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// WriteFaultResponse writes a complete IPC stream containing log batches
// followed by one fault batch.
func WriteFaultResponse(w io.Writer, schema *arrow.Schema, logs []LogMessage, f *RemoteFault,
	debug bool, serverID, requestID string) error {

	writer := ipc.NewWriter(w, ipc.WithSchema(schema))
	for _, logMsg := range logs {
		if err := writeLogBatch(writer, schema, logMsg, serverID, requestID); err != nil {
			_ = writer.Close()
			return fmt.Errorf("writing log batch: %w", err)
		}
	}
	if err := writeFaultBatch(writer, schema, f, debug, serverID, requestID); err != nil {
		_ = writer.Close()
		return fmt.Errorf("writing fault batch: %w", err)
	}
	return writer.Close()
}

// WriteVoidResponse writes a complete IPC stream with logs and a zero-row empty-schema response.
func WriteVoidResponse(w io.Writer, logs []LogMessage, serverID, requestID string) error {
	schema := arrow.NewSchema(nil, nil)
	batch := emptyBatch(schema)
	defer batch.Release()

	return WriteUnaryResponse(w, schema, logs, batch, serverID, requestID)
}

// response is one decoded response stream.
type response struct {
	// result is the first data batch, nil for faults. The caller releases it.
	result arrow.RecordBatch
	meta   arrow.Metadata
	logs   []LogMessage
	fault  *RemoteFault
}

// errStreamCorrupt marks a response whose framing could not be read. The
// channel cannot be reused after it.
var errStreamCorrupt = errors.New("corrupt response stream")

// readResponse reads one response stream to EOS. Transport failures are
// returned as ErrChannelClosed; framing failures wrap both
// codec.ErrMalformedPayload and errStreamCorrupt.
func readResponse(r io.Reader) (resp *response, err error) {
	defer func() {
		if rv := recover(); rv != nil {
			resp = nil
			err = fmt.Errorf("%w: %w: %v", errStreamCorrupt, codec.ErrMalformedPayload, rv)
		}
	}()

	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, classifyReadError(err)
	}
	defer reader.Release()

	resp = &response{}
	for reader.Next() {
		batch := reader.RecordBatch()
		meta := batchMetadata(batch)
		if level, ok := meta.GetValue(MetaLogLevel); ok {
			msg, _ := meta.GetValue(MetaLogMessage)
			extra, _ := meta.GetValue(MetaLogExtra)
			requestID, _ := meta.GetValue(MetaRequestID)
			if LogLevel(level) == LogException {
				resp.fault = parseFaultExtra(msg, extra, requestID)
				continue
			}
			lm := LogMessage{Level: LogLevel(level), Message: msg}
			if extra != "" {
				_ = json.Unmarshal([]byte(extra), &lm.Extras)
			}
			resp.logs = append(resp.logs, lm)
			continue
		}
		if resp.result == nil {
			batch.Retain()
			resp.result = batch
			resp.meta = meta
		}
	}
	if err := reader.Err(); err != nil {
		if resp.result != nil {
			resp.result.Release()
		}
		return nil, classifyReadError(err)
	}
	return resp, nil
}

func classifyReadError(err error) error {
	if isTransportClosed(err) {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return fmt.Errorf("%w: %w: %v", errStreamCorrupt, codec.ErrMalformedPayload, err)
}
