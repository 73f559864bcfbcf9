// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/Query-farm/reportbridge/protocol"
)

// describeSchema is the layout of the __describe__ response: one row per
// registered operation.
var describeSchema = arrow.NewSchema([]arrow.Field{
	{Name: "name", Type: arrow.BinaryTypes.String},
	{Name: "has_return", Type: &arrow.BooleanType{}},
	{Name: "params_schema_ipc", Type: arrow.BinaryTypes.Binary},
	{Name: "result_schema_ipc", Type: arrow.BinaryTypes.Binary},
	{Name: "param_types_json", Type: arrow.BinaryTypes.String, Nullable: true},
}, nil)

// Describe metadata keys.
const (
	MetaProtocolName    = "reportbridge.protocol_name"
	MetaDescribeVersion = "reportbridge.describe_version"
	DescribeVersion     = "1"
)

// Description is the decoded __describe__ response.
type Description struct {
	ProtocolName    string
	ProtocolVersion string
	ServerID        string
	Operations      []OperationInfo
}

// OperationInfo describes one registered operation.
type OperationInfo struct {
	Name         protocol.Method
	HasReturn    bool
	ParamsSchema *arrow.Schema
	ResultSchema *arrow.Schema
	ParamTypes   map[string]string
}

// Methods returns the operation names.
func (d *Description) Methods() []protocol.Method {
	out := make([]protocol.Method, len(d.Operations))
	for i, op := range d.Operations {
		out[i] = op.Name
	}
	return out
}

// serializeSchema serializes an Arrow schema to IPC format bytes.
func serializeSchema(schema *arrow.Schema) []byte {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	_ = w.Close()
	return buf.Bytes()
}

func deserializeSchema(data []byte) *arrow.Schema {
	r, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	defer r.Release()
	return r.Schema()
}

// writeDescribe writes the __describe__ response stream.
func (s *Server) writeDescribe(w io.Writer, req *Request) error {
	batch, meta := s.buildDescribeBatch(req.RequestID)
	defer batch.Release()

	batchWithMeta := array.NewRecordBatchWithMetadata(describeSchema, batch.Columns(), batch.NumRows(), meta)
	defer batchWithMeta.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(describeSchema))
	if err := writer.Write(batchWithMeta); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// buildDescribeBatch builds the __describe__ response batch and metadata.
func (s *Server) buildDescribeBatch(requestID string) (arrow.RecordBatch, arrow.Metadata) {
	mem := memory.NewGoAllocator()
	names := s.Methods()

	nameBuilder := array.NewStringBuilder(mem)
	defer nameBuilder.Release()
	hasReturnBuilder := array.NewBooleanBuilder(mem)
	defer hasReturnBuilder.Release()
	paramsSchemaBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer paramsSchemaBuilder.Release()
	resultSchemaBuilder := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer resultSchemaBuilder.Release()
	paramTypesBuilder := array.NewStringBuilder(mem)
	defer paramTypesBuilder.Release()

	for _, name := range names {
		info, _ := s.lookup(name)

		nameBuilder.Append(string(name))
		hasReturnBuilder.Append(info.ResultType != nil)
		paramsSchemaBuilder.Append(serializeSchema(info.ParamsSchema))
		resultSchemaBuilder.Append(serializeSchema(info.ResultSchema))

		if info.ParamsSchema.NumFields() > 0 {
			paramTypes := make(map[string]string)
			for _, f := range info.ParamsSchema.Fields() {
				paramTypes[f.Name] = arrowTypeToString(f.Type)
			}
			ptJSON, err := json.Marshal(paramTypes)
			if err != nil {
				s.logger.Warn("failed to marshal param types", "method", name, "err", err)
				paramTypesBuilder.AppendNull()
			} else {
				paramTypesBuilder.Append(string(ptJSON))
			}
		} else {
			paramTypesBuilder.AppendNull()
		}
	}

	cols := []arrow.Array{
		nameBuilder.NewArray(),
		hasReturnBuilder.NewArray(),
		paramsSchemaBuilder.NewArray(),
		resultSchemaBuilder.NewArray(),
		paramTypesBuilder.NewArray(),
	}
	for _, c := range cols {
		defer c.Release()
	}

	batch := array.NewRecordBatch(describeSchema, cols, int64(len(names)))

	keys := []string{MetaProtocolName, MetaRequestVersion, MetaDescribeVersion}
	vals := []string{s.protocolName(), protocol.Version, DescribeVersion}
	if s.serverID != "" {
		keys = append(keys, MetaServerID)
		vals = append(vals, s.serverID)
	}
	if requestID != "" {
		keys = append(keys, MetaRequestID)
		vals = append(vals, requestID)
	}
	return batch, arrow.NewMetadata(keys, vals)
}

func (s *Server) protocolName() string {
	if s.serviceName != "" {
		return s.serviceName
	}
	return "reportbridge"
}

// parseDescription decodes a __describe__ result batch.
func parseDescription(batch arrow.RecordBatch, meta arrow.Metadata) (*Description, error) {
	if err := checkDescribeSchema(batch.Schema()); err != nil {
		return nil, err
	}
	d := &Description{}
	d.ProtocolName, _ = meta.GetValue(MetaProtocolName)
	d.ProtocolVersion, _ = meta.GetValue(MetaRequestVersion)
	d.ServerID, _ = meta.GetValue(MetaServerID)

	names := batch.Column(0).(*array.String)
	hasReturn := batch.Column(1).(*array.Boolean)
	params := batch.Column(2).(*array.Binary)
	results := batch.Column(3).(*array.Binary)
	types := batch.Column(4).(*array.String)

	for i := 0; i < int(batch.NumRows()); i++ {
		op := OperationInfo{
			Name:         protocol.Method(names.Value(i)),
			HasReturn:    hasReturn.Value(i),
			ParamsSchema: deserializeSchema(params.Value(i)),
			ResultSchema: deserializeSchema(results.Value(i)),
		}
		if !types.IsNull(i) {
			_ = json.Unmarshal([]byte(types.Value(i)), &op.ParamTypes)
		}
		d.Operations = append(d.Operations, op)
	}
	return d, nil
}

func checkDescribeSchema(got *arrow.Schema) error {
	if got.NumFields() != describeSchema.NumFields() {
		return malformedf("describe schema has %d fields, want %d", got.NumFields(), describeSchema.NumFields())
	}
	for i, f := range describeSchema.Fields() {
		if g := got.Field(i); g.Name != f.Name || !arrow.TypeEqual(g.Type, f.Type) {
			return malformedf("describe field %d is %s: %s", i, g.Name, g.Type)
		}
	}
	return nil
}

// arrowTypeToString returns a human-readable type name for an Arrow type.
func arrowTypeToString(dt arrow.DataType) string {
	switch dt.ID() {
	case arrow.STRING:
		return "string"
	case arrow.INT64:
		return "int"
	case arrow.FLOAT64:
		return "float"
	case arrow.BOOL:
		return "bool"
	case arrow.BINARY:
		return "bytes"
	default:
		return dt.String()
	}
}
