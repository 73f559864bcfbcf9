// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
)

// ConnectionInfo describes the database the report reads from. The core only
// validates and carries it.
type ConnectionInfo struct {
	Server             string
	Database           string
	Username           string
	Password           *string
	IntegratedSecurity bool
}

var connectionSchema = arrow.NewSchema([]arrow.Field{
	{Name: "server", Type: arrow.BinaryTypes.String},
	{Name: "database", Type: arrow.BinaryTypes.String},
	{Name: "username", Type: arrow.BinaryTypes.String},
	{Name: "password", Type: arrow.BinaryTypes.String, Nullable: true},
	{Name: "integrated_security", Type: arrow.FixedWidthTypes.Boolean},
}, nil)

// MarshalIPC encodes the connection as a one-row IPC stream.
func (c *ConnectionInfo) MarshalIPC() ([]byte, error) {
	mem := memory.NewGoAllocator()
	cols := []arrow.Array{
		stringArray(mem, c.Server),
		stringArray(mem, c.Database),
		stringArray(mem, c.Username),
		optionalStringArray(mem, c.Password),
		boolArray(mem, c.IntegratedSecurity),
	}
	defer releaseAll(cols)
	return writeBatch(connectionSchema, cols, 1)
}

// UnmarshalIPC decodes a connection written by MarshalIPC.
func (c *ConnectionInfo) UnmarshalIPC(data []byte) error {
	batch, err := readBatch(data)
	if err != nil {
		return err
	}
	defer batch.Release()

	if err := checkSchema(batch.Schema(), connectionSchema); err != nil {
		return fmt.Errorf("connection: %w", err)
	}
	if batch.NumRows() != 1 {
		return malformed("connection has %d rows", batch.NumRows())
	}
	out := ConnectionInfo{
		Server:             batch.Column(0).(*array.String).Value(0),
		Database:           batch.Column(1).(*array.String).Value(0),
		Username:           batch.Column(2).(*array.String).Value(0),
		IntegratedSecurity: batch.Column(4).(*array.Boolean).Value(0),
	}
	if pw := batch.Column(3).(*array.String); !pw.IsNull(0) {
		v := pw.Value(0)
		out.Password = &v
	}
	*c = out
	return nil
}

// ReportRequest is everything the worker needs to build one document.
type ReportRequest struct {
	// ReportRef names the report file or resource to load.
	ReportRef  string
	Title      string
	Parameters Parameters
	Datasets   []*Dataset
	Connection *ConnectionInfo
	// CorrelationID is minted once per request and routes callback events.
	CorrelationID string
}

// NewReportRequest creates a request with a fresh correlation id.
func NewReportRequest(reportRef string) *ReportRequest {
	return &ReportRequest{
		ReportRef:     reportRef,
		Parameters:    Parameters{},
		CorrelationID: uuid.NewString(),
	}
}

var requestSchema = arrow.NewSchema([]arrow.Field{
	{Name: "report_ref", Type: arrow.BinaryTypes.String},
	{Name: "title", Type: arrow.BinaryTypes.String},
	{Name: "correlation_id", Type: arrow.BinaryTypes.String},
	{Name: "parameters", Type: arrow.BinaryTypes.Binary},
	{Name: "datasets", Type: arrow.ListOf(arrow.BinaryTypes.Binary)},
	{Name: "connection", Type: arrow.BinaryTypes.Binary, Nullable: true},
}, nil)

// MarshalIPC encodes the request as a one-row IPC stream. Parameters,
// datasets and the connection are embedded IPC streams.
func (r *ReportRequest) MarshalIPC() ([]byte, error) {
	mem := memory.NewGoAllocator()

	params, err := r.Parameters.MarshalIPC()
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", r.CorrelationID, err)
	}

	lb := array.NewListBuilder(mem, arrow.BinaryTypes.Binary)
	defer lb.Release()
	lb.Append(true)
	vb := lb.ValueBuilder().(*array.BinaryBuilder)
	for _, ds := range r.Datasets {
		data, err := EncodeDataset(ds)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", r.CorrelationID, err)
		}
		vb.Append(data)
	}

	cb := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer cb.Release()
	if r.Connection == nil {
		cb.AppendNull()
	} else {
		data, err := r.Connection.MarshalIPC()
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", r.CorrelationID, err)
		}
		cb.Append(data)
	}

	pb := array.NewBinaryBuilder(mem, arrow.BinaryTypes.Binary)
	defer pb.Release()
	pb.Append(params)

	cols := []arrow.Array{
		stringArray(mem, r.ReportRef),
		stringArray(mem, r.Title),
		stringArray(mem, r.CorrelationID),
		pb.NewArray(),
		lb.NewArray(),
		cb.NewArray(),
	}
	defer releaseAll(cols)
	return writeBatch(requestSchema, cols, 1)
}

// UnmarshalIPC decodes a request written by MarshalIPC.
func (r *ReportRequest) UnmarshalIPC(data []byte) error {
	batch, err := readBatch(data)
	if err != nil {
		return err
	}
	defer batch.Release()

	if err := checkSchema(batch.Schema(), requestSchema); err != nil {
		return fmt.Errorf("report request: %w", err)
	}
	if batch.NumRows() != 1 {
		return malformed("report request has %d rows", batch.NumRows())
	}

	out := ReportRequest{
		ReportRef:     batch.Column(0).(*array.String).Value(0),
		Title:         batch.Column(1).(*array.String).Value(0),
		CorrelationID: batch.Column(2).(*array.String).Value(0),
	}

	if err := out.Parameters.UnmarshalIPC(bytes.Clone(batch.Column(3).(*array.Binary).Value(0))); err != nil {
		return fmt.Errorf("request %s parameters: %w", out.CorrelationID, err)
	}

	list := batch.Column(4).(*array.List)
	if !list.IsNull(0) {
		start, end := list.ValueOffsets(0)
		values := list.ListValues().(*array.Binary)
		for j := start; j < end; j++ {
			ds, err := DecodeDataset(bytes.Clone(values.Value(int(j))))
			if err != nil {
				return fmt.Errorf("request %s dataset %d: %w", out.CorrelationID, j-start, err)
			}
			out.Datasets = append(out.Datasets, ds)
		}
	}

	if conn := batch.Column(5).(*array.Binary); !conn.IsNull(0) {
		out.Connection = &ConnectionInfo{}
		if err := out.Connection.UnmarshalIPC(bytes.Clone(conn.Value(0))); err != nil {
			return fmt.Errorf("request %s: %w", out.CorrelationID, err)
		}
	}

	*r = out
	return nil
}

func stringArray(mem memory.Allocator, v string) arrow.Array {
	b := array.NewStringBuilder(mem)
	defer b.Release()
	b.Append(v)
	return b.NewArray()
}

func optionalStringArray(mem memory.Allocator, v *string) arrow.Array {
	b := array.NewStringBuilder(mem)
	defer b.Release()
	if v == nil {
		b.AppendNull()
	} else {
		b.Append(*v)
	}
	return b.NewArray()
}

func boolArray(mem memory.Allocator, v bool) arrow.Array {
	b := array.NewBooleanBuilder(mem)
	defer b.Release()
	b.Append(v)
	return b.NewArray()
}
