// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package codec

import "github.com/apache/arrow-go/v18/arrow"

// WindowState describes how a viewer surface is shown.
type WindowState string

const (
	WindowNormal    WindowState = "normal"
	WindowMaximized WindowState = "maximized"
	WindowMinimized WindowState = "minimized"
)

// SurfaceGeometry is the on-screen placement of a viewer surface.
type SurfaceGeometry struct {
	X      int64       `arrow:"x"`
	Y      int64       `arrow:"y"`
	Width  int64       `arrow:"width"`
	Height int64       `arrow:"height"`
	State  WindowState `arrow:"state"`
}

var geometryFields = []arrow.Field{
	{Name: "x", Type: arrow.PrimitiveTypes.Int64},
	{Name: "y", Type: arrow.PrimitiveTypes.Int64},
	{Name: "width", Type: arrow.PrimitiveTypes.Int64},
	{Name: "height", Type: arrow.PrimitiveTypes.Int64},
	{Name: "state", Type: arrow.BinaryTypes.String},
}

func (SurfaceGeometry) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema(geometryFields, nil)
}

// ViewerOptions controls how the viewer presents a document.
type ViewerOptions struct {
	Title         string          `arrow:"title"`
	ShowToolbar   bool            `arrow:"show_toolbar"`
	ShowGroupTree bool            `arrow:"show_group_tree"`
	Zoom          int64           `arrow:"zoom"`
	Geometry      SurfaceGeometry `arrow:"geometry"`
}

func (ViewerOptions) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "title", Type: arrow.BinaryTypes.String},
		{Name: "show_toolbar", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "show_group_tree", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "zoom", Type: arrow.PrimitiveTypes.Int64},
		{Name: "geometry", Type: arrow.StructOf(geometryFields...)},
	}, nil)
}

// ExportDestination selects where exported bytes go.
type ExportDestination string

const (
	// ExportToFile writes the export to ExportOptions.Path inside the worker.
	ExportToFile ExportDestination = "file"
	// ExportToStream returns the exported bytes to the host through shared
	// memory.
	ExportToStream ExportDestination = "stream"
)

// ExportOptions controls a document export.
type ExportOptions struct {
	Format      string            `arrow:"format"`
	Destination ExportDestination `arrow:"destination"`
	Path        string            `arrow:"path"`
}

func (ExportOptions) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "format", Type: arrow.BinaryTypes.String},
		{Name: "destination", Type: arrow.BinaryTypes.String},
		{Name: "path", Type: arrow.BinaryTypes.String},
	}, nil)
}

// PrintOptions controls a print job.
type PrintOptions struct {
	PrinterName string `arrow:"printer_name"`
	Copies      int64  `arrow:"copies"`
	Collate     bool   `arrow:"collate"`
	FromPage    int64  `arrow:"from_page"`
	ToPage      int64  `arrow:"to_page"`
}

func (PrintOptions) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "printer_name", Type: arrow.BinaryTypes.String},
		{Name: "copies", Type: arrow.PrimitiveTypes.Int64},
		{Name: "collate", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "from_page", Type: arrow.PrimitiveTypes.Int64},
		{Name: "to_page", Type: arrow.PrimitiveTypes.Int64},
	}, nil)
}

// DialogResult is the outcome of a modal viewer.
type DialogResult string

const (
	DialogNone   DialogResult = "none"
	DialogOK     DialogResult = "ok"
	DialogCancel DialogResult = "cancel"
)

// ModalResult is returned when a modal viewer closes.
type ModalResult struct {
	Result   DialogResult    `arrow:"result"`
	Geometry SurfaceGeometry `arrow:"geometry"`
}

func (ModalResult) ArrowSchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "result", Type: arrow.BinaryTypes.String},
		{Name: "geometry", Type: arrow.StructOf(geometryFields...)},
	}, nil)
}
