// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"io"

	"github.com/Query-farm/reportbridge/codec"
)

// Document is a report built by the Renderer and ready to be shown, exported
// or printed.
type Document interface {
	Close() error
}

// SurfaceObserver receives lifecycle notifications for a viewer surface. Its
// methods never block; notifications are delivered to the host
// asynchronously.
type SurfaceObserver interface {
	Loaded()
	Closed(geometry codec.SurfaceGeometry)
}

// Renderer is the rendering engine the worker drives. Every method is called
// on the worker's UI thread, one call at a time. Errors may implement
// FaultKind() string and FaultSubKind() string to control how they are
// reported to the host.
type Renderer interface {
	// BuildDocument loads the report, applies parameters and data sources and
	// connects it to its database.
	BuildDocument(ctx context.Context, req *codec.ReportRequest) (Document, error)
	// Present shows doc in a non-modal viewer and returns once it is shown.
	// The renderer calls obs.Closed when the viewer closes; the document is
	// closed after that.
	Present(ctx context.Context, doc Document, opts codec.ViewerOptions, owner *codec.WindowHandle, obs SurfaceObserver) error
	// PresentModal shows doc in a modal viewer and returns when it closes.
	PresentModal(ctx context.Context, doc Document, opts codec.ViewerOptions, owner codec.WindowHandle, obs SurfaceObserver) (codec.ModalResult, error)
	ExportToFile(ctx context.Context, doc Document, opts codec.ExportOptions) error
	// ExportToStream returns the exported bytes. A returned io.Closer is
	// closed once the bytes are consumed.
	ExportToStream(ctx context.Context, doc Document, opts codec.ExportOptions) (io.Reader, error)
	Print(ctx context.Context, doc Document, opts codec.PrintOptions) error
}
