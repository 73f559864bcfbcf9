// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Query-farm/reportbridge/codec"
	"github.com/Query-farm/reportbridge/worker"
)

// Renderer is the scripted renderer. The zero value records nothing.
type Renderer struct {
	rec *recorder
}

// NewRenderer returns a renderer that appends its records to path. An empty
// path disables recording.
func NewRenderer(path string) *Renderer {
	return &Renderer{rec: newRecorder(path)}
}

// document is the renderer's Document.
type document struct {
	req    *codec.ReportRequest
	script script
	rec    *recorder
}

func (d *document) Close() error {
	return d.rec.append(Record{Op: OpDocClose, ReportRef: d.req.ReportRef, CorrelationID: d.req.CorrelationID})
}

func (d *document) record(r Record) error {
	r.ReportRef = d.req.ReportRef
	r.CorrelationID = d.req.CorrelationID
	return d.rec.append(r)
}

func (r *Renderer) BuildDocument(ctx context.Context, req *codec.ReportRequest) (worker.Document, error) {
	s, err := parseScript(req.ReportRef)
	if err != nil {
		return nil, err
	}
	params, err := req.Parameters.MarshalIPC()
	if err != nil {
		return nil, err
	}
	err = r.rec.append(Record{
		Op:            OpBuild,
		ReportRef:     req.ReportRef,
		CorrelationID: req.CorrelationID,
		Parameters:    params,
		Datasets:      len(req.Datasets),
		Connection:    req.Connection,
	})
	if err != nil {
		return nil, err
	}

	switch s.scenario {
	case scenarioHang:
		select {}
	case scenarioSlow:
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	case scenarioFail:
		return nil, &ScriptedError{Kind: s.kind, SubKind: s.subKind, Ref: req.ReportRef}
	case scenarioPanic:
		panic(s.message)
	}
	return &document{req: req, script: s, rec: r.rec}, nil
}

func (r *Renderer) Present(_ context.Context, doc worker.Document, opts codec.ViewerOptions, owner *codec.WindowHandle, obs worker.SurfaceObserver) error {
	d := doc.(*document)
	if err := d.record(Record{Op: OpPresent, Viewer: &opts, Owner: owner}); err != nil {
		return err
	}
	obs.Loaded()
	if d.script.scenario != scenarioKeepOpen {
		go obs.Closed(opts.Geometry)
	}
	return nil
}

func (r *Renderer) PresentModal(_ context.Context, doc worker.Document, opts codec.ViewerOptions, owner codec.WindowHandle, obs worker.SurfaceObserver) (codec.ModalResult, error) {
	d := doc.(*document)
	if err := d.record(Record{Op: OpPresentModal, Viewer: &opts, Owner: &owner}); err != nil {
		return codec.ModalResult{}, err
	}
	obs.Loaded()
	obs.Closed(opts.Geometry)
	return codec.ModalResult{Result: codec.DialogOK, Geometry: opts.Geometry}, nil
}

func (r *Renderer) ExportToFile(_ context.Context, doc worker.Document, opts codec.ExportOptions) error {
	d := doc.(*document)
	if err := d.record(Record{Op: OpExportFile, Export: &opts}); err != nil {
		return err
	}
	return os.WriteFile(opts.Path, Render(d.req, opts.Format), 0o644)
}

func (r *Renderer) ExportToStream(_ context.Context, doc worker.Document, opts codec.ExportOptions) (io.Reader, error) {
	d := doc.(*document)
	if err := d.record(Record{Op: OpExportStream, Export: &opts}); err != nil {
		return nil, err
	}
	return bytes.NewReader(Render(d.req, opts.Format)), nil
}

func (r *Renderer) Print(_ context.Context, doc worker.Document, opts codec.PrintOptions) error {
	d := doc.(*document)
	return d.record(Record{Op: OpPrint, Print: &opts})
}

// Render returns the deterministic export the renderer produces for req, so
// callers can compare exported bytes.
func Render(req *codec.ReportRequest, format string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "format %s\nreport %s\ntitle %s\n", format, req.ReportRef, req.Title)
	for _, name := range req.Parameters.Names() {
		fmt.Fprintf(&b, "param %s = %v\n", name, req.Parameters[name])
	}
	for _, ds := range req.Datasets {
		for _, t := range ds.Tables {
			fmt.Fprintf(&b, "table %s.%s rows %d\n", ds.Name, t.Name, len(t.Rows))
		}
	}
	return b.Bytes()
}
