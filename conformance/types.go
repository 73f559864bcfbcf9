// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package conformance

import (
	"fmt"
	"strings"
	"time"

	"github.com/Query-farm/reportbridge/codec"
)

// Op names a renderer call in the record file.
type Op string

const (
	OpBuild        Op = "build"
	OpPresent      Op = "present"
	OpPresentModal Op = "present_modal"
	OpExportFile   Op = "export_file"
	OpExportStream Op = "export_stream"
	OpPrint        Op = "print"
	OpDocClose     Op = "doc_close"
)

// Record is one renderer call.
type Record struct {
	Op            Op     `json:"op"`
	ReportRef     string `json:"report_ref"`
	CorrelationID string `json:"correlation_id"`
	// Parameters is the IPC encoding of the request parameters, set for
	// OpBuild.
	Parameters []byte               `json:"parameters,omitempty"`
	Datasets   int                  `json:"datasets,omitempty"`
	Connection *codec.ConnectionInfo `json:"connection,omitempty"`
	Viewer     *codec.ViewerOptions `json:"viewer,omitempty"`
	Owner      *codec.WindowHandle  `json:"owner,omitempty"`
	Export     *codec.ExportOptions `json:"export,omitempty"`
	Print      *codec.PrintOptions  `json:"print,omitempty"`
}

// DecodeParameters decodes the recorded parameters.
func (r Record) DecodeParameters() (codec.Parameters, error) {
	var p codec.Parameters
	if err := p.UnmarshalIPC(r.Parameters); err != nil {
		return nil, err
	}
	return p, nil
}

type scenario int

const (
	scenarioOK scenario = iota
	scenarioHang
	scenarioSlow
	scenarioFail
	scenarioPanic
	scenarioKeepOpen
)

type script struct {
	scenario scenario
	delay    time.Duration
	kind     string
	subKind  string
	message  string
}

func parseScript(ref string) (script, error) {
	prefix, rest, _ := strings.Cut(ref, ":")
	switch prefix {
	case "hang":
		return script{scenario: scenarioHang}, nil
	case "slow":
		d, err := time.ParseDuration(rest)
		if err != nil {
			return script{}, fmt.Errorf("bad slow duration %q: %w", rest, err)
		}
		return script{scenario: scenarioSlow, delay: d}, nil
	case "fail":
		kind, sub, _ := strings.Cut(rest, ":")
		if kind == "" {
			kind = "LoadError"
		}
		return script{scenario: scenarioFail, kind: kind, subKind: sub}, nil
	case "panic":
		return script{scenario: scenarioPanic, message: rest}, nil
	case "open":
		return script{scenario: scenarioKeepOpen}, nil
	}
	return script{scenario: scenarioOK}, nil
}

// ScriptedError is returned by BuildDocument for fail: references.
type ScriptedError struct {
	Kind    string
	SubKind string
	Ref     string
}

func (e *ScriptedError) Error() string {
	return fmt.Sprintf("report %q failed to load", e.Ref)
}

func (e *ScriptedError) FaultKind() string    { return e.Kind }
func (e *ScriptedError) FaultSubKind() string { return e.SubKind }
