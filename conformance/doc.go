// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package conformance provides a scriptable [worker.Renderer] used to test
// reportbridge hosts end to end without a real rendering engine.
//
// The renderer's behaviour is chosen by the request's ReportRef:
//
//	hang:<anything>           BuildDocument never returns
//	slow:<duration>           BuildDocument sleeps, honouring cancellation
//	fail:<kind>[:<sub-kind>]  BuildDocument fails with that fault kind
//	panic:<message>           BuildDocument panics
//	open:<anything>           the non-modal viewer stays open
//	anything else             succeed; viewers close right after loading
//
// Every call is appended to a JSON-lines record file so the test driving the
// host can inspect what the worker observed. [ReadRecords] reads it back.
//
// [worker.Renderer]: github.com/Query-farm/reportbridge/worker.Renderer
package conformance
