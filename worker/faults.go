// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"errors"

	"github.com/Query-farm/reportbridge/rpc"
)

// FaultRenderError is the fault kind for renderer errors that do not
// classify themselves.
const FaultRenderError = "RenderError"

// ErrUnsupportedDestination is returned for an export destination the worker
// does not know.
var ErrUnsupportedDestination = errors.New("unsupported export destination")

// mapFault converts a renderer error into the fault sent to the host.
func mapFault(err error) *rpc.RemoteFault {
	return rpc.FaultFromError(err, FaultRenderError)
}
