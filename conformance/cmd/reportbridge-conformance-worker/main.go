// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Command reportbridge-conformance-worker is a worker backed by the scripted
// conformance renderer. It records to $REPORTBRIDGE_RECORD_FILE when set.
package main

import (
	"os"

	"github.com/Query-farm/reportbridge/conformance"
	"github.com/Query-farm/reportbridge/worker"
)

func main() {
	worker.Main(conformance.NewRenderer(os.Getenv(conformance.RecordFileEnv)))
}
