// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStandaloneExitsWithUsageCode(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"--primary", "rb-x-p"},
		{"--callback", "rb-x-c", "--log-level", "DEBUG"},
	} {
		var stderr bytes.Buffer
		code := Execute(context.Background(), &fakeRenderer{}, args, &stderr)
		assert.Equal(t, ExitStandalone, code, args)
		assert.Contains(t, stderr.String(), "not meant to run standalone")
	}
}

func TestUnknownFlagFails(t *testing.T) {
	var stderr bytes.Buffer
	code := Execute(context.Background(), &fakeRenderer{}, []string{"--bogus"}, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "bogus")
}

func TestLogFileName(t *testing.T) {
	assert.Equal(t, "/var/log/rb/reportbridge-worker-42.log", LogFile("/var/log/rb", 42))
}
