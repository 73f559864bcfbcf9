// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperationSetsAreDisjoint(t *testing.T) {
	for _, m := range PrimaryOperations {
		assert.True(t, m.IsPrimary(), m)
		assert.False(t, m.IsCallback(), m)
	}
	for _, m := range CallbackOperations {
		assert.True(t, m.IsCallback(), m)
		assert.False(t, m.IsPrimary(), m)
	}
	assert.False(t, MethodDescribe.IsPrimary())
	assert.False(t, MethodDescribe.IsCallback())
}

func TestMissing(t *testing.T) {
	assert.Empty(t, Missing(PrimaryOperations, PrimaryOperations))
	assert.Equal(t, []Method{MethodPrint},
		Missing(PrimaryOperations, []Method{MethodExport, MethodRenderOrDisplay, MethodRenderOrDisplayModal}))
}
