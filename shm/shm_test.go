// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package shm

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func segmentName() string { return "rb-test-" + uuid.NewString() }

func TestSegmentRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("%PDF-1.7 report body\x00\x01"), 4096)

	for _, compress := range []bool{false, true} {
		t.Run(map[bool]string{false: "raw", true: "zstd"}[compress], func(t *testing.T) {
			name := segmentName()
			w, err := Create(name, compress)
			require.NoError(t, err)
			n, err := w.ReadFrom(bytes.NewReader(payload))
			require.NoError(t, err)
			assert.Equal(t, int64(len(payload)), n)
			assert.Equal(t, int64(len(payload)), w.Written())
			require.NoError(t, w.Close())
			require.NoError(t, w.Close())

			r, err := Open(name)
			require.NoError(t, err)
			assert.Equal(t, compress, r.Compressed())
			if compress {
				assert.Less(t, r.Size(), len(payload))
			}
			got, err := io.ReadAll(r)
			require.NoError(t, err)
			assert.Equal(t, payload, got)

			require.NoError(t, r.Close())
			require.NoError(t, r.Close())
			path, _ := Path(name)
			_, err = os.Stat(path)
			assert.True(t, os.IsNotExist(err), "segment should be removed after Close")
		})
	}
}

func TestEmptySegment(t *testing.T) {
	name := segmentName()
	w, err := Create(name, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := Open(name)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCreateRejectsExistingName(t *testing.T) {
	name := segmentName()
	w, err := Create(name, false)
	require.NoError(t, err)
	defer w.Abort()

	_, err = Create(name, false)
	assert.Error(t, err)
}

func TestAbortRemovesSegment(t *testing.T) {
	name := segmentName()
	w, err := Create(name, true)
	require.NoError(t, err)
	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	_, err = Open(name)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestInvalidNames(t *testing.T) {
	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := Create(name, false)
		assert.ErrorIs(t, err, ErrInvalidName, name)
		_, err = Open(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestDirIsUsable(t *testing.T) {
	dir := Dir()
	assert.True(t, dir == "/dev/shm" || strings.HasPrefix(dir, os.TempDir()))
}
