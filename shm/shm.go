// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

// Package shm moves bulk export bytes from the worker to the host through a
// named memory segment instead of the call channel.
//
// The worker creates a segment with [Create], writes the exported document
// and returns the segment name in the call result. The host maps it with
// [Open]; closing the reader unmaps and removes the segment. Segments live
// under /dev/shm when it exists and in the OS temp directory otherwise.
// Compressed segments hold a single zstd stream and are detected by its
// magic number, so readers need not know how the segment was written.
package shm

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ErrInvalidName is returned for names that are empty or contain a path
// separator.
var ErrInvalidName = errors.New("invalid segment name")

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// Dir returns the directory segments are created in.
func Dir() string {
	if fi, err := os.Stat("/dev/shm"); err == nil && fi.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Path returns the file backing a segment name.
func Path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(Dir(), name), nil
}

// Writer fills a new segment.
type Writer struct {
	name   string
	path   string
	f      *os.File
	w      io.Writer
	enc    *zstd.Encoder
	raw    int64
	closed bool
}

// Create makes a new segment. It fails if the name is already in use.
func Create(name string, compress bool) (*Writer, error) {
	path, err := Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating segment %s: %w", name, err)
	}
	w := &Writer{name: name, path: path, f: f, w: f}
	if compress {
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			_ = f.Close()
			_ = os.Remove(path)
			return nil, fmt.Errorf("creating segment %s: %w", name, err)
		}
		w.enc = enc
		w.w = enc
	}
	return w, nil
}

// Name returns the segment name.
func (w *Writer) Name() string { return w.name }

// Written returns the number of uncompressed bytes written.
func (w *Writer) Written() int64 { return w.raw }

func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.w.Write(p)
	w.raw += int64(n)
	return n, err
}

// ReadFrom copies r into the segment.
func (w *Writer) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(struct{ io.Writer }{w}, r)
}

// Close flushes the segment and leaves it in place for the reader.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var errs []error
	if w.enc != nil {
		errs = append(errs, w.enc.Close())
	}
	errs = append(errs, w.f.Close())
	return errors.Join(errs...)
}

// Abort closes and removes the segment.
func (w *Writer) Abort() error {
	return errors.Join(w.Close(), os.Remove(w.path))
}

// Reader reads a mapped segment.
type Reader struct {
	path  string
	data  []byte
	unmap func() error
	r     io.Reader
	dec   *zstd.Decoder
	once  sync.Once
}

// Open maps an existing segment for reading.
func Open(name string) (*Reader, error) {
	path, err := Path(name)
	if err != nil {
		return nil, err
	}
	data, unmap, err := mapFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening segment %s: %w", name, err)
	}
	r := &Reader{path: path, data: data, unmap: unmap, r: bytes.NewReader(data)}
	if bytes.HasPrefix(data, zstdMagic) {
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			_ = unmap()
			return nil, fmt.Errorf("opening segment %s: %w", name, err)
		}
		r.dec = dec
		r.r = dec
	}
	return r, nil
}

// Compressed reports whether the segment holds a zstd stream.
func (r *Reader) Compressed() bool { return r.dec != nil }

// Size returns the stored size of the segment.
func (r *Reader) Size() int { return len(r.data) }

func (r *Reader) Read(p []byte) (int, error) { return r.r.Read(p) }

// Close unmaps and removes the segment. It is idempotent.
func (r *Reader) Close() error {
	var err error
	r.once.Do(func() {
		if r.dec != nil {
			r.dec.Close()
		}
		err = errors.Join(r.unmap(), os.Remove(r.path))
	})
	return err
}
