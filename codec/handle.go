// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package codec

import "strconv"

// WindowHandle is an opaque platform window handle. It is stored and
// transmitted as a 64-bit signed integer and never interpreted here.
type WindowHandle int64

// HandleFromUintptr wraps a native handle value.
func HandleFromUintptr(p uintptr) WindowHandle {
	return WindowHandle(int64(p))
}

// Uintptr converts the handle back to a native value at the platform boundary.
func (h WindowHandle) Uintptr() uintptr {
	return uintptr(h)
}

// Ptr returns a pointer to h, convenient for optional owner windows.
func (h WindowHandle) Ptr() *WindowHandle {
	return &h
}

func (h WindowHandle) String() string {
	return "0x" + strconv.FormatInt(int64(h), 16)
}
