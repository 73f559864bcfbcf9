// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedPayload is returned when a byte stream is not a well-formed
	// encoding of the expected shape.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrInvalidTable is returned when a table cannot be encoded because its
	// rows do not match its columns.
	ErrInvalidTable = errors.New("invalid table")

	// ErrUnsupportedValue is returned for parameter or cell values that have no
	// encoding.
	ErrUnsupportedValue = errors.New("unsupported value")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}
