// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"sync"

	"github.com/Query-farm/reportbridge/codec"
)

// Surface is a non-modal viewer opened by RenderOrDisplay. Its channels are
// resolved by the worker's notifications for CorrelationID; they may fire
// before RenderOrDisplay returns.
type Surface struct {
	CorrelationID string

	loaded     chan struct{}
	closed     chan codec.SurfaceGeometry
	loadOnce   sync.Once
	closedOnce sync.Once
}

func newSurface(id string) *Surface {
	return &Surface{
		CorrelationID: id,
		loaded:        make(chan struct{}),
		closed:        make(chan codec.SurfaceGeometry, 1),
	}
}

// Loaded is closed once the worker reports the surface loaded.
func (s *Surface) Loaded() <-chan struct{} { return s.loaded }

// Closed receives the surface's final geometry when it closes, and is then
// closed. It is closed without a value if the session ends first.
func (s *Surface) Closed() <-chan codec.SurfaceGeometry { return s.closed }

func (s *Surface) markLoaded() {
	s.loadOnce.Do(func() { close(s.loaded) })
}

func (s *Surface) markClosed(g codec.SurfaceGeometry) {
	s.closedOnce.Do(func() {
		s.closed <- g
		close(s.closed)
	})
}

func (s *Surface) abandon() {
	s.closedOnce.Do(func() { close(s.closed) })
}
