package vindex

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/WessleyAI/estate-rag/engine/domain"
)

// ErrNoIndex is returned by Handle.Search before any index is published.
var ErrNoIndex = errors.New("vindex: no index loaded")

// Handle owns the currently served Index. Readers load the pointer once per
// search; rebuilds publish a new Index with Swap and never mutate the old one.
type Handle struct {
	p atomic.Pointer[Index]
}

// NewHandle returns a Handle serving ix, which may be nil.
func NewHandle(ix *Index) *Handle {
	h := &Handle{}
	if ix != nil {
		h.p.Store(ix)
	}
	return h
}

// Current returns the served Index or nil.
func (h *Handle) Current() *Index { return h.p.Load() }

// Swap publishes ix and returns the previously served Index.
func (h *Handle) Swap(ix *Index) *Index { return h.p.Swap(ix) }

// Loaded reports whether an index is being served.
func (h *Handle) Loaded() bool { return h.p.Load() != nil }

// Search runs a search against the current Index. Without an index the
// error matches both ErrNoIndex and domain.ErrRetrievalUnavailable.
func (h *Handle) Search(ctx context.Context, query []float32, k int) ([]Neighbor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ix := h.p.Load()
	if ix == nil {
		return nil, fmt.Errorf("%w: %w", ErrNoIndex, domain.ErrRetrievalUnavailable)
	}
	return ix.Search(query, k)
}
