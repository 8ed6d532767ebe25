// Package vindex is the exact nearest-neighbour index over listing
// embeddings. An Index is immutable once built or loaded; rebuilds produce a
// new Index that is published through a Handle.
package vindex

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/WessleyAI/estate-rag/engine/domain"
)

// ErrInvalidK is returned for searches with k < 1.
var ErrInvalidK = errors.New("vindex: k must be >= 1")

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Tag identifies what produced the vectors in an index.
type Tag struct {
	Dim   int    `json:"dim"`
	Model string `json:"model"`
}

// Neighbor is one search hit. Distance is squared L2.
type Neighbor struct {
	ID       string  `json:"id"`
	Distance float64 `json:"distance"`
}

// Index stores vectors in a flat slice alongside the parallel id list.
type Index struct {
	tag  Tag
	ids  []string
	vecs []float32
}

// Options configures Build.
type Options struct {
	Concurrency int
	Model       string
	// Dim is the embedder's declared dimension, 0 when unknown. It is
	// recorded in the tag even when no listing is indexed, and vectors of
	// any other length are skipped.
	Dim    int
	Logger *slog.Logger
}

// BuildReport counts the outcome of a Build.
type BuildReport struct {
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
}

// Build embeds every listing and returns a new Index. Listings whose
// embedding fails, is empty, or has a different dimension than the first
// successful vector are skipped and counted. Insertion order follows the
// input order.
func Build(ctx context.Context, listings []domain.Listing, emb Embedder, opts Options) (*Index, BuildReport, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vecs := make([][]float32, len(listings))
	errs := make([]error, len(listings))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)
	for i := range listings {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := emb.Embed(gctx, listings[i].EmbeddingText())
			if err != nil {
				errs[i] = err
				return nil
			}
			vecs[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, BuildReport{}, fmt.Errorf("vindex: build: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, BuildReport{}, fmt.Errorf("vindex: build: %w", err)
	}

	ix := &Index{tag: Tag{Model: opts.Model, Dim: max(opts.Dim, 0)}}
	var rep BuildReport
	for i, v := range vecs {
		switch {
		case errs[i] != nil:
			logger.Warn("vindex: embedding failed, skipping", "id", listings[i].ID, "err", errs[i])
			rep.Skipped++
			continue
		case len(v) == 0:
			logger.Warn("vindex: empty embedding, skipping", "id", listings[i].ID)
			rep.Skipped++
			continue
		case ix.tag.Dim == 0:
			ix.tag.Dim = len(v)
		case len(v) != ix.tag.Dim:
			logger.Warn("vindex: dimension mismatch, skipping", "id", listings[i].ID, "want", ix.tag.Dim, "got", len(v))
			rep.Skipped++
			continue
		}
		ix.ids = append(ix.ids, listings[i].ID)
		ix.vecs = append(ix.vecs, v...)
		rep.Indexed++
	}

	if rep.Indexed == 0 && len(listings) > 0 {
		return nil, rep, fmt.Errorf("vindex: build: no embeddings produced for %d listings: %w", len(listings), domain.ErrRetrievalUnavailable)
	}
	logger.Info("vindex built", "indexed", rep.Indexed, "skipped", rep.Skipped, "dim", ix.tag.Dim, "model", ix.tag.Model)
	return ix, rep, nil
}

// FromVectors assembles an Index from parallel id and vector slices.
func FromVectors(tag Tag, ids []string, vectors [][]float32) (*Index, error) {
	if len(ids) != len(vectors) {
		return nil, &domain.IncompatibleIndexError{Field: "count", Want: fmt.Sprint(len(ids)), Got: fmt.Sprint(len(vectors))}
	}
	ix := &Index{tag: tag, ids: append([]string(nil), ids...), vecs: make([]float32, 0, len(ids)*tag.Dim)}
	for _, v := range vectors {
		if len(v) != tag.Dim {
			return nil, &domain.IncompatibleIndexError{Field: "dimension", Want: fmt.Sprint(tag.Dim), Got: fmt.Sprint(len(v))}
		}
		ix.vecs = append(ix.vecs, v...)
	}
	return ix, nil
}

func (ix *Index) Tag() Tag { return ix.tag }

func (ix *Index) Dim() int { return ix.tag.Dim }

func (ix *Index) Len() int { return len(ix.ids) }

// ID returns the id stored at position i.
func (ix *Index) ID(i int) string { return ix.ids[i] }

// Vector returns the vector stored at position i. The slice aliases index
// memory and must not be modified.
func (ix *Index) Vector(i int) []float32 {
	return ix.vecs[i*ix.tag.Dim : (i+1)*ix.tag.Dim]
}

// Search returns at most k neighbours ordered by ascending squared L2
// distance, ties broken by insertion order. An empty index has no
// neighbours for any query.
func (ix *Index) Search(query []float32, k int) ([]Neighbor, error) {
	if k < 1 {
		return nil, ErrInvalidK
	}
	if len(ix.ids) == 0 {
		return []Neighbor{}, nil
	}
	if len(query) != ix.tag.Dim {
		return nil, fmt.Errorf("vindex: search: %w", &domain.IncompatibleIndexError{
			Field: "dimension", Want: fmt.Sprint(ix.tag.Dim), Got: fmt.Sprint(len(query)),
		})
	}

	h := &worstFirst{}
	for i := range ix.ids {
		c := candidate{pos: i, dist: squaredL2(query, ix.Vector(i))}
		if h.Len() < k {
			heap.Push(h, c)
		} else if c.before((*h)[0]) {
			(*h)[0] = c
			heap.Fix(h, 0)
		}
	}

	out := make([]Neighbor, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		c := heap.Pop(h).(candidate)
		out[i] = Neighbor{ID: ix.ids[c.pos], Distance: c.dist}
	}
	return out, nil
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

type candidate struct {
	pos  int
	dist float64
}

// before reports whether c ranks ahead of o.
func (c candidate) before(o candidate) bool {
	if c.dist != o.dist {
		return c.dist < o.dist
	}
	return c.pos < o.pos
}

// worstFirst is a max-heap keeping the current k best with the worst on top.
type worstFirst []candidate

func (h worstFirst) Len() int           { return len(h) }
func (h worstFirst) Less(i, j int) bool { return h[j].before(h[i]) }
func (h worstFirst) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *worstFirst) Push(x any)        { *h = append(*h, x.(candidate)) }
func (h *worstFirst) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
