// Package embed defines the text embedding capability and a local
// feature-hashing implementation that needs no model server.
package embed

import (
	"context"
	"errors"
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Embedder maps text to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
	Name() string
}

// ErrEmptyText is returned when there is nothing to embed.
var ErrEmptyText = errors.New("embed: empty text")

// DefaultHashDim is the dimension used by NewHash when dim <= 0.
const DefaultHashDim = 256

var tokenRe = regexp.MustCompile(`[\p{L}\p{N}]+`)

// Hash is a deterministic feature-hashing embedder over word unigrams and
// bigrams. Vectors are L2-normalised, so squared L2 distance is a monotone
// function of cosine similarity.
type Hash struct {
	dim int
}

// NewHash creates a Hash embedder with the given dimension.
func NewHash(dim int) *Hash {
	if dim <= 0 {
		dim = DefaultHashDim
	}
	return &Hash{dim: dim}
}

func (h *Hash) Dimension() int { return h.dim }

func (h *Hash) Name() string { return "hash-v1" }

// Embed implements Embedder.
func (h *Hash) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens := tokenRe.FindAllString(strings.ToLower(text), -1)
	if len(tokens) == 0 {
		return nil, ErrEmptyText
	}

	vec := make([]float32, h.dim)
	add := func(feature string, weight float32) {
		sum := xxhash.Sum64String(feature)
		idx := sum % uint64(h.dim)
		if sum>>63 == 1 {
			weight = -weight
		}
		vec[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec, nil
}
