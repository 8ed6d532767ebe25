// Package rag orchestrates the listings engine. It owns the record store,
// the served vector index and the executor, builds and restores the index,
// and runs the clarify → plan → execute → respond agent loop for each query.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/engine/executor"
	"github.com/WessleyAI/estate-rag/engine/planner"
	"github.com/WessleyAI/estate-rag/engine/records"
	"github.com/WessleyAI/estate-rag/engine/vindex"
	"github.com/WessleyAI/estate-rag/pkg/blob"
	"github.com/WessleyAI/estate-rag/pkg/embed"
	"github.com/WessleyAI/estate-rag/pkg/fn"
	"github.com/WessleyAI/estate-rag/pkg/metrics"
)

const tracerName = "github.com/WessleyAI/estate-rag/engine/rag"

// ErrNoBlobStore is returned by LoadIndex when the service has no blob store.
var ErrNoBlobStore = errors.New("rag: no blob store configured")

// restoreTimeout bounds a lazy restore. The restore runs detached from the
// query that triggered it.
const restoreTimeout = time.Minute

// Mirror receives every newly built index. *semantic.VectorStore implements it.
type Mirror interface {
	Mirror(ctx context.Context, ix *vindex.Index) error
}

// Options configures the Service.
type Options struct {
	DefaultK int
	Executor executor.Options
	// BuildConcurrency bounds parallel embedding calls during BuildIndex.
	BuildConcurrency int

	// Blobs, when set, receives the index artifact and the record snapshot
	// after every build and is the source for LoadIndex.
	Blobs       blob.Store
	IndexKey    string
	SnapshotKey string

	// Searcher overrides the in-process index as the vector backend.
	Searcher executor.Searcher
	Mirror   Mirror
	Planner  *planner.Planner

	// OnBuilt is called after a build has been published.
	OnBuilt func(context.Context, BuildSummary)

	Metrics *metrics.Engine
	Logger  *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DefaultK:         5,
		Executor:         executor.DefaultOptions(),
		BuildConcurrency: 4,
		IndexKey:         "index/listings.vidx",
		SnapshotKey:      "index/listings.json",
	}
}

// BuildSummary reports the outcome of BuildIndex or LoadIndex.
type BuildSummary struct {
	Indexed   int    `json:"indexed"`
	Skipped   int    `json:"skipped"`
	Stored    int    `json:"stored"`
	Dim       int    `json:"dim"`
	Model     string `json:"model"`
	Persisted bool   `json:"persisted"`
	Mirrored  bool   `json:"mirrored"`
}

// Snippet is one raw similarity search hit.
type Snippet struct {
	ListingID string  `json:"listing_id"`
	Distance  float64 `json:"distance"`
	Snippet   string  `json:"snippet"`
}

// Service is the engine entry point shared by every transport.
type Service struct {
	store    *records.Store
	handle   *vindex.Handle
	embedder embed.Embedder
	exec     *executor.Executor
	planner  *planner.Planner
	opts     Options
	metrics  *metrics.Engine
	logger   *slog.Logger

	buildMu sync.Mutex

	restoreMu sync.Mutex
	restored  bool
}

// snapshot is the persisted record store. Index is the xxhash of the index
// artifact it was written with; LoadIndex refuses a pair that does not match.
type snapshot struct {
	Index    uint64           `json:"index_xxhash"`
	Listings []domain.Listing `json:"listings"`
}

// New creates a Service over an empty record store and no served index.
func New(embedder embed.Embedder, opts Options) *Service {
	def := DefaultOptions()
	if opts.DefaultK <= 0 {
		opts.DefaultK = def.DefaultK
	}
	if opts.BuildConcurrency <= 0 {
		opts.BuildConcurrency = def.BuildConcurrency
	}
	if opts.IndexKey == "" {
		opts.IndexKey = def.IndexKey
	}
	if opts.SnapshotKey == "" {
		opts.SnapshotKey = def.SnapshotKey
	}
	if opts.Planner == nil {
		opts.Planner = planner.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewEngine(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		store:    records.New(logger),
		handle:   vindex.NewHandle(nil),
		embedder: embedder,
		planner:  opts.Planner,
		opts:     opts,
		metrics:  opts.Metrics,
		logger:   logger,
	}
	var searcher executor.Searcher = s.handle
	if opts.Searcher != nil {
		searcher = opts.Searcher
	}
	var emb vindex.Embedder
	if embedder != nil {
		emb = embedder
	}
	exOpts := opts.Executor
	exOpts.DefaultK = opts.DefaultK
	if exOpts.Logger == nil {
		exOpts.Logger = logger
	}
	s.exec = executor.New(s.store, emb, searcher, exOpts)
	return s
}

// Store exposes the record store for read-only lookups.
func (s *Service) Store() *records.Store { return s.store }

// Index returns the served index or nil.
func (s *Service) Index() *vindex.Index { return s.handle.Current() }

// BuildIndex replaces the record store and the served index with listings.
// Builds are serialised; queries keep using the previous index until the new
// one is published. Persisting and mirroring are best effort.
func (s *Service) BuildIndex(ctx context.Context, listings []domain.Listing) (BuildSummary, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rag.BuildIndex")
	defer span.End()

	if s.embedder == nil {
		return BuildSummary{}, fmt.Errorf("rag: build index: no embedder: %w", domain.ErrRetrievalUnavailable)
	}

	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	start := time.Now()
	valid := fn.Filter(listings, func(l domain.Listing) bool { return l.ID != "" })
	if len(listings) > 0 && len(valid) == 0 {
		return BuildSummary{}, fmt.Errorf("rag: build index: none of %d listings has an id: %w", len(listings), domain.ErrSchema)
	}
	invalid := len(listings) - len(valid)
	listings = fn.UniqueBy(valid, func(l domain.Listing) string { return l.ID })
	ix, report, err := vindex.Build(ctx, listings, s.embedder, vindex.Options{
		Concurrency: s.opts.BuildConcurrency,
		Model:       s.embedder.Name(),
		Dim:         s.embedder.Dimension(),
		Logger:      s.logger,
	})
	if err != nil {
		return BuildSummary{}, fmt.Errorf("rag: build index: %w", err)
	}

	stored := s.store.LoadListings(listings)
	s.handle.Swap(ix)

	sum := BuildSummary{
		Indexed: report.Indexed,
		Skipped: report.Skipped + invalid,
		Stored:  stored,
		Dim:     ix.Dim(),
		Model:   ix.Tag().Model,
	}
	s.metrics.Build(sum.Indexed, sum.Skipped, stored, time.Since(start))
	s.logger.Info("index built", "indexed", sum.Indexed, "skipped", sum.Skipped,
		"stored", stored, "dim", sum.Dim, "duration", time.Since(start))

	if s.opts.Blobs != nil {
		if err := s.persist(ctx, ix); err != nil {
			s.logger.Warn("rag: persist index failed", "err", err)
		} else {
			sum.Persisted = true
		}
	}
	if s.opts.Mirror != nil {
		if err := s.opts.Mirror.Mirror(ctx, ix); err != nil {
			s.logger.Warn("rag: mirror index failed", "err", err)
		} else {
			sum.Mirrored = true
		}
	}
	if s.opts.OnBuilt != nil {
		s.opts.OnBuilt(ctx, sum)
	}
	return sum, nil
}

// persist writes the index artifact, then the snapshot naming its checksum.
// The snapshot is the commit point: if its write fails the stored snapshot
// still names the previous artifact and LoadIndex rejects the pair.
func (s *Service) persist(ctx context.Context, ix *vindex.Index) error {
	artifact, err := ix.MarshalBinary()
	if err != nil {
		return fmt.Errorf("rag: persist: %w", err)
	}
	snap, err := json.Marshal(snapshot{Index: xxhash.Sum64(artifact), Listings: s.store.All()})
	if err != nil {
		return fmt.Errorf("rag: persist: snapshot: %w", err)
	}
	if err := s.opts.Blobs.Put(ctx, s.opts.IndexKey, artifact); err != nil {
		return fmt.Errorf("rag: persist: %w", err)
	}
	if err := s.opts.Blobs.Put(ctx, s.opts.SnapshotKey, snap); err != nil {
		return fmt.Errorf("rag: persist: snapshot: %w", err)
	}
	return nil
}

// LoadIndex restores the record snapshot and the index artifact from the blob
// store. The artifact must match the snapshot's checksum, the embedder's model
// and, when known, its dimension.
func (s *Service) LoadIndex(ctx context.Context) (BuildSummary, error) {
	if s.opts.Blobs == nil {
		return BuildSummary{}, ErrNoBlobStore
	}
	s.buildMu.Lock()
	defer s.buildMu.Unlock()

	raw, err := s.opts.Blobs.Get(ctx, s.opts.SnapshotKey)
	if err != nil {
		return BuildSummary{}, fmt.Errorf("rag: load index: snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return BuildSummary{}, fmt.Errorf("rag: load index: snapshot: %w", err)
	}
	artifact, err := s.opts.Blobs.Get(ctx, s.opts.IndexKey)
	if err != nil {
		return BuildSummary{}, fmt.Errorf("rag: load index: %w", err)
	}
	if sum := xxhash.Sum64(artifact); sum != snap.Index {
		return BuildSummary{}, fmt.Errorf("rag: load index: %w", &domain.IncompatibleIndexError{
			Field: "snapshot", Want: fmt.Sprintf("%016x", snap.Index), Got: fmt.Sprintf("%016x", sum),
		})
	}

	var expect vindex.Tag
	if s.embedder != nil {
		expect = vindex.Tag{Dim: s.embedder.Dimension(), Model: s.embedder.Name()}
	}
	ix, err := vindex.Load(bytes.NewReader(artifact), expect)
	if err != nil {
		return BuildSummary{}, fmt.Errorf("rag: load index: %w", err)
	}

	stored := s.store.LoadListings(snap.Listings)
	s.handle.Swap(ix)
	s.metrics.Build(ix.Len(), 0, stored, 0)
	s.logger.Info("index restored", "indexed", ix.Len(), "stored", stored, "model", ix.Tag().Model)
	return BuildSummary{Indexed: ix.Len(), Stored: stored, Dim: ix.Dim(), Model: ix.Tag().Model, Persisted: true}, nil
}

// ensureLoaded restores a persisted index when a query arrives before any
// build. The attempt is made once per process; only an attempt cut short by
// restoreTimeout is retried by a later query.
func (s *Service) ensureLoaded(ctx context.Context) {
	if s.handle.Loaded() || s.opts.Blobs == nil {
		return
	}
	s.restoreMu.Lock()
	defer s.restoreMu.Unlock()
	if s.restored || s.handle.Loaded() {
		return
	}

	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
	defer cancel()
	_, err := s.LoadIndex(rctx)
	if err != nil && rctx.Err() != nil {
		s.logger.Warn("rag: lazy index restore timed out", "err", err)
		return
	}
	s.restored = true
	if err != nil {
		s.logger.Warn("rag: lazy index restore failed", "err", err)
	}
}

// Search returns the k listings nearest to text without planning, with a
// short snippet of each listing's embedded text.
func (s *Service) Search(ctx context.Context, text string, k int) ([]Snippet, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "rag.Search")
	defer span.End()

	if err := domain.ValidateQueryText(text); err != nil {
		return nil, err
	}
	s.ensureLoaded(ctx)
	if k < 1 {
		k = s.opts.DefaultK
	}
	rs, _, err := s.exec.Execute(ctx, domain.Plan{Strategy: domain.StrategyVector, QueryText: text}, k)
	if err != nil {
		return nil, fmt.Errorf("rag: search: %w", err)
	}
	return fn.Map(rs, func(h domain.Hit) Snippet {
		return Snippet{ListingID: h.Listing.ID, Distance: h.Distance, Snippet: snippet(h.Listing.EmbeddingText(), 200)}
	}), nil
}

func snippet(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
