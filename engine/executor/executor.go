// Package executor runs a domain.Plan against the record store and the vector
// index. The read path is pure: it never mutates either.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/engine/vindex"
	"github.com/WessleyAI/estate-rag/pkg/resilience"
)

// Records is the read side of the record store.
type Records interface {
	Query(f domain.Filters) []domain.Listing
	Get(id string) (domain.Listing, error)
}

// Searcher is a k-nearest-neighbour backend. *vindex.Handle and
// *semantic.VectorStore both satisfy it.
type Searcher interface {
	Search(ctx context.Context, query []float32, k int) ([]vindex.Neighbor, error)
}

// Options configures an Executor.
type Options struct {
	DefaultK     int
	PoolFactor   int
	MinPool      int
	EmbedTimeout time.Duration
	Breaker      *resilience.Breaker
	Logger       *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DefaultK:     5,
		PoolFactor:   5,
		MinPool:      50,
		EmbedTimeout: 10 * time.Second,
	}
}

// Outcome describes how a plan was actually executed.
type Outcome struct {
	Strategy     domain.Strategy
	Degraded     bool
	FallbackFrom domain.Strategy
	Stale        int
}

// Executor evaluates plans.
type Executor struct {
	records  Records
	embedder vindex.Embedder
	searcher Searcher
	opts     Options
	logger   *slog.Logger
}

// New creates an Executor. Zero-valued options fall back to DefaultOptions.
func New(records Records, embedder vindex.Embedder, searcher Searcher, opts Options) *Executor {
	def := DefaultOptions()
	if opts.DefaultK <= 0 {
		opts.DefaultK = def.DefaultK
	}
	if opts.PoolFactor <= 0 {
		opts.PoolFactor = def.PoolFactor
	}
	if opts.MinPool <= 0 {
		opts.MinPool = def.MinPool
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = def.EmbedTimeout
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{records: records, embedder: embedder, searcher: searcher, opts: opts, logger: logger}
}

// Execute runs plan and returns at most k hits (k < 1 means DefaultK; the
// structured strategy returns every match). When the vector side is
// unavailable and the plan carries filters, the filters are evaluated on the
// structured path and the Outcome is marked Degraded. A caller deadline that
// expires during retrieval counts as unavailable; only cancellation aborts.
func (e *Executor) Execute(ctx context.Context, plan domain.Plan, k int) (domain.ResultSet, Outcome, error) {
	if k < 1 {
		k = e.opts.DefaultK
	}
	out := Outcome{Strategy: plan.Strategy}

	var (
		rs  domain.ResultSet
		err error
	)
	switch plan.Strategy {
	case domain.StrategyStructured:
		return e.structured(plan.Filters), out, nil
	case domain.StrategyVector:
		rs, out.Stale, err = e.vector(ctx, plan.QueryText, k, k, nil)
	case domain.StrategyHybrid:
		pool := max(k*e.opts.PoolFactor, e.opts.MinPool)
		f := plan.Filters
		rs, out.Stale, err = e.vector(ctx, plan.QueryText, pool, k, &f)
	default:
		return nil, out, fmt.Errorf("executor: unknown strategy %q", plan.Strategy)
	}
	if err == nil {
		return rs, out, nil
	}

	if !errors.Is(err, domain.ErrRetrievalUnavailable) || canceled(ctx) {
		return nil, out, err
	}
	if plan.Filters.Empty() {
		return nil, out, err
	}
	e.logger.Warn("executor: vector retrieval unavailable, falling back to structured",
		"strategy", plan.Strategy, "err", err)
	out.Degraded = true
	out.FallbackFrom = plan.Strategy
	out.Strategy = domain.StrategyStructured
	return e.structured(plan.Filters), out, nil
}

func (e *Executor) structured(f domain.Filters) domain.ResultSet {
	listings := e.records.Query(f)
	rs := make(domain.ResultSet, len(listings))
	for i, l := range listings {
		rs[i] = domain.Hit{Listing: l}
	}
	return rs
}

// vector searches for pool neighbours, resolves them against the store and
// keeps at most k. When f is non-nil only matching listings are kept.
func (e *Executor) vector(ctx context.Context, text string, pool, k int, f *domain.Filters) (domain.ResultSet, int, error) {
	if e.embedder == nil || e.searcher == nil {
		return nil, 0, fmt.Errorf("executor: no vector backend: %w", domain.ErrRetrievalUnavailable)
	}
	vec, err := e.embed(ctx, text)
	if err != nil {
		return nil, 0, err
	}

	neighbors, err := e.searcher.Search(ctx, vec, pool)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !canceled(ctx) {
			return nil, 0, fmt.Errorf("executor: search: %w: %w", domain.ErrRetrievalUnavailable, err)
		}
		return nil, 0, fmt.Errorf("executor: search: %w", err)
	}

	rs := make(domain.ResultSet, 0, min(k, len(neighbors)))
	stale := 0
	for _, n := range neighbors {
		l, err := e.records.Get(n.ID)
		if err != nil {
			stale++
			continue
		}
		if f != nil && !f.Match(l) {
			continue
		}
		rs = append(rs, domain.Hit{Listing: l, Distance: n.Distance, Score: 1 / (1 + n.Distance)})
		if len(rs) == k {
			break
		}
	}
	if stale > 0 {
		e.logger.Debug("executor: dropped stale index entries", "count", stale)
	}
	return rs, stale, nil
}

// embed calls the embedder under EmbedTimeout and the circuit breaker. Any
// failure other than the caller's own cancellation, including the caller's
// deadline, is RetrievalUnavailable.
func (e *Executor) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := resilience.Do(e.opts.Breaker, ctx, func(ctx context.Context) ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, e.opts.EmbedTimeout)
		defer cancel()
		return e.embedder.Embed(ctx, text)
	})
	if err == nil {
		return vec, nil
	}
	if canceled(ctx) {
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("executor: embed: %w: %w", domain.ErrRetrievalUnavailable, err)
}

func canceled(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.Canceled)
}
