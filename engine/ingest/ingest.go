// Package ingest moves listing data from its sources into the engine: it
// downloads the raw dataset, parses and normalises rows into listings,
// persists the processed CSV, and serves index build requests over NATS.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/engine/records"
	"github.com/WessleyAI/estate-rag/pkg/blob"
	"github.com/WessleyAI/estate-rag/pkg/fn"
)

// Default blob keys.
const (
	DefaultRawKey       = "raw/london_properties.csv"
	DefaultProcessedKey = "processed/clean_properties.csv"
)

// Report counts the outcome of parsing a batch of rows.
type Report struct {
	Rows     int      `json:"rows"`
	Listings int      `json:"listings"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// maxReportedErrors caps Report.Errors; Skipped keeps the full count.
const maxReportedErrors = 20

// Processed is the parse stage output.
type Processed struct {
	Listings []domain.Listing
	Report   Report
}

// ParseListings converts rows into listings through records.Parse.
// Malformed rows and later rows repeating an id are skipped and counted. A
// non-empty batch without a single valid row is an error matching
// domain.ErrSchema, so a bad batch never replaces a good catalog.
func ParseListings(rows []domain.RawRow) (Processed, error) {
	listings, rep, err := records.Parse(rows)
	out := Processed{
		Listings: listings,
		Report:   Report{Rows: len(rows), Listings: rep.Loaded, Skipped: rep.Skipped},
	}
	for _, e := range fn.Take(rep.Errors, maxReportedErrors) {
		out.Report.Errors = append(out.Report.Errors, e.Error())
	}
	if err != nil {
		return out, fmt.Errorf("ingest: parse: %w", err)
	}
	return out, nil
}

// EncodeCSV writes listings in the processed column layout.
func EncodeCSV(listings []domain.Listing) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(domain.Columns); err != nil {
		return nil, err
	}
	rec := make([]string, len(domain.Columns))
	for _, l := range listings {
		row := ListingRow(l)
		for i, c := range domain.Columns {
			rec[i] = row[c]
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("ingest: encode csv: %w", err)
	}
	return buf.Bytes(), nil
}

// Deps holds what the pipeline needs.
type Deps struct {
	Blobs        blob.Store
	RawKey       string
	ProcessedKey string
	Logger       *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.RawKey == "" {
		d.RawKey = DefaultRawKey
	}
	if d.ProcessedKey == "" {
		d.ProcessedKey = DefaultProcessedKey
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// --- Pipeline stages ---

// Fetch reads all rows from a source.
var Fetch fn.Stage[Source, []domain.RawRow] = func(ctx context.Context, src Source) fn.Result[[]domain.RawRow] {
	rows, err := src.FetchRows(ctx)
	return fn.FromPair(rows, err)
}

// Parse turns rows into listings.
var Parse fn.Stage[[]domain.RawRow, Processed] = func(_ context.Context, rows []domain.RawRow) fn.Result[Processed] {
	p, err := ParseListings(rows)
	return fn.FromPair(p, err)
}

// NewStore creates a stage that writes the processed CSV to the blob store.
func NewStore(blobs blob.Store, key string) fn.Stage[Processed, Processed] {
	return func(ctx context.Context, p Processed) fn.Result[Processed] {
		data, err := EncodeCSV(p.Listings)
		if err != nil {
			return fn.Err[Processed](err)
		}
		if err := blobs.Put(ctx, key, data); err != nil {
			return fn.Err[Processed](fmt.Errorf("ingest: store %s: %w", key, err))
		}
		return fn.Ok(p)
	}
}

// NewPipeline composes Fetch → Parse → Store. Without a blob store the
// processed listings are returned unsaved.
func NewPipeline(deps Deps) fn.Stage[Source, Processed] {
	deps = deps.withDefaults()
	log := deps.Logger

	fetched := fn.TracedStage("ingest.fetch", log, Fetch)
	parsed := fn.Then(fetched, fn.TracedStage("ingest.parse", log, Parse))
	if deps.Blobs == nil {
		return parsed
	}
	return fn.Then(parsed, fn.TracedStage("ingest.store", log, NewStore(deps.Blobs, deps.ProcessedKey)))
}

// Runner drives ingest and process runs against the blob store.
type Runner struct {
	deps     Deps
	pipeline fn.Stage[Source, Processed]
}

// NewRunner creates a Runner. deps.Blobs is required.
func NewRunner(deps Deps) *Runner {
	deps = deps.withDefaults()
	return &Runner{deps: deps, pipeline: NewPipeline(deps)}
}

// IngestReport describes a stored raw dataset.
type IngestReport struct {
	Key   string `json:"key"`
	Bytes int    `json:"bytes"`
	Rows  int    `json:"rows"`
}

// Ingest downloads the CSV at src and stores it verbatim as the raw dataset.
func (r *Runner) Ingest(ctx context.Context, src HTTPSource) (IngestReport, error) {
	if src.Logger == nil {
		src.Logger = r.deps.Logger
	}
	data, err := src.Fetch(ctx)
	if err != nil {
		return IngestReport{}, err
	}
	rows, err := ReadCSV(bytes.NewReader(data))
	if err != nil {
		return IngestReport{}, err
	}
	if err := r.deps.Blobs.Put(ctx, r.deps.RawKey, data); err != nil {
		return IngestReport{}, fmt.Errorf("ingest: store %s: %w", r.deps.RawKey, err)
	}
	r.deps.Logger.Info("raw dataset stored", "key", r.deps.RawKey, "bytes", len(data), "rows", len(rows))
	return IngestReport{Key: r.deps.RawKey, Bytes: len(data), Rows: len(rows)}, nil
}

// Process parses the stored raw dataset and writes the processed CSV.
func (r *Runner) Process(ctx context.Context) (Processed, error) {
	return r.Run(ctx, BlobSource{Store: r.deps.Blobs, Key: r.deps.RawKey})
}

// Run processes rows from any source and writes the processed CSV.
func (r *Runner) Run(ctx context.Context, src Source) (Processed, error) {
	p, err := r.pipeline(ctx, src).Unwrap()
	if err != nil {
		return Processed{}, err
	}
	r.deps.Logger.Info("dataset processed", "rows", p.Report.Rows,
		"listings", p.Report.Listings, "skipped", p.Report.Skipped)
	return p, nil
}

// Listings reads the processed dataset. Rows are already clean, so any
// skipped row here points at a hand-edited file and is only logged.
func (r *Runner) Listings(ctx context.Context) ([]domain.Listing, error) {
	rows, err := BlobSource{Store: r.deps.Blobs, Key: r.deps.ProcessedKey}.FetchRows(ctx)
	if err != nil {
		return nil, err
	}
	p, err := ParseListings(rows)
	if err != nil {
		return nil, err
	}
	if p.Report.Skipped > 0 {
		r.deps.Logger.Warn("ingest: processed dataset has bad rows", "skipped", p.Report.Skipped)
	}
	return p.Listings, nil
}

// Sample returns the first n processed listings in file order.
func (r *Runner) Sample(ctx context.Context, n int) ([]domain.Listing, error) {
	ls, err := r.Listings(ctx)
	if err != nil {
		return nil, err
	}
	return fn.Take(ls, n), nil
}
