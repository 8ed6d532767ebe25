package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/pkg/blob"
	"github.com/WessleyAI/estate-rag/pkg/fn"
	"github.com/WessleyAI/estate-rag/pkg/repo"
)

// Source yields raw listing rows.
type Source interface {
	FetchRows(ctx context.Context) ([]domain.RawRow, error)
}

// ReadCSV reads a headed CSV into rows keyed by normalised column name
// ("Property ID" becomes "property_id"). Short rows leave trailing columns
// empty.
func ReadCSV(r io.Reader) ([]domain.RawRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []domain.RawRow{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ingest: read csv header: %w", err)
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = normalizeColumn(h)
	}

	rows := []domain.RawRow{}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("ingest: read csv: %w", err)
		}
		row := make(domain.RawRow, len(cols))
		for i, c := range cols {
			if i < len(rec) {
				row[c] = rec[i]
			}
		}
		rows = append(rows, row)
	}
}

func normalizeColumn(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Join(strings.FieldsFunc(h, func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	}), "_")
}

// CSVSource reads rows from an in-memory CSV document.
type CSVSource struct {
	Data []byte
}

func (s CSVSource) FetchRows(_ context.Context) ([]domain.RawRow, error) {
	return ReadCSV(bytes.NewReader(s.Data))
}

// HTTPSource downloads a CSV document, for example a raw file on GitHub.
type HTTPSource struct {
	URL    string
	Client *http.Client
	Retry  fn.RetryOpts
	Logger *slog.Logger
}

// statusError is a non-2xx response.
type statusError struct {
	code int
	url  string
}

func (e *statusError) Error() string { return fmt.Sprintf("GET %s: status %d", e.url, e.code) }

// Fetch downloads the document, retrying transport errors and 5xx/429
// responses.
func (s HTTPSource) Fetch(ctx context.Context) ([]byte, error) {
	if s.URL == "" {
		return nil, errors.New("ingest: http source: empty url")
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	opts := s.Retry
	if opts.MaxAttempts == 0 {
		opts = fn.DefaultRetry
	}
	if opts.RetryIf == nil {
		opts.RetryIf = retryableHTTP
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	res := fn.Retry(ctx, opts, func(ctx context.Context) fn.Result[[]byte] {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
		if err != nil {
			return fn.Err[[]byte](err)
		}
		resp, err := client.Do(req)
		if err != nil {
			logger.Warn("ingest: download failed", "url", s.URL, "err", err)
			return fn.Err[[]byte](err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fn.Err[[]byte](&statusError{code: resp.StatusCode, url: s.URL})
		}
		data, err := io.ReadAll(resp.Body)
		return fn.FromPair(data, err)
	})
	data, err := res.Unwrap()
	if err != nil {
		return nil, fmt.Errorf("ingest: fetch %s: %w", s.URL, err)
	}
	return data, nil
}

func retryableHTTP(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	return !errors.Is(err, context.Canceled)
}

func (s HTTPSource) FetchRows(ctx context.Context) ([]domain.RawRow, error) {
	data, err := s.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	return ReadCSV(bytes.NewReader(data))
}

// BlobSource reads a CSV document from the blob store.
type BlobSource struct {
	Store blob.Store
	Key   string
}

func (s BlobSource) FetchRows(ctx context.Context) ([]domain.RawRow, error) {
	data, err := s.Store.Get(ctx, s.Key)
	if err != nil {
		return nil, fmt.Errorf("ingest: read %s: %w", s.Key, err)
	}
	return ReadCSV(bytes.NewReader(data))
}

// ListingLabel is the Neo4j node label holding listings.
const ListingLabel = "Listing"

// Neo4jSource reads rows from Listing nodes. Node properties map to columns
// by name.
type Neo4jSource struct {
	Repo     repo.Repository[domain.RawRow, string]
	PageSize int
	Filter   map[string]any
}

func (s Neo4jSource) FetchRows(ctx context.Context) ([]domain.RawRow, error) {
	rows, err := repo.All(ctx, s.Repo, s.PageSize, s.Filter)
	if err != nil {
		return nil, fmt.Errorf("ingest: neo4j source: %w", err)
	}
	return rows, nil
}

// NewListingRepo returns the Neo4j repository backing Neo4jSource and
// ExportListings. Nodes are keyed by property_id; an empty database means
// the server default.
func NewListingRepo(driver neo4j.DriverWithContext, database string) *repo.Neo4jRepo[domain.RawRow, string] {
	opts := []repo.Neo4jOption[domain.RawRow, string]{repo.WithIDKey[domain.RawRow, string](domain.ColID)}
	if database != "" {
		opts = append(opts, repo.WithDatabase[domain.RawRow, string](database))
	}
	return repo.NewNeo4jRepo[domain.RawRow, string](driver, ListingLabel, rowProps, propsRow, opts...)
}

func rowProps(r domain.RawRow) map[string]any {
	m := make(map[string]any, len(r))
	for k, v := range r {
		m[k] = v
	}
	return m
}

func propsRow(p map[string]any) (domain.RawRow, error) {
	row := make(domain.RawRow, len(p))
	for k, v := range p {
		switch x := v.(type) {
		case string:
			row[k] = x
		case int64:
			row[k] = strconv.FormatInt(x, 10)
		case float64:
			row[k] = strconv.FormatFloat(x, 'f', -1, 64)
		case nil:
		default:
			row[k] = fmt.Sprint(x)
		}
	}
	return row, nil
}

// ListingRow renders a listing back to a raw row in the processed column
// layout.
func ListingRow(l domain.Listing) domain.RawRow {
	return domain.RawRow{
		domain.ColID:           l.ID,
		domain.ColAddress:      l.Address,
		domain.ColBorough:      l.Borough,
		domain.ColPostcode:     l.Postcode,
		domain.ColPropertyType: l.PropertyType,
		domain.ColBedrooms:     strconv.Itoa(l.Bedrooms),
		domain.ColPrice:        priceCell(l.Price),
		domain.ColListingDate:  l.ListingDate,
		domain.ColAgentName:    l.AgentName,
		domain.ColDescription:  l.Description,
	}
}

func priceCell(m domain.Money) string {
	if pence := int64(m) % 100; pence != 0 {
		return fmt.Sprintf("%d.%02d", m.WholePounds(), pence)
	}
	return strconv.FormatInt(m.WholePounds(), 10)
}

// ExportListings upserts listings as Listing nodes.
func ExportListings(ctx context.Context, r repo.Repository[domain.RawRow, string], listings []domain.Listing) (int, error) {
	for i, l := range listings {
		if err := r.Upsert(ctx, ListingRow(l)); err != nil {
			return i, fmt.Errorf("ingest: export %s: %w", l.ID, err)
		}
	}
	return len(listings), nil
}
