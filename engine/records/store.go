// Package records holds the in-memory listing table that answers structured
// queries and resolves ids returned by vector search.
package records

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/WessleyAI/estate-rag/engine/domain"
)

// LoadReport summarises one Load call. Errors holds one *domain.SchemaError
// per skipped row.
type LoadReport struct {
	Loaded  int     `json:"loaded"`
	Skipped int     `json:"skipped"`
	Errors  []error `json:"-"`
}

// Store is a listing table guarded by a RWMutex. Rows are kept sorted by
// price then id, so bitmap positions iterate in result order.
type Store struct {
	mu     sync.RWMutex
	tbl    *table
	logger *slog.Logger
}

type table struct {
	rows       []domain.Listing
	byID       map[string]uint32
	byBorough  map[string]*roaring.Bitmap
	byBedrooms map[int]*roaring.Bitmap
}

// New creates an empty Store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{tbl: newTable(nil), logger: logger}
}

func newTable(listings []domain.Listing) *table {
	rows := make([]domain.Listing, len(listings))
	copy(rows, listings)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Price != rows[j].Price {
			return rows[i].Price < rows[j].Price
		}
		return rows[i].ID < rows[j].ID
	})

	t := &table{
		rows:       rows,
		byID:       make(map[string]uint32, len(rows)),
		byBorough:  make(map[string]*roaring.Bitmap),
		byBedrooms: make(map[int]*roaring.Bitmap),
	}
	for i, l := range rows {
		pos := uint32(i)
		t.byID[l.ID] = pos

		bk := strings.ToLower(l.Borough)
		if t.byBorough[bk] == nil {
			t.byBorough[bk] = roaring.New()
		}
		t.byBorough[bk].Add(pos)

		if t.byBedrooms[l.Bedrooms] == nil {
			t.byBedrooms[l.Bedrooms] = roaring.New()
		}
		t.byBedrooms[l.Bedrooms].Add(pos)
	}
	return t
}

// Parse converts rows into listings. Malformed rows and later rows repeating
// an id are skipped and reported. A non-empty batch with no valid rows
// returns an error matching domain.ErrSchema alongside the report.
func Parse(rows []domain.RawRow) ([]domain.Listing, LoadReport, error) {
	var report LoadReport
	listings := make([]domain.Listing, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))

	for i, raw := range rows {
		l, err := domain.ParseRow(raw, i+1)
		if err == nil {
			if _, dup := seen[l.ID]; dup {
				err = domain.NewSchemaError(i+1, domain.ColID, l.ID, domain.ErrDuplicateID)
			}
		}
		if err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, err)
			continue
		}
		seen[l.ID] = struct{}{}
		listings = append(listings, l)
	}
	report.Loaded = len(listings)

	if len(rows) > 0 && len(listings) == 0 {
		return nil, report, fmt.Errorf("records: all %d rows malformed: %w", len(rows), errors.Join(domain.ErrSchema, report.Errors[0]))
	}
	return listings, report, nil
}

// Load parses rows and replaces the store contents. The swap happens only
// after the whole batch is parsed; when Parse fails the store is untouched.
func (s *Store) Load(rows []domain.RawRow) (LoadReport, error) {
	listings, report, err := Parse(rows)
	if err != nil {
		return report, fmt.Errorf("records: load: %w", err)
	}
	s.swap(newTable(listings))
	s.logger.Info("records loaded", "loaded", report.Loaded, "skipped", report.Skipped)
	return report, nil
}

// LoadListings replaces the store contents with already-typed listings.
// Later duplicates of an id are dropped.
func (s *Store) LoadListings(listings []domain.Listing) int {
	seen := make(map[string]struct{}, len(listings))
	uniq := make([]domain.Listing, 0, len(listings))
	for _, l := range listings {
		if _, dup := seen[l.ID]; dup {
			continue
		}
		seen[l.ID] = struct{}{}
		uniq = append(uniq, l)
	}
	s.swap(newTable(uniq))
	return len(uniq)
}

func (s *Store) swap(t *table) {
	s.mu.Lock()
	s.tbl = t
	s.mu.Unlock()
}

// Query returns every listing matching all present constraints, ordered by
// price ascending then id.
func (s *Store) Query(f domain.Filters) []domain.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t := s.tbl

	candidates, indexed := t.candidates(f)
	out := []domain.Listing{}
	if !indexed {
		for _, l := range t.rows {
			if f.Match(l) {
				out = append(out, l)
			}
		}
		return out
	}
	it := candidates.Iterator()
	for it.HasNext() {
		l := t.rows[it.Next()]
		if f.Match(l) {
			out = append(out, l)
		}
	}
	return out
}

// candidates narrows the scan using the equality indexes. indexed is false
// when no indexed constraint is present.
func (t *table) candidates(f domain.Filters) (*roaring.Bitmap, bool) {
	var bm *roaring.Bitmap
	and := func(b *roaring.Bitmap) {
		if b == nil {
			b = roaring.New()
		}
		if bm == nil {
			bm = b.Clone()
			return
		}
		bm.And(b)
	}
	if f.Borough != "" {
		and(t.byBorough[strings.ToLower(f.Borough)])
	}
	if f.Bedrooms != nil {
		and(t.byBedrooms[*f.Bedrooms])
	}
	return bm, bm != nil
}

// Get returns the listing with the given id or domain.ErrNotFound.
func (s *Store) Get(id string) (domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.tbl.byID[id]
	if !ok {
		return domain.Listing{}, fmt.Errorf("records: get %q: %w", id, domain.ErrNotFound)
	}
	return s.tbl.rows[pos], nil
}

// Delete removes a listing. Index entries that still reference it are
// dropped as stale at query time.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.tbl.byID[id]
	if !ok {
		return fmt.Errorf("records: delete %q: %w", id, domain.ErrNotFound)
	}
	rows := make([]domain.Listing, 0, len(s.tbl.rows)-1)
	rows = append(rows, s.tbl.rows[:pos]...)
	rows = append(rows, s.tbl.rows[pos+1:]...)
	s.tbl = newTable(rows)
	return nil
}

// All returns every listing in price order.
func (s *Store) All() []domain.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Listing, len(s.tbl.rows))
	copy(out, s.tbl.rows)
	return out
}

// Len returns the number of listings.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tbl.rows)
}

// Sample returns up to n listings in price order.
func (s *Store) Sample(n int) []domain.Listing {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n < 0 || n > len(s.tbl.rows) {
		n = len(s.tbl.rows)
	}
	out := make([]domain.Listing, n)
	copy(out, s.tbl.rows[:n])
	return out
}
