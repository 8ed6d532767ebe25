package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestFilters_Match(t *testing.T) {
	l := Listing{ID: "P1", Borough: "Camden", Bedrooms: 2, Price: Pounds(450000), PropertyType: "Flat", Postcode: "NW1 9AB"}

	cases := []struct {
		name string
		f    Filters
		want bool
	}{
		{"empty", Filters{}, true},
		{"borough case-insensitive", Filters{Borough: "camden"}, true},
		{"borough mismatch", Filters{Borough: "Hackney"}, false},
		{"bedrooms exact", Filters{Bedrooms: IntPtr(2)}, true},
		{"bedrooms mismatch", Filters{Bedrooms: IntPtr(3)}, false},
		{"min bedrooms", Filters{MinBedrooms: IntPtr(2)}, true},
		{"min bedrooms too high", Filters{MinBedrooms: IntPtr(3)}, false},
		{"max price inclusive", Filters{MaxPrice: MoneyPtr(Pounds(450000))}, true},
		{"max price below", Filters{MaxPrice: MoneyPtr(Pounds(449999))}, false},
		{"min price", Filters{MinPrice: MoneyPtr(Pounds(500000))}, false},
		{"type", Filters{PropertyType: "flat"}, true},
		{"postcode district", Filters{Postcode: "NW1"}, true},
		{"postcode other district", Filters{Postcode: "NW10"}, false},
		{"conjunction", Filters{Borough: "Camden", Bedrooms: IntPtr(2), MaxPrice: MoneyPtr(Pounds(500000))}, true},
	}
	for _, tc := range cases {
		if got := tc.f.Match(l); got != tc.want {
			t.Errorf("%s: Match = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestFilters_MapRoundTrip(t *testing.T) {
	f := Filters{Borough: "Camden", Bedrooms: IntPtr(2), MaxPrice: MoneyPtr(Pounds(500000))}
	m := f.Map()
	if len(m) != 3 {
		t.Fatalf("expected 3 attributes, got %v", m)
	}
	if m[AttrMaxPrice] != int64(500000) {
		t.Errorf("max_price = %v (%T)", m[AttrMaxPrice], m[AttrMaxPrice])
	}
	back := FiltersFromMap(m)
	if back.Borough != "Camden" || *back.Bedrooms != 2 || *back.MaxPrice != Pounds(500000) {
		t.Errorf("unexpected filters %+v", back)
	}
}

func TestFiltersFromMap_IgnoresUnknown(t *testing.T) {
	f := FiltersFromMap(map[string]any{
		"garden":   true,
		"bedrooms": float64(3),
		"postcode": "e8",
	})
	if f.Len() != 2 {
		t.Fatalf("expected 2 constraints, got %d", f.Len())
	}
	if *f.Bedrooms != 3 || f.Postcode != "E8" {
		t.Errorf("unexpected filters %+v", f)
	}
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want FailureKind
	}{
		{nil, ""},
		{NewSchemaError(1, "price", "x", ErrMalformedField), KindSchema},
		{fmt.Errorf("vindex: load: %w", &IncompatibleIndexError{Field: "dimension", Want: "8", Got: "4"}), KindIncompatibleIndex},
		{fmt.Errorf("executor: %w", ErrRetrievalUnavailable), KindRetrievalUnavailable},
		{ErrNotFound, KindNotFound},
		{context.Canceled, KindCanceled},
		{fmt.Errorf("embed: %w", context.DeadlineExceeded), KindRetrievalUnavailable},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}


func TestFilters_Overlay(t *testing.T) {
	base := Filters{Borough: "Hackney", Bedrooms: IntPtr(2)}
	got := base.Overlay(Filters{Borough: "Camden", MinPrice: MoneyPtr(Pounds(300000))})
	if got.Borough != "Camden" || got.Bedrooms == nil || *got.Bedrooms != 2 || *got.MinPrice != Pounds(300000) {
		t.Fatalf("overlay = %+v", got.Map())
	}
	if base.Borough != "Hackney" || base.MinPrice != nil {
		t.Fatalf("receiver modified: %+v", base.Map())
	}
}
