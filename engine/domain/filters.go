package domain

import (
	"strconv"
	"strings"
)

// Filter attribute names as they appear in plans and traces.
const (
	AttrBorough      = "borough"
	AttrBedrooms     = "bedrooms"
	AttrMinBedrooms  = "min_bedrooms"
	AttrMaxPrice     = "max_price"
	AttrMinPrice     = "min_price"
	AttrPropertyType = "property_type"
	AttrPostcode     = "postcode"
)

// Filters holds the structured constraints of a plan. A nil pointer or an
// empty string means the constraint is absent. Prices are in pence.
type Filters struct {
	Borough      string `json:"borough,omitempty"`
	Bedrooms     *int   `json:"bedrooms,omitempty"`
	MinBedrooms  *int   `json:"min_bedrooms,omitempty"`
	MaxPrice     *Money `json:"max_price,omitempty"`
	MinPrice     *Money `json:"min_price,omitempty"`
	PropertyType string `json:"property_type,omitempty"`
	Postcode     string `json:"postcode,omitempty"`
}

// Len returns the number of constraints present.
func (f Filters) Len() int {
	n := 0
	if f.Borough != "" {
		n++
	}
	if f.Bedrooms != nil {
		n++
	}
	if f.MinBedrooms != nil {
		n++
	}
	if f.MaxPrice != nil {
		n++
	}
	if f.MinPrice != nil {
		n++
	}
	if f.PropertyType != "" {
		n++
	}
	if f.Postcode != "" {
		n++
	}
	return n
}

// Empty reports whether no constraint is present.
func (f Filters) Empty() bool { return f.Len() == 0 }

// Overlay returns f with every constraint present in o replacing the one
// for the same attribute.
func (f Filters) Overlay(o Filters) Filters {
	if o.Borough != "" {
		f.Borough = o.Borough
	}
	if o.Bedrooms != nil {
		f.Bedrooms = o.Bedrooms
	}
	if o.MinBedrooms != nil {
		f.MinBedrooms = o.MinBedrooms
	}
	if o.MaxPrice != nil {
		f.MaxPrice = o.MaxPrice
	}
	if o.MinPrice != nil {
		f.MinPrice = o.MinPrice
	}
	if o.PropertyType != "" {
		f.PropertyType = o.PropertyType
	}
	if o.Postcode != "" {
		f.Postcode = o.Postcode
	}
	return f
}

// Match reports whether l satisfies every present constraint.
func (f Filters) Match(l Listing) bool {
	if f.Borough != "" && !strings.EqualFold(f.Borough, l.Borough) {
		return false
	}
	if f.Bedrooms != nil && l.Bedrooms != *f.Bedrooms {
		return false
	}
	if f.MinBedrooms != nil && l.Bedrooms < *f.MinBedrooms {
		return false
	}
	if f.MaxPrice != nil && l.Price > *f.MaxPrice {
		return false
	}
	if f.MinPrice != nil && l.Price < *f.MinPrice {
		return false
	}
	if f.PropertyType != "" && !strings.EqualFold(f.PropertyType, l.PropertyType) {
		return false
	}
	if f.Postcode != "" && !strings.EqualFold(f.Postcode, l.OutwardCode()) {
		return false
	}
	return true
}

// Map is the attribute -> constraint view used in traces and the HTTP API.
// Prices are reported in whole pounds.
func (f Filters) Map() map[string]any {
	m := make(map[string]any, f.Len())
	if f.Borough != "" {
		m[AttrBorough] = f.Borough
	}
	if f.Bedrooms != nil {
		m[AttrBedrooms] = *f.Bedrooms
	}
	if f.MinBedrooms != nil {
		m[AttrMinBedrooms] = *f.MinBedrooms
	}
	if f.MaxPrice != nil {
		m[AttrMaxPrice] = f.MaxPrice.WholePounds()
	}
	if f.MinPrice != nil {
		m[AttrMinPrice] = f.MinPrice.WholePounds()
	}
	if f.PropertyType != "" {
		m[AttrPropertyType] = f.PropertyType
	}
	if f.Postcode != "" {
		m[AttrPostcode] = f.Postcode
	}
	return m
}

// FiltersFromMap builds Filters from an attribute map. Unknown keys and
// values of the wrong shape are ignored so callers stay decoupled from
// schema changes.
func FiltersFromMap(m map[string]any) Filters {
	var f Filters
	for k, v := range m {
		switch k {
		case AttrBorough:
			f.Borough, _ = v.(string)
		case AttrBedrooms:
			if n, ok := toInt(v); ok {
				f.Bedrooms = &n
			}
		case AttrMinBedrooms:
			if n, ok := toInt(v); ok {
				f.MinBedrooms = &n
			}
		case AttrMaxPrice:
			if n, ok := toInt(v); ok {
				p := Pounds(int64(n))
				f.MaxPrice = &p
			}
		case AttrMinPrice:
			if n, ok := toInt(v); ok {
				p := Pounds(int64(n))
				f.MinPrice = &p
			}
		case AttrPropertyType:
			f.PropertyType, _ = v.(string)
		case AttrPostcode:
			if s, ok := v.(string); ok {
				f.Postcode = strings.ToUpper(s)
			}
		}
	}
	return f
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

// IntPtr and MoneyPtr are small helpers for building Filters literals.
func IntPtr(n int) *int { return &n }

func MoneyPtr(m Money) *Money { return &m }
