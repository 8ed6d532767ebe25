package domain

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// MaxQueryLength bounds free-text queries accepted by transports.
const MaxQueryLength = 500

// Column names understood by ParseRow. "property_id" is the name used by the
// upstream dataset; "id" is accepted as an alias.
const (
	ColID           = "property_id"
	ColIDAlias      = "id"
	ColAddress      = "address"
	ColBorough      = "borough"
	ColPostcode     = "postcode"
	ColPropertyType = "property_type"
	ColBedrooms     = "bedrooms"
	ColPrice        = "price"
	ColListingDate  = "listing_date"
	ColAgentName    = "agent_name"
	ColDescription  = "description"
)

// Columns is the canonical column order used when writing processed data.
var Columns = []string{
	ColID, ColAddress, ColBorough, ColPostcode, ColPropertyType,
	ColBedrooms, ColPrice, ColListingDate, ColAgentName, ColDescription,
}

var (
	spaceRe = regexp.MustCompile(`\s+`)
	priceRe = regexp.MustCompile(`^(\d+(?:\.\d+)?)([km]?)$`)
)

// lowerWords stay lowercase inside borough names ("Kensington and Chelsea").
var lowerWords = map[string]bool{"and": true, "of": true, "upon": true, "on": true}

// ParseRow converts a raw row into a Listing. row is the 1-based position in
// the batch and only used for error reporting. Any missing or malformed
// required field yields a *SchemaError.
func ParseRow(raw RawRow, row int) (Listing, error) {
	get := func(col string) string { return strings.TrimSpace(raw[col]) }

	id := get(ColID)
	if id == "" {
		id = get(ColIDAlias)
	}
	if id == "" {
		return Listing{}, NewSchemaError(row, ColID, "", ErrMissingField)
	}

	address := spaceRe.ReplaceAllString(get(ColAddress), " ")
	if address == "" {
		return Listing{}, NewSchemaError(row, ColAddress, "", ErrMissingField)
	}

	borough := NormalizeBorough(get(ColBorough))
	if borough == "" {
		return Listing{}, NewSchemaError(row, ColBorough, "", ErrMissingField)
	}

	priceRaw := get(ColPrice)
	if priceRaw == "" {
		return Listing{}, NewSchemaError(row, ColPrice, "", ErrMissingField)
	}
	price, err := ParsePrice(priceRaw)
	if err != nil {
		return Listing{}, NewSchemaError(row, ColPrice, priceRaw, ErrMalformedField)
	}

	bedrooms := 0
	if b := get(ColBedrooms); b != "" {
		f, err := strconv.ParseFloat(b, 64)
		if err != nil || f < 0 || f != math.Trunc(f) {
			return Listing{}, NewSchemaError(row, ColBedrooms, b, ErrMalformedField)
		}
		bedrooms = int(f)
	}

	return Listing{
		ID:           id,
		Address:      address,
		Borough:      borough,
		Postcode:     NormalizePostcode(get(ColPostcode)),
		PropertyType: titleCase(get(ColPropertyType)),
		Bedrooms:     bedrooms,
		Price:        price,
		ListingDate:  get(ColListingDate),
		AgentName:    get(ColAgentName),
		Description:  get(ColDescription),
	}, nil
}

// ParsePrice accepts "£475,000", "475k", "1.2m", "475000" and "475000.50".
// Negative or non-numeric inputs are rejected.
func ParsePrice(s string) (Money, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "gbp")
	v = strings.NewReplacer("£", "", ",", "", " ", "").Replace(v)
	m := priceRe.FindStringSubmatch(v)
	if m == nil {
		return 0, fmt.Errorf("price %q: %w", s, ErrMalformedField)
	}
	f, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, ErrMalformedField)
	}
	switch m[2] {
	case "k":
		f *= 1_000
	case "m":
		f *= 1_000_000
	}
	return Money(math.Round(f * 100)), nil
}

// NormalizeBorough title-cases a borough name and collapses whitespace.
func NormalizeBorough(s string) string {
	return titleCase(s)
}

// NormalizePostcode upper-cases a postcode and collapses inner whitespace.
func NormalizePostcode(s string) string {
	return strings.ToUpper(spaceRe.ReplaceAllString(strings.TrimSpace(s), " "))
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if i > 0 && lowerWords[w] {
			continue
		}
		r, size := utf8.DecodeRuneInString(w)
		words[i] = strings.ToUpper(string(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

// ValidateQueryText checks a free-text query at the transport boundary.
func ValidateQueryText(text string) error {
	t := strings.TrimSpace(text)
	if t == "" {
		return ErrEmptyQuery
	}
	if utf8.RuneCountInString(t) > MaxQueryLength {
		return fmt.Errorf("%w: %d runes (max %d)", ErrQueryTooLong, utf8.RuneCountInString(t), MaxQueryLength)
	}
	return nil
}
