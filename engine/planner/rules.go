package planner

import (
	"regexp"
	"strconv"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/pkg/estatenlp"
)

// RuleKind tags an extractor rule with the attribute it produces.
type RuleKind string

const (
	RuleBorough     RuleKind = domain.AttrBorough
	RuleBedrooms    RuleKind = domain.AttrBedrooms
	RuleMinBedrooms RuleKind = domain.AttrMinBedrooms
	RuleMaxPrice    RuleKind = domain.AttrMaxPrice
	RuleMinPrice    RuleKind = domain.AttrMinPrice
	RulePriceRange  RuleKind = "price_range"
	RulePostcode    RuleKind = domain.AttrPostcode
)

// Span is a matched region of the canonical query, in byte offsets.
type Span struct {
	Start, End int
}

// Rule is one extractor. Find reports the spans it consumed; a rule that
// finds nothing leaves the filters untouched. Rules only ever fill a filter
// that is still empty, so earlier rules take precedence.
type Rule struct {
	Kind RuleKind
	Find func(text string, f *domain.Filters) []Span
}

const bedWord = `(?:bed|beds|bedroom|bedrooms|bedroomed|br|bdr)\b`

var (
	priceRangeRe  = regexp.MustCompile(`\b(?:between|from)\s+(\d+)\s+(?:and|to|-)\s+(\d+)\b`)
	minBedroomsRe = regexp.MustCompile(`(?:\b(?:at least|min(?:imum)?|minimum of)\s+(\d+)\s*-?\s*` + bedWord + `|\b(\d+)\s*\+\s*` + bedWord + `|\b(\d+)\s*-?\s*` + bedWord + `\s*(?:or more|plus|\+))`)
	bedroomsRe    = regexp.MustCompile(`\b(\d+)\s*-?\s*` + bedWord)
	maxPriceRe    = regexp.MustCompile(`(?:\b(?:under|below|less than|cheaper than|max(?:imum)?|up to|no more than|at most|within)|<=?)\s*(\d+)\b`)
	minPriceRe    = regexp.MustCompile(`(?:\b(?:over|above|more than|at least|min(?:imum)?|from|starting at)|>=?)\s*(\d+)\b`)
)

// DefaultRules is the ordered extractor set. Range and "at least N bed"
// forms run before the single-bound forms they would otherwise collide with.
var DefaultRules = []Rule{
	{Kind: RuleBorough, Find: findBorough},
	{Kind: RulePostcode, Find: findPostcode},
	{Kind: RulePriceRange, Find: findPriceRange},
	{Kind: RuleMinBedrooms, Find: findMinBedrooms},
	{Kind: RuleBedrooms, Find: findBedrooms},
	{Kind: RuleMaxPrice, Find: findMaxPrice},
	{Kind: RuleMinPrice, Find: findMinPrice},
}

func findBorough(text string, f *domain.Filters) []Span {
	if f.Borough != "" {
		return nil
	}
	ms := estatenlp.FindBoroughs(text)
	if len(ms) == 0 {
		return nil
	}
	f.Borough = ms[0].Value
	return []Span{{ms[0].Start, ms[0].End}}
}

func findPostcode(text string, f *domain.Filters) []Span {
	if f.Postcode != "" {
		return nil
	}
	ms := estatenlp.FindPostcodeDistricts(text)
	if len(ms) == 0 {
		return nil
	}
	f.Postcode = ms[0].Value
	return []Span{{ms[0].Start, ms[0].End}}
}

func findPriceRange(text string, f *domain.Filters) []Span {
	if f.MinPrice != nil || f.MaxPrice != nil {
		return nil
	}
	loc := priceRangeRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil
	}
	lo, err1 := strconv.ParseInt(text[loc[2]:loc[3]], 10, 64)
	hi, err2 := strconv.ParseInt(text[loc[4]:loc[5]], 10, 64)
	if err1 != nil || err2 != nil {
		return nil
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	f.MinPrice = domain.MoneyPtr(domain.Pounds(lo))
	f.MaxPrice = domain.MoneyPtr(domain.Pounds(hi))
	return []Span{{loc[0], loc[1]}}
}

func findMinBedrooms(text string, f *domain.Filters) []Span {
	if f.MinBedrooms != nil || f.Bedrooms != nil {
		return nil
	}
	loc := minBedroomsRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil
	}
	for g := 1; g <= 3; g++ {
		if loc[2*g] < 0 {
			continue
		}
		n, err := strconv.Atoi(text[loc[2*g]:loc[2*g+1]])
		if err != nil {
			return nil
		}
		f.MinBedrooms = domain.IntPtr(n)
		return []Span{{loc[0], loc[1]}}
	}
	return nil
}

func findBedrooms(text string, f *domain.Filters) []Span {
	if f.Bedrooms != nil || f.MinBedrooms != nil {
		return nil
	}
	loc := bedroomsRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil
	}
	n, err := strconv.Atoi(text[loc[2]:loc[3]])
	if err != nil {
		return nil
	}
	f.Bedrooms = domain.IntPtr(n)
	return []Span{{loc[0], loc[1]}}
}

func findMaxPrice(text string, f *domain.Filters) []Span {
	if f.MaxPrice != nil {
		return nil
	}
	return findPrice(maxPriceRe, text, func(m domain.Money) { f.MaxPrice = &m })
}

func findMinPrice(text string, f *domain.Filters) []Span {
	if f.MinPrice != nil {
		return nil
	}
	return findPrice(minPriceRe, text, func(m domain.Money) { f.MinPrice = &m })
}

func findPrice(re *regexp.Regexp, text string, set func(domain.Money)) []Span {
	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return nil
	}
	n, err := strconv.ParseInt(text[loc[2]:loc[3]], 10, 64)
	if err != nil {
		return nil
	}
	set(domain.Pounds(n))
	return []Span{{loc[0], loc[1]}}
}
