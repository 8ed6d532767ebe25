package planner

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/WessleyAI/estate-rag/pkg/estatenlp"
)

// CheapCeiling is the price ceiling implied by "cheap" when the query names
// none.
const CheapCeiling = 500000

var (
	wsRe        = regexp.MustCompile(`\s+`)
	currencyRe  = regexp.MustCompile(`£\s*|\bgbp\s*`)
	thousandsRe = regexp.MustCompile(`(\d),(\d{3})\b`)
	magnitudeRe = regexp.MustCompile(`\b(\d+(?:\.\d+)?)\s?(k|m|mil|million|thousand|grand)\b`)
	studioRe    = regexp.MustCompile(`\bstudios?\b`)
	cheapRe     = regexp.MustCompile(`\b(cheap|cheapest|affordable|budget)\b`)
)

// Clarify normalises a query into its canonical form: trimmed, lower-case,
// single-spaced, currency symbols dropped and price shorthand expanded.
// It never fails; if nothing is left the original string is returned.
func Clarify(q string) string {
	s := strings.ToLower(strings.TrimSpace(q))
	s = wsRe.ReplaceAllString(s, " ")

	s = currencyRe.ReplaceAllString(s, "")
	for thousandsRe.MatchString(s) {
		s = thousandsRe.ReplaceAllString(s, "$1$2")
	}
	s = magnitudeRe.ReplaceAllStringFunc(s, expandMagnitude)
	s = estatenlp.NormalizeBedroomWords(s)
	s = studioRe.ReplaceAllString(s, "0 bed")

	if cheapRe.MatchString(s) && !maxPriceRe.MatchString(s) && !priceRangeRe.MatchString(s) {
		s += " under " + strconv.Itoa(CheapCeiling)
	}

	s = strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
	if s == "" {
		return q
	}
	return s
}

func expandMagnitude(m string) string {
	parts := magnitudeRe.FindStringSubmatch(m)
	f, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return m
	}
	switch parts[2] {
	case "k", "thousand", "grand":
		f *= 1e3
	default:
		f *= 1e6
	}
	return strconv.FormatInt(int64(f+0.5), 10)
}
