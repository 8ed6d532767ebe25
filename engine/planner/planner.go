// Package planner turns a free-text listings question into a domain.Plan:
// structured filters pulled out by an ordered set of regex rules, plus a
// residual text used for semantic retrieval.
package planner

import (
	"strings"

	"github.com/WessleyAI/estate-rag/engine/domain"
)

// residualStop are words that carry no meaning once the filters are gone.
// Generic property nouns are included so "2 bed flats in camden" plans as a
// pure structured query.
var residualStop = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"in": true, "at": true, "on": true, "for": true, "with": true, "to": true,
	"is": true, "are": true, "any": true, "some": true, "all": true, "what": true,
	"which": true, "there": true, "me": true, "i": true, "we": true, "my": true,
	"show": true, "find": true, "list": true, "get": true, "give": true,
	"search": true, "looking": true, "look": true, "want": true, "need": true,
	"please": true, "can": true, "you": true, "available": true, "price": true,
	"priced": true, "costing": true, "cost": true, "around": true, "area": true,
	"borough": true, "london": true, "property": true, "properties": true,
	"home": true, "homes": true, "listing": true, "listings": true,
	"flat": true, "flats": true, "apartment": true, "apartments": true,
	"house": true, "houses": true, "place": true, "places": true,
	"bed": true, "beds": true, "bedroom": true, "bedrooms": true,
	"cheap": true, "cheapest": true, "affordable": true, "budget": true,
	"sale": true, "buy": true, "rent": true,
}

// Planner applies its rules in order over a canonical query.
type Planner struct {
	rules []Rule
}

// New returns a Planner using rules, or DefaultRules when none are given.
func New(rules ...Rule) *Planner {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Planner{rules: rules}
}

var defaultPlanner = New()

// Plan plans a canonical query with DefaultRules.
func Plan(canonical string) domain.Plan {
	return defaultPlanner.Plan(canonical)
}

// Plan extracts filters and picks a strategy. It never fails: an empty query
// with no filters plans as a vector search over the raw text and is marked
// Ambiguous.
func (p *Planner) Plan(canonical string) domain.Plan {
	work := []byte(canonical)
	var f domain.Filters
	for _, r := range p.rules {
		for _, sp := range r.Find(string(work), &f) {
			blank(work, sp)
		}
	}

	plan := domain.Plan{
		Filters:   f,
		QueryText: canonical,
		Residual:  cleanResidual(string(work)),
	}
	pickStrategy(&plan)
	return plan
}

// Constrain overlays caller-supplied filters on plan and re-picks the
// strategy. A constraint in extra replaces the extracted one for the same
// attribute.
func Constrain(plan domain.Plan, extra domain.Filters) domain.Plan {
	if extra.Empty() {
		return plan
	}
	plan.Filters = plan.Filters.Overlay(extra)
	pickStrategy(&plan)
	return plan
}

func pickStrategy(plan *domain.Plan) {
	plan.Ambiguous = false
	switch {
	case plan.Filters.Empty():
		plan.Strategy = domain.StrategyVector
		plan.Ambiguous = strings.TrimSpace(plan.QueryText) == ""
	case plan.Residual == "":
		plan.Strategy = domain.StrategyStructured
	default:
		plan.Strategy = domain.StrategyHybrid
	}
}

// blank overwrites a matched span with spaces so later rules cannot see it
// and byte offsets stay valid.
func blank(b []byte, sp Span) {
	if sp.Start < 0 || sp.End > len(b) {
		return
	}
	for i := sp.Start; i < sp.End; i++ {
		b[i] = ' '
	}
}

func cleanResidual(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' || r > 127)
	})
	keep := fields[:0]
	for _, w := range fields {
		if residualStop[w] || numeric(w) {
			continue
		}
		keep = append(keep, w)
	}
	return strings.Join(keep, " ")
}

// numeric reports whether w is a bare number no rule claimed, such as the
// count in "show me 5 flats".
func numeric(w string) bool {
	for _, r := range w {
		if r < '0' || r > '9' {
			return false
		}
	}
	return w != ""
}
