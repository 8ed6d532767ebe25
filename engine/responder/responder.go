// Package responder renders a result set as a templated answer with
// citations. Output is a pure function of its input.
package responder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/WessleyAI/estate-rag/engine/domain"
)

// NoResults is the fixed answer text for an empty result set.
const NoResults = "No matching properties found."

// Respond renders one line per hit. Citations list the ids in display order;
// a listing repeated in rs is shown and cited once.
func Respond(rs domain.ResultSet) domain.Answer {
	if len(rs) == 0 {
		return domain.Answer{Text: NoResults, Citations: []string{}}
	}

	seen := make(map[string]bool, len(rs))
	cites := make([]string, 0, len(rs))
	lines := make([]string, 0, len(rs))
	for _, h := range rs {
		if seen[h.Listing.ID] {
			continue
		}
		seen[h.Listing.ID] = true
		cites = append(cites, h.Listing.ID)
		lines = append(lines, Line(h.Listing))
	}

	noun := "properties"
	if len(lines) == 1 {
		noun = "property"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d matching %s:", len(lines), noun)
	for _, l := range lines {
		b.WriteByte('\n')
		b.WriteString(l)
	}
	return domain.Answer{Text: b.String(), Citations: cites}
}

// Line formats a single listing.
func Line(l domain.Listing) string {
	kind := strings.ToLower(l.PropertyType)
	if kind == "" {
		kind = "property"
	}
	return fmt.Sprintf("- %s, %s — %d bed %s, %s (ID: %s)", l.Address, l.Borough, l.Bedrooms, kind, l.Price, l.ID)
}

// Failure builds the terminal answer for a query that could not complete.
func Failure(kind domain.FailureKind, err error) domain.Answer {
	if err == nil {
		err = errors.New("unknown error")
	}
	return domain.Answer{
		Text:      failureText(kind),
		Citations: []string{},
		Failure:   &domain.Failure{Kind: kind, Message: err.Error()},
	}
}

func failureText(kind domain.FailureKind) string {
	switch kind {
	case domain.KindRetrievalUnavailable:
		return "Search is temporarily unavailable. Try adding a borough, bedroom count or price to your question."
	case domain.KindIncompatibleIndex:
		return "The search index is out of date and must be rebuilt."
	case domain.KindCanceled:
		return "The query was cancelled."
	default:
		return "The query could not be completed."
	}
}
