// Package domain defines the listing data model, query plans, traces and
// answers shared by the engine stages. It also owns row parsing and the
// error taxonomy, so it acts as the validation gate at pipeline entry points.
package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// Money is an amount in minor currency units (pence).
type Money int64

// Pounds builds a Money value from whole pounds.
func Pounds(p int64) Money { return Money(p * 100) }

// WholePounds returns the amount truncated to whole pounds.
func (m Money) WholePounds() int64 { return int64(m) / 100 }

// String renders the amount as £1,234,567 or £1,234.50.
func (m Money) String() string {
	neg := m < 0
	if neg {
		m = -m
	}
	pounds := groupThousands(strconv.FormatInt(int64(m)/100, 10))
	pence := int64(m) % 100
	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	b.WriteString("£")
	b.WriteString(pounds)
	if pence != 0 {
		fmt.Fprintf(&b, ".%02d", pence)
	}
	return b.String()
}

func groupThousands(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// Listing is one property in the catalog. ID is unique and immutable; the
// citation mechanism relies on it.
type Listing struct {
	ID           string `json:"id"`
	Address      string `json:"address"`
	Borough      string `json:"borough"`
	Postcode     string `json:"postcode,omitempty"`
	PropertyType string `json:"property_type,omitempty"`
	Bedrooms     int    `json:"bedrooms"`
	Price        Money  `json:"price_pence"`
	ListingDate  string `json:"listing_date,omitempty"`
	AgentName    string `json:"agent_name,omitempty"`
	Description  string `json:"description,omitempty"`
}

// EmbeddingText is the text handed to the embedder for this listing.
func (l Listing) EmbeddingText() string {
	parts := []string{l.ID, l.Address, l.Borough, fmt.Sprintf("%d bed", l.Bedrooms)}
	if l.PropertyType != "" {
		parts = append(parts, l.PropertyType)
	}
	parts = append(parts, l.Price.String())
	if l.Description != "" {
		parts = append(parts, l.Description)
	}
	return strings.Join(parts, " | ")
}

// OutwardCode returns the postcode district ("NW1" for "NW1 2AB").
func (l Listing) OutwardCode() string {
	return OutwardCode(l.Postcode)
}

// OutwardCode extracts the district part of a UK postcode. Postcodes stored
// without a space still split correctly because the inward code is always
// three characters.
func OutwardCode(postcode string) string {
	pc := strings.ToUpper(strings.TrimSpace(postcode))
	if pc == "" {
		return ""
	}
	if i := strings.IndexByte(pc, ' '); i > 0 {
		return pc[:i]
	}
	if len(pc) > 4 {
		return pc[:len(pc)-3]
	}
	return pc
}

// RawRow is one row yielded by a record source, keyed by column name.
type RawRow map[string]string

// Strategy selects how a plan is executed.
type Strategy string

const (
	StrategyStructured Strategy = "structured"
	StrategyVector     Strategy = "vector"
	StrategyHybrid     Strategy = "hybrid"
)

// Plan is the per-query intent produced by the planner and consumed once by
// the executor.
type Plan struct {
	Filters   Filters  `json:"filters"`
	Strategy  Strategy `json:"strategy"`
	QueryText string   `json:"query_text"`
	Residual  string   `json:"residual,omitempty"`
	Ambiguous bool     `json:"ambiguous,omitempty"`
}

// Hit is one ranked record in a result set. Score is only meaningful for the
// vector and hybrid strategies.
type Hit struct {
	Listing  Listing `json:"listing"`
	Score    float64 `json:"score"`
	Distance float64 `json:"distance"`
}

// ResultSet is the ordered executor output.
type ResultSet []Hit

// IDs returns the listing ids in result order.
func (rs ResultSet) IDs() []string {
	ids := make([]string, len(rs))
	for i, h := range rs {
		ids[i] = h.Listing.ID
	}
	return ids
}

// Answer is the final rendered response.
type Answer struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations"`
	Failure   *Failure `json:"failure,omitempty"`
}

// Failure describes why a query terminated early.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// StepName names a trace step.
type StepName string

const (
	StepClarify StepName = "clarify"
	StepPlan    StepName = "plan"
	StepExecute StepName = "execute"
	StepRespond StepName = "respond"
	StepError   StepName = "error"
)

// Step is a single trace entry carrying that stage's output.
type Step struct {
	Name   StepName `json:"step"`
	Output any      `json:"output"`
}

// Trace is the ordered record of stages executed for one query.
type Trace []Step

// Names returns the step names in order.
func (t Trace) Names() []StepName {
	out := make([]StepName, len(t))
	for i, s := range t {
		out[i] = s.Name
	}
	return out
}

// ExecuteOutput is the payload of the execute step.
type ExecuteOutput struct {
	Strategy     Strategy `json:"strategy"`
	Rows         int      `json:"rows"`
	IDs          []string `json:"ids"`
	Degraded     bool     `json:"degraded,omitempty"`
	FallbackFrom Strategy `json:"fallback_from,omitempty"`
	Stale        int      `json:"stale_dropped,omitempty"`
}

// Result is what the engine boundary always returns for a query.
type Result struct {
	Trace Trace  `json:"trace"`
	Final Answer `json:"final"`
}
