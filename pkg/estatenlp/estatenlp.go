// Package estatenlp finds London property vocabulary in free text: borough
// names and their common short forms, postcode districts, and spelled-out
// numbers. No external dependencies.
package estatenlp

import (
	"regexp"
	"sort"
	"strings"
)

// Match is one vocabulary hit. Start and End are byte offsets into the
// searched text; Value is the canonical form.
type Match struct {
	Value string
	Span  string
	Start int
	End   int
}

// Boroughs lists the 33 local authorities of Greater London.
var Boroughs = []string{
	"Barking and Dagenham", "Barnet", "Bexley", "Brent", "Bromley", "Camden",
	"City of London", "Croydon", "Ealing", "Enfield", "Greenwich", "Hackney",
	"Hammersmith and Fulham", "Haringey", "Harrow", "Havering", "Hillingdon",
	"Hounslow", "Islington", "Kensington and Chelsea", "Kingston upon Thames",
	"Lambeth", "Lewisham", "Merton", "Newham", "Redbridge",
	"Richmond upon Thames", "Southwark", "Sutton", "Tower Hamlets",
	"Waltham Forest", "Wandsworth", "Westminster",
}

// boroughAliases maps informal names to the canonical borough.
var boroughAliases = map[string]string{
	"kensington":           "Kensington and Chelsea",
	"chelsea":              "Kensington and Chelsea",
	"kensington & chelsea": "Kensington and Chelsea",
	"hammersmith":          "Hammersmith and Fulham",
	"fulham":               "Hammersmith and Fulham",
	"hammersmith & fulham": "Hammersmith and Fulham",
	"richmond":             "Richmond upon Thames",
	"kingston":             "Kingston upon Thames",
	"barking":              "Barking and Dagenham",
	"dagenham":             "Barking and Dagenham",
	"the city":             "City of London",
	"city of westminster":  "Westminster",
}

var boroughIndex map[string]string // lower-case name or alias -> canonical

var (
	boroughRe    *regexp.Regexp
	wordNumberRe *regexp.Regexp
)

// postcodeRe matches London postcode districts (outward codes) as whole words.
var postcodeRe = regexp.MustCompile(`(?i)\b((?:ec|wc|nw|se|sw|br|cr|da|en|ha|ig|kt|rm|sm|tw|ub|e|n|w)[1-9][0-9]?[a-z]?)\b`)

// WordNumbers maps spelled-out small numbers to digits.
var WordNumbers = map[string]string{
	"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
	"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9", "ten": "10",
}

func init() {
	boroughIndex = make(map[string]string, len(Boroughs)+len(boroughAliases))
	for _, b := range Boroughs {
		boroughIndex[strings.ToLower(b)] = b
	}
	for alias, b := range boroughAliases {
		boroughIndex[alias] = b
	}

	names := make([]string, 0, len(boroughIndex))
	for name := range boroughIndex {
		names = append(names, name)
	}
	// Longest first so "city of westminster" wins over "westminster".
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})
	for i, n := range names {
		names[i] = strings.ReplaceAll(regexp.QuoteMeta(n), " ", `\s+`)
	}
	boroughRe = regexp.MustCompile(`(?i)\b(` + strings.Join(names, "|") + `)\b`)

	words := make([]string, 0, len(WordNumbers))
	for w := range WordNumbers {
		words = append(words, w)
	}
	sort.Strings(words)
	wordNumberRe = regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)(\s*-?\s*)(bed|beds|bedroom|bedrooms|bedroomed|br|bdr)\b`)
}

// CanonicalBorough returns the canonical borough for a name or alias.
func CanonicalBorough(name string) (string, bool) {
	b, ok := boroughIndex[strings.Join(strings.Fields(strings.ToLower(name)), " ")]
	return b, ok
}

// FindBoroughs returns every borough mention in text, in order.
func FindBoroughs(text string) []Match {
	var out []Match
	for _, loc := range boroughRe.FindAllStringSubmatchIndex(text, -1) {
		span := text[loc[2]:loc[3]]
		canonical, ok := CanonicalBorough(span)
		if !ok {
			continue
		}
		out = append(out, Match{Value: canonical, Span: span, Start: loc[2], End: loc[3]})
	}
	return out
}

// FindPostcodeDistricts returns every postcode district in text, upper-cased.
func FindPostcodeDistricts(text string) []Match {
	var out []Match
	for _, loc := range postcodeRe.FindAllStringSubmatchIndex(text, -1) {
		span := text[loc[2]:loc[3]]
		out = append(out, Match{Value: strings.ToUpper(span), Span: span, Start: loc[2], End: loc[3]})
	}
	return out
}

// NormalizeBedroomWords rewrites "two bed" and "two-bedroom" as "2 bed" and
// "2 bedroom". Number words not followed by a bedroom word are left alone.
func NormalizeBedroomWords(text string) string {
	return wordNumberRe.ReplaceAllStringFunc(text, func(s string) string {
		m := wordNumberRe.FindStringSubmatch(s)
		return WordNumbers[strings.ToLower(m[1])] + " " + m[3]
	})
}
