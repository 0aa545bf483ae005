package safety

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldChain decomposes compatibility forms, drops combining marks and lowercases.
var foldChain = transform.Chain( //nolint:gochecknoglobals
	norm.NFKD,
	runes.Remove(runes.In(unicode.Mn)),
	cases.Lower(language.Und),
	norm.NFC,
)

// Normalize lowercases text, folds accents, removes apostrophes, turns every other
// non-alphanumeric rune into a space and collapses whitespace.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	folded, _, err := transform.String(foldChain, text)
	if err != nil {
		folded = strings.ToLower(text)
	}

	mapped := strings.Map(func(r rune) rune {
		switch {
		case r == '\'' || r == '’':
			return -1
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			return r
		default:
			return ' '
		}
	}, folded)

	return strings.Join(strings.Fields(mapped), " ")
}

// Match is a detector hit.
type Match struct {
	Severity       Severity
	Term           string
	CatalogVersion string
}

// Detector scans text against one catalog.
type Detector struct {
	catalog Catalog
}

// NewDetector returns a detector bound to catalog.
func NewDetector(catalog Catalog) *Detector {
	return &Detector{catalog: catalog}
}

// Catalog returns the catalog the detector was built with.
func (d *Detector) Catalog() Catalog {
	return d.catalog
}

// Detect returns the first hit scanning crisis, high, medium, low in that order.
func (d *Detector) Detect(text string) (Match, bool) {
	return d.DetectAtLeast(text, SeverityLow)
}

// DetectAtLeast is Detect restricted to tiers ranked at or above minimum.
func (d *Detector) DetectAtLeast(text string, minimum Severity) (Match, bool) {
	normalized := Normalize(text)
	if normalized == "" {
		return Match{}, false
	}

	padded := " " + normalized + " "
	tokens := make(map[string]struct{})
	for _, tok := range strings.Fields(normalized) {
		tokens[tok] = struct{}{}
	}

	for _, sev := range SeverityOrder {
		if sev.Rank() < minimum.Rank() {
			break
		}
		for _, term := range d.catalog.tiers[sev] {
			if matchTerm(term, padded, tokens) {
				return Match{Severity: sev, Term: term, CatalogVersion: d.catalog.version}, true
			}
		}
	}
	return Match{}, false
}

func matchTerm(term, padded string, tokens map[string]struct{}) bool {
	if strings.Contains(term, " ") {
		return strings.Contains(padded, " "+term+" ")
	}
	_, ok := tokens[term]
	return ok
}
