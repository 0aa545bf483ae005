// Package safety holds the pure building blocks of inbound screening: the
// versioned keyword catalog, the detector, the rolling-window rate limiter, the
// strike escalator and the response texts. Nothing here touches the datastore.
package safety

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when a threshold, window or catalog is unusable.
var ErrInvalidConfig = errors.New("invalid safety configuration")

// Severity is a keyword tier.
type Severity string

// Severity tiers.
const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
	SeverityCrisis Severity = "crisis"
)

// SeverityOrder is the scan order. The first tier with a hit wins.
var SeverityOrder = []Severity{SeverityCrisis, SeverityHigh, SeverityMedium, SeverityLow}

// Rank orders severities so that crisis > high > medium > low. Unknown tiers rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCrisis:
		return 4
	}
	return 0
}

// ParseSeverity maps a tier name to a Severity.
func ParseSeverity(raw string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(raw)))
	if s.Rank() == 0 {
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidConfig, raw)
	}
	return s, nil
}

// Catalog is an immutable, versioned set of severity-tagged terms.
// Terms are stored normalized; use NewCatalog to build one.
type Catalog struct {
	version string
	tiers   map[Severity][]string
}

type catalogFile struct {
	Version string              `yaml:"version"`
	Tiers   map[string][]string `yaml:"tiers"`
}

// NewCatalog validates and normalizes the given tiers into a Catalog.
func NewCatalog(version string, tiers map[Severity][]string) (Catalog, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return Catalog{}, fmt.Errorf("%w: catalog version is required", ErrInvalidConfig)
	}

	out := make(map[Severity][]string, len(tiers))
	total := 0
	for sev, terms := range tiers {
		if sev.Rank() == 0 {
			return Catalog{}, fmt.Errorf("%w: unknown severity %q", ErrInvalidConfig, sev)
		}
		normalized := make([]string, 0, len(terms))
		for _, term := range terms {
			n := Normalize(term)
			if n == "" {
				return Catalog{}, fmt.Errorf("%w: empty term in tier %q", ErrInvalidConfig, sev)
			}
			normalized = append(normalized, n)
		}
		out[sev] = normalized
		total += len(normalized)
	}
	if total == 0 {
		return Catalog{}, fmt.Errorf("%w: catalog %q has no terms", ErrInvalidConfig, version)
	}

	return Catalog{version: version, tiers: out}, nil
}

// Version identifies the catalog revision recorded with every match.
func (c Catalog) Version() string {
	return c.version
}

// Terms returns a copy of the normalized terms for a tier.
func (c Catalog) Terms(sev Severity) []string {
	terms := c.tiers[sev]
	out := make([]string, len(terms))
	copy(out, terms)
	return out
}

// ParseCatalog decodes a YAML catalog document.
func ParseCatalog(data []byte) (Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Catalog{}, fmt.Errorf("%w: decode catalog: %v", ErrInvalidConfig, err)
	}

	tiers := make(map[Severity][]string, len(file.Tiers))
	for name, terms := range file.Tiers {
		sev, err := ParseSeverity(name)
		if err != nil {
			return Catalog{}, err
		}
		tiers[sev] = terms
	}
	return NewCatalog(file.Version, tiers)
}

// LoadCatalog reads a YAML catalog from path. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read keyword catalog: %w", err)
	}
	return ParseCatalog(data)
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() Catalog {
	c, err := NewCatalog("2024-06-01", map[Severity][]string{
		SeverityCrisis: {"kill myself", "end my life", "suicide", "want to die", "hurt myself", "self harm"},
		SeverityHigh:   {"i will hurt you", "kill you", "i will find you", "rape"},
		SeverityMedium: {"i hate you", "shut up", "idiot", "stupid"},
		SeverityLow:    {"damn", "crap", "wtf"},
	})
	if err != nil {
		panic(err)
	}
	return c
}
