package types

import (
	"fmt"
	"time"

	"github.com/fatih/color"
)

type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var (
	SeverityNames = []string{
		"low",
		"medium",
		"high",
		"critical",
	}
	SeverityColor = []func(a ...interface{}) string{
		color.New(color.FgBlue).SprintFunc(),
		color.New(color.FgYellow).SprintFunc(),
		color.New(color.FgHiRed).SprintFunc(),
		color.New(color.FgRed).SprintFunc(),
	}
)

func NewSeverity(severity string) (Severity, error) {
	for i, name := range SeverityNames {
		if severity == name {
			return Severity(i), nil
		}
	}
	return SeverityMedium, fmt.Errorf("unknown severity: %s", severity)
}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return "medium"
	}
	return SeverityNames[s]
}

func ColorizeSeverity(severity Severity) string {
	if s := int(severity); s >= 0 && s < len(SeverityColor) {
		return SeverityColor[s](severity.String())
	}
	return severity.String()
}

// MarshalJSON writes the severity as its lowercase name so cache blobs and
// reports stay readable.
func (s Severity) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", s.String())), nil
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		*s = SeverityMedium
		return nil
	}
	sev, err := NewSeverity(string(data[1 : len(data)-1]))
	if err != nil {
		// Unknown labels degrade to medium rather than failing a cache read.
		sev = SeverityMedium
	}
	*s = sev
	return nil
}

// SourceID identifies the provider that contributed a vulnerability record.
type SourceID string

const (
	SourceOSV  SourceID = "osv"
	SourceGHSA SourceID = "ghsa"
)

// Dependency is one package name plus the installed version being checked.
// Identity for caching and lookup purposes is (Name, Version).
type Dependency struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	VersionConstraint string `json:"versionConstraint,omitempty"`
	Dev               bool   `json:"dev,omitempty"`
}

func (d Dependency) Key() string {
	return d.Name + "@" + d.Version
}

// Vulnerability is a single known-issue record for a dependency. Records are
// immutable once constructed; multiple providers may contribute independent
// records for the same dependency, with Sources recording provenance.
type Vulnerability struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	Description      string     `json:"description"`
	Severity         Severity   `json:"severity"`
	CVSSScore        *float64   `json:"cvssScore,omitempty"`
	CVSSVersion      string     `json:"cvssVersion,omitempty"`
	VectorString     string     `json:"vectorString,omitempty"`
	AffectedVersions string     `json:"affectedVersions"`
	PatchedVersions  string     `json:"patchedVersions,omitempty"`
	References       []string   `json:"references,omitempty"`
	CweIDs           []string   `json:"cweIds,omitempty"`
	PublishedDate    *time.Time `json:"publishedDate,omitempty"`
	LastModifiedDate *time.Time `json:"lastModifiedDate,omitempty"`
	Sources          []SourceID `json:"sources"`
}

// Result maps dependency name to the vulnerabilities found for it. Every
// dependency passed to a source has an entry, possibly empty, even on total
// failure.
type Result map[string][]Vulnerability

// NewResult returns a Result pre-seeded with an empty slice per dependency.
func NewResult(deps []Dependency) Result {
	r := make(Result, len(deps))
	for _, dep := range deps {
		r[dep.Name] = []Vulnerability{}
	}
	return r
}

// Merge appends other's records to r. Records are never deduplicated across
// providers.
func (r Result) Merge(other Result) {
	for name, vulns := range other {
		if _, ok := r[name]; !ok {
			r[name] = []Vulnerability{}
		}
		r[name] = append(r[name], vulns...)
	}
}

// HasSeverityAtLeast reports whether any record in vulns is at or above min.
func HasSeverityAtLeast(vulns []Vulnerability, min Severity) bool {
	for _, v := range vulns {
		if v.Severity >= min {
			return true
		}
	}
	return false
}
