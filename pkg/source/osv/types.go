package osv

import (
	"encoding/json"
	"time"
)

type batchRequest struct {
	Queries []query `json:"queries"`
}

type query struct {
	Package pkg    `json:"package"`
	Version string `json:"version"`
}

type pkg struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type batchResponse struct {
	Results []batchResult `json:"results"`
}

type batchResult struct {
	Vulns []vulnRef `json:"vulns,omitempty"`
}

type vulnRef struct {
	ID string `json:"id"`
}

// Entry is a full vulnerability record as returned by the detail endpoint.
type Entry struct {
	ID               string          `json:"id"`
	Summary          string          `json:"summary,omitempty"`
	Details          string          `json:"details,omitempty"`
	Aliases          []string        `json:"aliases,omitempty"`
	Published        *time.Time      `json:"published,omitempty"`
	Modified         *time.Time      `json:"modified,omitempty"`
	Severity         []SeverityEntry `json:"severity,omitempty"`
	Affected         []Affected      `json:"affected,omitempty"`
	References       []Reference     `json:"references,omitempty"`
	DatabaseSpecific json.RawMessage `json:"database_specific,omitempty"`
}

type SeverityEntry struct {
	Type  string `json:"type"`
	Score string `json:"score"`
}

type Affected struct {
	Package *pkg    `json:"package,omitempty"`
	Ranges  []Range `json:"ranges,omitempty"`
}

type Range struct {
	Type   string  `json:"type,omitempty"`
	Events []Event `json:"events,omitempty"`
}

type Event struct {
	Introduced   string `json:"introduced,omitempty"`
	Fixed        string `json:"fixed,omitempty"`
	LastAffected string `json:"last_affected,omitempty"`
}

type Reference struct {
	Type string `json:"type,omitempty"`
	URL  string `json:"url,omitempty"`
}

type databaseSpecific struct {
	Severity string   `json:"severity,omitempty"`
	CweIDs   []string `json:"cwe_ids,omitempty"`
}
