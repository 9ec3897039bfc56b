package ghsa

import "time"

// Advisory is one record from the REST advisory API. A single advisory may
// list several affected packages; each match is emitted as an independent
// vulnerability.
type Advisory struct {
	GhsaID          string          `json:"ghsa_id"`
	CveID           string          `json:"cve_id,omitempty"`
	Summary         string          `json:"summary,omitempty"`
	Description     string          `json:"description,omitempty"`
	Severity        string          `json:"severity,omitempty"`
	References      []string        `json:"references,omitempty"`
	Vulnerabilities []Vulnerability `json:"vulnerabilities,omitempty"`
	CVSS            *CVSS           `json:"cvss,omitempty"`
	CVSSSeverities  *CVSSSeverities `json:"cvss_severities,omitempty"`
	CWEs            []CWE           `json:"cwes,omitempty"`
	PublishedAt     *time.Time      `json:"published_at,omitempty"`
	UpdatedAt       *time.Time      `json:"updated_at,omitempty"`
}

type Vulnerability struct {
	Package                Package `json:"package"`
	VulnerableVersionRange string  `json:"vulnerable_version_range,omitempty"`
	FirstPatchedVersion    string  `json:"first_patched_version,omitempty"`
}

type Package struct {
	Ecosystem string `json:"ecosystem"`
	Name      string `json:"name"`
}

type CVSS struct {
	VectorString string  `json:"vector_string,omitempty"`
	Score        float64 `json:"score,omitempty"`
}

type CVSSSeverities struct {
	CVSSV3 *CVSS `json:"cvss_v3,omitempty"`
	CVSSV4 *CVSS `json:"cvss_v4,omitempty"`
}

type CWE struct {
	CweID string `json:"cwe_id"`
	Name  string `json:"name,omitempty"`
}
