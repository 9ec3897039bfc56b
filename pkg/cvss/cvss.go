// Package cvss selects and scores CVSS vectors attached to vulnerability
// records.
package cvss

import (
	"strings"
	"sync"

	gocvss20 "github.com/pandatix/go-cvss/20"
	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"
	gocvss40 "github.com/pandatix/go-cvss/40"

	"github.com/dephealth/vulnscan-db/pkg/types"
)

// Entry is one CVSS vector as delivered by a provider.
type Entry struct {
	Version string
	Vector  string
}

// Selected is the single entry chosen for a record, with its computed score.
// Score is nil when the chosen vector does not parse.
type Selected struct {
	Version string
	Vector  string
	Score   *float64
}

// versionPriority orders CVSS versions; newer versions always win.
var versionPriority = map[string]int{
	"4.0": 4,
	"3.1": 3,
	"3.0": 2,
	"2.0": 1,
}

// Scorer computes CVSS base scores, memoizing results per (version, vector)
// so known-bad vectors are not re-parsed.
type Scorer struct {
	mu   sync.Mutex
	memo map[string]*float64
}

func NewScorer() *Scorer {
	return &Scorer{memo: map[string]*float64{}}
}

// SelectBest picks exactly one entry using the strict priority
// 4.0 > 3.1 > 3.0 > 2.0, breaking ties within a version by first-seen order.
// It returns nil only when entries is empty.
func (s *Scorer) SelectBest(entries []Entry) *Selected {
	var best *Entry
	bestPrio := 0
	for i := range entries {
		prio := versionPriority[entries[i].Version]
		if best == nil || prio > bestPrio {
			best = &entries[i]
			bestPrio = prio
		}
	}
	if best == nil {
		return nil
	}

	return &Selected{
		Version: best.Version,
		Vector:  best.Vector,
		Score:   s.Score(best.Vector, best.Version),
	}
}

// Score computes the numeric base score for vector using the version-specific
// published CVSS algorithm. Malformed vectors, unknown version tags, and
// empty strings yield nil rather than an error.
func (s *Scorer) Score(vector, version string) *float64 {
	key := version + "|" + vector

	s.mu.Lock()
	if cached, ok := s.memo[key]; ok {
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	score := compute(vector, version)

	s.mu.Lock()
	s.memo[key] = score
	s.mu.Unlock()
	return score
}

func compute(vector, version string) *float64 {
	if vector == "" {
		return nil
	}

	switch version {
	case "2.0":
		c, err := gocvss20.ParseVector(vector)
		if err != nil {
			return nil
		}
		score := c.BaseScore()
		return &score
	case "3.0":
		c, err := gocvss30.ParseVector(vector)
		if err != nil {
			return nil
		}
		score := c.BaseScore()
		return &score
	case "3.1":
		c, err := gocvss31.ParseVector(vector)
		if err != nil {
			return nil
		}
		score := c.BaseScore()
		return &score
	case "4.0":
		c, err := gocvss40.ParseVector(vector)
		if err != nil {
			return nil
		}
		score := c.Score()
		return &score
	default:
		return nil
	}
}

// SeverityFromScore buckets a numeric CVSS score into the four severities.
func SeverityFromScore(score float64) types.Severity {
	switch {
	case score >= 9.0:
		return types.SeverityCritical
	case score >= 7.0:
		return types.SeverityHigh
	case score >= 4.0:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

// NormalizeSeverity resolves a record's severity. A numeric score always
// takes priority over any qualitative label; with neither present the record
// defaults to medium.
func NormalizeSeverity(score *float64, label string) types.Severity {
	if score != nil {
		return SeverityFromScore(*score)
	}

	switch strings.ToLower(label) {
	case "critical":
		return types.SeverityCritical
	case "high":
		return types.SeverityHigh
	case "moderate", "medium":
		return types.SeverityMedium
	case "low":
		return types.SeverityLow
	default:
		return types.SeverityMedium
	}
}

// VersionOf extracts the CVSS version tag from a vector string prefix, e.g.
// "CVSS:3.1/AV:N/...". CVSS 2.0 vectors carry no prefix and return "2.0"
// only when explicitly labeled by the provider.
func VersionOf(vector string) string {
	switch {
	case strings.HasPrefix(vector, "CVSS:4.0"):
		return "4.0"
	case strings.HasPrefix(vector, "CVSS:3.1"):
		return "3.1"
	case strings.HasPrefix(vector, "CVSS:3.0"):
		return "3.0"
	default:
		return ""
	}
}
