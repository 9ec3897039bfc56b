package cvss

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dephealth/vulnscan-db/pkg/types"
)

func TestScorer_SelectBest(t *testing.T) {
	e20 := Entry{Version: "2.0", Vector: "AV:N/AC:L/Au:N/C:P/I:P/A:P"}
	e30 := Entry{Version: "3.0", Vector: "CVSS:3.0/AV:N/AC:L/PR:N/UI:N/S:U/C:L/I:L/A:L"}
	e31 := Entry{Version: "3.1", Vector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:L/I:L/A:L"}
	e40 := Entry{Version: "4.0", Vector: "CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:H/VI:H/VA:H/SC:N/SI:N/SA:N"}

	tests := []struct {
		name        string
		entries     []Entry
		wantVersion string
	}{
		{
			name:        "all versions shuffled",
			entries:     []Entry{e30, e20, e40, e31},
			wantVersion: "4.0",
		},
		{
			name:        "3.1 beats 3.0 and 2.0",
			entries:     []Entry{e20, e31, e30},
			wantVersion: "3.1",
		},
		{
			name:        "3.0 beats 2.0",
			entries:     []Entry{e30, e20},
			wantVersion: "3.0",
		},
		{
			name:        "single 2.0",
			entries:     []Entry{e20},
			wantVersion: "2.0",
		},
		{
			name: "tie broken by first-seen order",
			entries: []Entry{
				{Version: "3.1", Vector: "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"},
				e31,
			},
			wantVersion: "3.1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewScorer().SelectBest(tt.entries)
			require.NotNil(t, got)
			assert.Equal(t, tt.wantVersion, got.Version)
			assert.Equal(t, tt.entries[indexOfVersion(tt.entries, tt.wantVersion)].Vector, got.Vector)
		})
	}

	t.Run("no entries", func(t *testing.T) {
		assert.Nil(t, NewScorer().SelectBest(nil))
	})
}

func indexOfVersion(entries []Entry, version string) int {
	for i, e := range entries {
		if e.Version == version {
			return i
		}
	}
	return -1
}

func TestScorer_Score(t *testing.T) {
	tests := []struct {
		name    string
		vector  string
		version string
		want    *float64
	}{
		{
			name:    "cvss v3.1",
			vector:  "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:L/I:L/A:L",
			version: "3.1",
			want:    ptr(7.3),
		},
		{
			name:    "cvss v3.0 critical",
			vector:  "CVSS:3.0/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H",
			version: "3.0",
			want:    ptr(9.8),
		},
		{
			name:    "cvss v2.0",
			vector:  "AV:N/AC:L/Au:N/C:P/I:P/A:P",
			version: "2.0",
			want:    ptr(7.5),
		},
		{
			name:    "malformed vector",
			vector:  "CVSS:3.1/NOT-A-VECTOR",
			version: "3.1",
			want:    nil,
		},
		{
			name:    "unknown version tag",
			vector:  "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:L/I:L/A:L",
			version: "5.0",
			want:    nil,
		},
		{
			name:    "empty vector",
			vector:  "",
			version: "3.1",
			want:    nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewScorer().Score(tt.vector, tt.version)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.InDelta(t, *tt.want, *got, 0.01)
		})
	}

	t.Run("cvss v4.0 parses", func(t *testing.T) {
		got := NewScorer().Score("CVSS:4.0/AV:N/AC:L/AT:N/PR:N/UI:N/VC:H/VI:H/VA:H/SC:N/SI:N/SA:N", "4.0")
		require.NotNil(t, got)
		assert.GreaterOrEqual(t, *got, 0.0)
		assert.LessOrEqual(t, *got, 10.0)
	})
}

func TestScorer_Memoization(t *testing.T) {
	s := NewScorer()

	// Negative results are memoized too, so known-bad vectors are not
	// re-parsed on every record.
	assert.Nil(t, s.Score("garbage", "3.1"))
	s.mu.Lock()
	cached, ok := s.memo["3.1|garbage"]
	s.mu.Unlock()
	assert.True(t, ok)
	assert.Nil(t, cached)

	got := s.Score("CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:L/I:L/A:L", "3.1")
	require.NotNil(t, got)
	again := s.Score("CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:L/I:L/A:L", "3.1")
	assert.Same(t, got, again)
}

func TestSeverityFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  types.Severity
	}{
		{3.9, types.SeverityLow},
		{4.0, types.SeverityMedium},
		{6.9, types.SeverityMedium},
		{7.0, types.SeverityHigh},
		{8.9, types.SeverityHigh},
		{9.0, types.SeverityCritical},
		{0.0, types.SeverityLow},
		{10.0, types.SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFromScore(tt.score), "score %.1f", tt.score)
	}
}

func TestNormalizeSeverity(t *testing.T) {
	tests := []struct {
		name  string
		score *float64
		label string
		want  types.Severity
	}{
		{
			name:  "numeric score wins over label",
			score: ptr(9.8),
			label: "low",
			want:  types.SeverityCritical,
		},
		{
			name:  "qualitative critical",
			label: "CRITICAL",
			want:  types.SeverityCritical,
		},
		{
			name:  "qualitative moderate maps to medium",
			label: "Moderate",
			want:  types.SeverityMedium,
		},
		{
			name:  "qualitative low",
			label: "low",
			want:  types.SeverityLow,
		},
		{
			name: "neither present defaults to medium",
			want: types.SeverityMedium,
		},
		{
			name:  "unknown label defaults to medium",
			label: "whatever",
			want:  types.SeverityMedium,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSeverity(tt.score, tt.label))
		})
	}
}

func ptr(f float64) *float64 {
	return &f
}
