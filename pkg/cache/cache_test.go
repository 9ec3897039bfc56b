package cache_test

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/dephealth/vulnscan-db/pkg/cache"
	"github.com/dephealth/vulnscan-db/pkg/cache/blob"
	"github.com/dephealth/vulnscan-db/pkg/types"
)

func newOSFS(t *testing.T) blob.FS {
	t.Helper()
	fs, err := blob.NewOSFS(t.TempDir())
	require.NoError(t, err)
	return fs
}

func newBoltFS(t *testing.T) blob.FS {
	t.Helper()
	fs, err := blob.NewBoltFS(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() }) //nolint:errcheck
	return fs
}

func backends(t *testing.T) map[string]blob.FS {
	return map[string]blob.FS{
		"osfs":   newOSFS(t),
		"boltfs": newBoltFS(t),
	}
}

func TestCache_RoundTrip(t *testing.T) {
	small := []types.Vulnerability{
		{
			ID:               "CVE-2024-0001",
			Title:            "prototype pollution",
			Severity:         types.SeverityLow,
			AffectedVersions: ">=1.0.0 <2.0.0",
			Sources:          []types.SourceID{types.SourceOSV},
		},
	}
	// Large enough to cross the 10 KiB compression threshold.
	large := []types.Vulnerability{
		{
			ID:               "CVE-2024-0002",
			Title:            "denial of service",
			Description:      strings.Repeat("a very long description ", 1024),
			Severity:         types.SeverityMedium,
			AffectedVersions: "*",
			Sources:          []types.SourceID{types.SourceOSV},
		},
	}

	for name, fs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := cache.New(fs)

			for _, payload := range [][]types.Vulnerability{small, large} {
				key := cache.Key(types.SourceOSV, payload[0].ID, "1.2.3")
				require.NoError(t, c.Put(types.SourceOSV, key, payload))

				var got []types.Vulnerability
				require.True(t, c.Get(types.SourceOSV, key, &got))
				assert.Equal(t, payload, got)
			}

			assert.Positive(t, c.BytesSaved(), "large payload must have been compressed")
		})
	}
}

func TestCache_CompressedEntryFormat(t *testing.T) {
	fs := newOSFS(t)
	c := cache.New(fs)

	payload := []types.Vulnerability{{
		ID:          "CVE-2024-0003",
		Description: strings.Repeat("x", 20*1024),
		Severity:    types.SeverityLow,
	}}
	key := cache.Key(types.SourceOSV, "pkg", "1.0.0")
	require.NoError(t, c.Put(types.SourceOSV, key, payload))

	raw, err := fs.Read(string(types.SourceOSV), key)
	require.NoError(t, err)

	// The blob is the tagged union: compressed entries carry only
	// compressedData, uncompressed ones only data.
	var envelope struct {
		Timestamp      int64           `json:"timestamp"`
		Compressed     bool            `json:"compressed"`
		Data           json.RawMessage `json:"data"`
		CompressedData string          `json:"compressedData"`
	}
	require.NoError(t, json.Unmarshal(raw, &envelope))
	assert.True(t, envelope.Compressed)
	assert.Empty(t, envelope.Data)
	assert.NotEmpty(t, envelope.CompressedData)
	assert.NotZero(t, envelope.Timestamp)

	// And the compressed payload gunzips back to the vulnerability list.
	decoded, err := base64.StdEncoding.DecodeString(envelope.CompressedData)
	require.NoError(t, err)
	zr, err := gzip.NewReader(bytes.NewReader(decoded))
	require.NoError(t, err)
	var inner []types.Vulnerability
	require.NoError(t, json.NewDecoder(zr).Decode(&inner))
	assert.Equal(t, payload[0].ID, inner[0].ID)
}

func TestCache_TTLExpiry(t *testing.T) {
	fs := newOSFS(t)
	fc := clocktesting.NewFakeClock(time.Now())
	c := cache.New(fs, cache.WithTTL(60*time.Minute), cache.WithClock(fc))

	key := cache.Key(types.SourceOSV, "left-pad", "1.3.0")
	require.NoError(t, c.Put(types.SourceOSV, key, []types.Vulnerability{}))

	var got []types.Vulnerability
	assert.True(t, c.Get(types.SourceOSV, key, &got))

	fc.Step(61 * time.Minute)
	assert.False(t, c.Get(types.SourceOSV, key, &got), "expired entry must be a miss")

	// Lazy expiry deletes the blob on read.
	_, err := fs.Read(string(types.SourceOSV), key)
	var nf *blob.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestCache_SeverityBypass(t *testing.T) {
	critical := []types.Vulnerability{{ID: "CVE-2024-0004", Severity: types.SeverityCritical}}
	high := []types.Vulnerability{{ID: "CVE-2024-0005", Severity: types.SeverityHigh}}
	medium := []types.Vulnerability{{ID: "CVE-2024-0006", Severity: types.SeverityMedium}}

	t.Run("bypass enabled", func(t *testing.T) {
		c := cache.New(newOSFS(t))

		var got []types.Vulnerability
		for name, payload := range map[string][]types.Vulnerability{"critical": critical, "high": high} {
			key := cache.Key(types.SourceGHSA, name, "1.0.0")
			require.NoError(t, c.Put(types.SourceGHSA, key, payload))
			assert.False(t, c.Get(types.SourceGHSA, key, &got),
				"%s entries must never be served from cache", name)
		}

		key := cache.Key(types.SourceGHSA, "medium", "1.0.0")
		require.NoError(t, c.Put(types.SourceGHSA, key, medium))
		assert.True(t, c.Get(types.SourceGHSA, key, &got))
	})

	t.Run("bypass disabled", func(t *testing.T) {
		c := cache.New(newOSFS(t), cache.WithSeverityBypass(false))

		key := cache.Key(types.SourceGHSA, "critical", "1.0.0")
		require.NoError(t, c.Put(types.SourceGHSA, key, critical))
		var got []types.Vulnerability
		assert.True(t, c.Get(types.SourceGHSA, key, &got))
	})
}

func TestCache_CorruptEntries(t *testing.T) {
	fs := newOSFS(t)
	c := cache.New(fs)
	var got []types.Vulnerability

	t.Run("not json", func(t *testing.T) {
		require.NoError(t, fs.Write(string(types.SourceOSV), "broken", []byte("not json at all")))
		assert.False(t, c.Get(types.SourceOSV, "broken", &got))
	})

	t.Run("bad base64", func(t *testing.T) {
		entry := `{"timestamp":` + timestampNow() + `,"compressed":true,"compressedData":"!!!"}`
		require.NoError(t, fs.Write(string(types.SourceOSV), "badb64", []byte(entry)))
		assert.False(t, c.Get(types.SourceOSV, "badb64", &got))
	})

	t.Run("double compressed", func(t *testing.T) {
		// The decompressed content is itself a compressed envelope.
		inner := `{"timestamp":1,"compressed":true,"compressedData":"abcd"}`
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write([]byte(inner))
		require.NoError(t, err)
		require.NoError(t, zw.Close())

		entry := `{"timestamp":` + timestampNow() + `,"compressed":true,"compressedData":"` +
			base64.StdEncoding.EncodeToString(buf.Bytes()) + `"}`
		require.NoError(t, fs.Write(string(types.SourceOSV), "double", []byte(entry)))
		assert.False(t, c.Get(types.SourceOSV, "double", &got))
	})

	t.Run("missing blob", func(t *testing.T) {
		assert.False(t, c.Get(types.SourceOSV, "nope", &got))
	})
}

func TestCache_Clear(t *testing.T) {
	for name, fs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := cache.New(fs)

			key := cache.Key(types.SourceOSV, "express", "4.18.0")
			require.NoError(t, c.Put(types.SourceOSV, key, []types.Vulnerability{}))
			otherKey := cache.Key(types.SourceGHSA, "express", "4.18.0")
			require.NoError(t, c.Put(types.SourceGHSA, otherKey, []types.Vulnerability{}))

			require.NoError(t, c.Clear(types.SourceOSV))

			var got []types.Vulnerability
			assert.False(t, c.Get(types.SourceOSV, key, &got))
			assert.True(t, c.Get(types.SourceGHSA, otherKey, &got), "clearing one namespace must not touch another")
		})
	}
}

func TestCache_Count(t *testing.T) {
	for name, fs := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := cache.New(fs)

			count, err := c.Count(types.SourceOSV)
			require.NoError(t, err)
			assert.Zero(t, count)

			for _, version := range []string{"1.0.0", "1.0.1", "1.0.2"} {
				key := cache.Key(types.SourceOSV, "lodash", version)
				require.NoError(t, c.Put(types.SourceOSV, key, []types.Vulnerability{}))
			}
			require.NoError(t, c.Put(types.SourceGHSA,
				cache.Key(types.SourceGHSA, "lodash", "1.0.0"), []types.Vulnerability{}))

			count, err = c.Count(types.SourceOSV)
			require.NoError(t, err)
			assert.Equal(t, 3, count)

			require.NoError(t, c.Clear(types.SourceOSV))
			count, err = c.Count(types.SourceOSV)
			require.NoError(t, err)
			assert.Zero(t, count, "cleared namespace must count zero")
		})
	}
}

func TestKey(t *testing.T) {
	k1 := cache.Key(types.SourceOSV, "lodash", "4.17.20")
	k2 := cache.Key(types.SourceOSV, "lodash", "4.17.21")
	k3 := cache.Key(types.SourceGHSA, "lodash", "4.17.20")

	assert.Len(t, k1, 64, "sha-256 hex digest")
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Equal(t, k1, cache.Key(types.SourceOSV, "lodash", "4.17.20"))

	for _, r := range k1 {
		assert.Contains(t, "0123456789abcdef", string(r))
	}
}

func timestampNow() string {
	return jsonNumber(time.Now().UnixMilli())
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
