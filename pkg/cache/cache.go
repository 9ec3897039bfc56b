// Package cache is a TTL-bound, optionally gzip-compressed, severity-aware
// key/value store for vulnerability lookups. Any read, parse, or decompress
// error degrades to a cache miss and never surfaces to the caller.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
	"k8s.io/utils/clock"

	"github.com/dephealth/vulnscan-db/pkg/cache/blob"
	"github.com/dephealth/vulnscan-db/pkg/log"
	"github.com/dephealth/vulnscan-db/pkg/types"
)

const (
	// DefaultTTL bounds how long an entry is served before it is re-fetched.
	DefaultTTL = 60 * time.Minute
	// compressThreshold is the serialized-payload size above which entries
	// are gzip-compressed before writing.
	compressThreshold = 10 * 1024
)

// entry is the blob wire format. Exactly one of Data and CompressedData is
// set, keyed by Compressed.
type entry struct {
	Timestamp      int64           `json:"timestamp"`
	Compressed     bool            `json:"compressed"`
	Data           json.RawMessage `json:"data,omitempty"`
	CompressedData string          `json:"compressedData,omitempty"`
}

type Cache struct {
	fs           blob.FS
	ttl          time.Duration
	bypassSevere bool
	clock        clock.PassiveClock
	logger       *log.Logger

	bytesSaved atomic.Int64
}

type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.ttl = ttl
	}
}

// WithSeverityBypass toggles the forced re-fetch of cached payloads that
// contain critical or high findings. Default on.
func WithSeverityBypass(enabled bool) Option {
	return func(c *Cache) {
		c.bypassSevere = enabled
	}
}

func WithClock(cl clock.PassiveClock) Option {
	return func(c *Cache) {
		c.clock = cl
	}
}

func New(fs blob.FS, opts ...Option) *Cache {
	c := &Cache{
		fs:           fs,
		ttl:          DefaultTTL,
		bypassSevere: true,
		clock:        clock.RealClock{},
		logger:       log.WithPrefix("cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key derives the backing blob's name from the human-readable cache key
// "<source>:<packageName>:<version>", avoiding filesystem-unsafe characters.
func Key(source types.SourceID, name, version string) string {
	sum := sha256.Sum256([]byte(string(source) + ":" + name + ":" + version))
	return hex.EncodeToString(sum[:])
}

// Put serializes value and writes it under (source, key), compressing large
// payloads. Compression failure falls back to an uncompressed write rather
// than losing the entry.
func (c *Cache) Put(source types.SourceID, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}

	e := entry{Timestamp: c.clock.Now().UnixMilli()}
	if len(payload) > compressThreshold {
		if compressed, err := compress(payload); err == nil {
			saved := len(payload) - len(compressed)
			c.bytesSaved.Add(int64(saved))
			c.logger.Debug("Compressed cache entry",
				log.Int("original_bytes", len(payload)), log.Int("saved_bytes", saved))
			e.Compressed = true
			e.CompressedData = compressed
		} else {
			c.logger.Debug("Compression failed, writing uncompressed", log.Err(err))
			e.Data = payload
		}
	} else {
		e.Data = payload
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return c.fs.Write(string(source), key, data)
}

// PutAsync is the fire-and-forget write used on the result path. Errors are
// logged, never returned; callers must not depend on the write landing.
func (c *Cache) PutAsync(source types.SourceID, key string, value any) {
	go func() {
		if err := c.Put(source, key, value); err != nil {
			c.logger.Warn("Cache write failed", log.String("key", key), log.Err(err))
		}
	}()
}

// Get reads the entry under (source, key) into out and reports whether it was
// usable. Expired entries are opportunistically deleted. When severity bypass
// is enabled, a vulnerability payload containing a critical or high finding
// is treated as a miss regardless of TTL.
func (c *Cache) Get(source types.SourceID, key string, out any) bool {
	data, err := c.fs.Read(string(source), key)
	if err != nil {
		return false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Debug("Corrupt cache entry", log.String("key", key), log.Err(err))
		return false
	}

	if age := c.clock.Now().UnixMilli() - e.Timestamp; age > c.ttl.Milliseconds() {
		// Lazy expiry: delete on read, no background sweeping.
		if err := c.fs.Remove(string(source), key); err != nil {
			c.logger.Debug("Failed to delete expired entry", log.String("key", key), log.Err(err))
		}
		return false
	}

	payload := []byte(e.Data)
	if e.Compressed {
		payload, err = decompress(e.CompressedData)
		if err != nil {
			c.logger.Debug("Failed to decompress cache entry", log.String("key", key), log.Err(err))
			return false
		}
		// A decompressed payload that is itself a compressed envelope means
		// the blob was double-wrapped at some point; treat as corrupt.
		var probe struct {
			Compressed bool `json:"compressed"`
		}
		if err := json.Unmarshal(payload, &probe); err == nil && probe.Compressed {
			c.logger.Debug("Double-compressed cache entry", log.String("key", key))
			return false
		}
	}

	if c.bypassSevere {
		var vulns []types.Vulnerability
		if err := json.Unmarshal(payload, &vulns); err == nil &&
			types.HasSeverityAtLeast(vulns, types.SeverityHigh) {
			c.logger.Debug("Bypassing cache for high-severity entry", log.String("key", key))
			return false
		}
	}

	if err := json.Unmarshal(payload, out); err != nil {
		c.logger.Debug("Failed to parse cache payload", log.String("key", key), log.Err(err))
		return false
	}
	return true
}

// Close releases the backing blob store.
func (c *Cache) Close() error {
	return c.fs.Close()
}

// Clear removes every entry for one source.
func (c *Cache) Clear(source types.SourceID) error {
	return c.fs.RemoveAll(string(source))
}

// Count reports how many entries one source currently holds.
func (c *Cache) Count(source types.SourceID) (int, error) {
	keys, err := c.fs.List(string(source))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// BytesSaved reports the cumulative compression savings this instance made.
func (c *Cache) BytesSaved() int64 {
	return c.bytesSaved.Load()
}

func compress(payload []byte) (string, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(payload); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func decompress(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	r, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
