// Package osv implements the two-phase "hybrid" batch lookup against a bulk
// vulnerability database: one cheap request discovers which IDs affect each
// package@version, then full details are hydrated per unique ID. Details are
// highly cacheable across packages sharing a vulnerability, which is what
// makes the split worthwhile.
package osv

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/dephealth/vulnscan-db/pkg/cache"
	"github.com/dephealth/vulnscan-db/pkg/cvss"
	"github.com/dephealth/vulnscan-db/pkg/log"
	"github.com/dephealth/vulnscan-db/pkg/queue"
	"github.com/dephealth/vulnscan-db/pkg/transport"
	"github.com/dephealth/vulnscan-db/pkg/types"
)

const (
	sourceID = types.SourceOSV

	defaultBaseURL = "https://api.osv.dev/v1"
	ecosystem      = "npm"

	// maxBatchQueries bounds one querybatch request. Large dependency sets
	// are always chunked proactively rather than split on demand.
	maxBatchQueries = 1000
)

type Client struct {
	http    *transport.Client
	gate    *queue.Gate
	cache   *cache.Cache
	scorer  *cvss.Scorer
	baseURL string
	logger  *log.Logger

	// detailMu guards the in-process detail cache shared across batches.
	detailMu sync.Mutex
	details  map[string]*Entry
}

type Option func(*Client)

func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

func WithGate(g *queue.Gate) Option {
	return func(c *Client) {
		c.gate = g
	}
}

func NewClient(http *transport.Client, pcache *cache.Cache, opts ...Option) *Client {
	c := &Client{
		http:    http,
		gate:    queue.New(queue.HighThroughputConcurrency),
		cache:   pcache,
		scorer:  cvss.NewScorer(),
		baseURL: defaultBaseURL,
		logger:  log.WithPrefix("osv"),
		details: map[string]*Entry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() types.SourceID {
	return sourceID
}

// GetBatchVulnerabilities looks up every dependency, serving what it can from
// the persistent cache and batching the rest against the provider. The result
// has exactly one entry per dependency.
func (c *Client) GetBatchVulnerabilities(ctx context.Context, deps []types.Dependency, bypassCache bool) (types.Result, error) {
	result := types.NewResult(deps)
	if len(deps) == 0 {
		return result, nil
	}

	fetch := deps
	if !bypassCache {
		fetch = nil
		for _, dep := range deps {
			var cached []types.Vulnerability
			if c.cache.Get(sourceID, cache.Key(sourceID, dep.Name, dep.Version), &cached) {
				result[dep.Name] = cached
				continue
			}
			fetch = append(fetch, dep)
		}
	}
	if len(fetch) == 0 {
		return result, nil
	}

	c.logger.Debug("Querying batch", log.Int("total", len(deps)), log.Int("uncached", len(fetch)))

	for _, chunk := range lo.Chunk(fetch, maxBatchQueries) {
		idsByDep, err := c.queryBatch(ctx, chunk)
		if err != nil {
			if transport.IsUnrecoverable(err) {
				return result, err
			}
			// Partial data beats blocking the whole scan.
			c.logger.Warn("Batch query failed, returning empty results for chunk", log.Err(err))
			continue
		}

		entries := c.hydrate(ctx, lo.Uniq(lo.Flatten(lo.Values(idsByDep))))

		for _, dep := range chunk {
			vulns := []types.Vulnerability{}
			complete := true
			for _, id := range idsByDep[dep.Key()] {
				entry, ok := entries[id]
				if !ok {
					// A failed detail fetch leaves the list incomplete; it is
					// still returned but must not be cached as authoritative.
					complete = false
					continue
				}
				vulns = append(vulns, c.convert(entry, dep))
			}
			result[dep.Name] = vulns
			if complete {
				c.cache.PutAsync(sourceID, cache.Key(sourceID, dep.Name, dep.Version), vulns)
			}
		}
	}

	return result, nil
}

// queryBatch issues one querybatch request and maps each dependency to the
// vulnerability IDs affecting it. The response must carry exactly one result
// slot per query, in request order; a length mismatch fails the whole batch.
func (c *Client) queryBatch(ctx context.Context, deps []types.Dependency) (map[string][]string, error) {
	req := batchRequest{Queries: make([]query, len(deps))}
	for i, dep := range deps {
		req.Queries[i] = query{
			Package: pkg{Name: dep.Name, Ecosystem: ecosystem},
			Version: dep.Version,
		}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	data, err := queue.Run(ctx, c.gate, func() ([]byte, error) {
		return c.http.Request(ctx, http.MethodPost, c.baseURL+"/querybatch", body, transport.Options{})
	})
	if err != nil {
		return nil, err
	}

	var resp batchResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) != len(deps) {
		c.logger.Warn("Batch result count mismatch",
			log.Int("queries", len(deps)), log.Int("results", len(resp.Results)))
		return map[string][]string{}, nil
	}

	idsByDep := make(map[string][]string, len(deps))
	for i, res := range resp.Results {
		idsByDep[deps[i].Key()] = lo.Map(res.Vulns, func(v vulnRef, _ int) string {
			return v.ID
		})
	}
	return idsByDep, nil
}

// hydrate fetches full details for every ID not already held in the
// in-process cache. Individual failures are logged and the ID is omitted; a
// missing detail never aborts the batch.
func (c *Client) hydrate(ctx context.Context, ids []string) map[string]*Entry {
	// Serve in-process hits before launching any fetches; entries must not be
	// written from the caller while fetch goroutines hold mu.
	entries := make(map[string]*Entry, len(ids))
	var missing []string
	c.detailMu.Lock()
	for _, id := range ids {
		if cached, ok := c.details[id]; ok {
			entries[id] = cached
			continue
		}
		missing = append(missing, id)
	}
	c.detailMu.Unlock()

	var mu sync.Mutex
	var g errgroup.Group
	for _, id := range missing {
		id := id
		g.Go(func() error {
			entry, err := queue.Run(ctx, c.gate, func() (*Entry, error) {
				return c.fetchDetail(ctx, id)
			})
			if err != nil {
				c.logger.Warn("Detail fetch failed", log.String("id", id), log.Err(err))
				return nil
			}

			c.detailMu.Lock()
			c.details[id] = entry
			c.detailMu.Unlock()

			mu.Lock()
			entries[id] = entry
			mu.Unlock()
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	return entries
}

func (c *Client) fetchDetail(ctx context.Context, id string) (*Entry, error) {
	data, err := c.http.Request(ctx, http.MethodGet, c.baseURL+"/vulns/"+id, nil, transport.Options{})
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// convert maps a raw record to the internal shape, scoped to the ranges that
// mention the queried package.
func (c *Client) convert(entry *Entry, dep types.Dependency) types.Vulnerability {
	var ranges []Range
	for _, affected := range entry.Affected {
		if affected.Package != nil && affected.Package.Name == dep.Name {
			ranges = append(ranges, affected.Ranges...)
		}
	}

	var cvssEntries []cvss.Entry
	for _, sev := range entry.Severity {
		cvssEntries = append(cvssEntries, cvss.Entry{
			Version: cvssVersionFor(sev),
			Vector:  sev.Score,
		})
	}

	var dbs databaseSpecific
	if entry.DatabaseSpecific != nil {
		json.Unmarshal(entry.DatabaseSpecific, &dbs) //nolint:errcheck
	}

	vuln := types.Vulnerability{
		ID:               entry.ID,
		Title:            lo.CoalesceOrEmpty(entry.Summary, entry.ID),
		Description:      entry.Details,
		AffectedVersions: convertRanges(ranges),
		PatchedVersions:  patchedVersions(ranges),
		CweIDs:           dbs.CweIDs,
		PublishedDate:    entry.Published,
		LastModifiedDate: entry.Modified,
		Sources:          []types.SourceID{sourceID},
	}
	for _, ref := range entry.References {
		vuln.References = append(vuln.References, ref.URL)
	}

	if selected := c.scorer.SelectBest(cvssEntries); selected != nil {
		vuln.CVSSVersion = selected.Version
		vuln.VectorString = selected.Vector
		vuln.CVSSScore = selected.Score
	}
	vuln.Severity = cvss.NormalizeSeverity(vuln.CVSSScore, dbs.Severity)

	return vuln
}

func cvssVersionFor(sev SeverityEntry) string {
	if v := cvss.VersionOf(sev.Score); v != "" {
		return v
	}
	switch sev.Type {
	case "CVSS_V2":
		return "2.0"
	case "CVSS_V3":
		return "3.1"
	case "CVSS_V4":
		return "4.0"
	default:
		return ""
	}
}
