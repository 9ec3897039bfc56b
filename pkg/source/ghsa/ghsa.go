// Package ghsa implements the URL-length-bounded batch lookup against a REST
// advisory API. Failed batches are halved and retried recursively down to
// single dependencies, and a per-instance circuit breaker halts all further
// network attempts once the provider signals it will reject the client.
package ghsa

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	npm "github.com/aquasecurity/go-npm-version/pkg"
	"golang.org/x/sync/errgroup"

	"github.com/dephealth/vulnscan-db/pkg/cache"
	"github.com/dephealth/vulnscan-db/pkg/cvss"
	"github.com/dephealth/vulnscan-db/pkg/log"
	"github.com/dephealth/vulnscan-db/pkg/queue"
	"github.com/dephealth/vulnscan-db/pkg/transport"
	"github.com/dephealth/vulnscan-db/pkg/types"
)

const (
	sourceID = types.SourceGHSA

	defaultBaseURL = "https://api.github.com/advisories"

	// maxPages bounds Link-header pagination to keep worst-case latency in
	// check. Reaching the cap logs a warning rather than failing.
	maxPages = 10
)

type Client struct {
	http    *transport.Client
	gate    *queue.Gate
	cache   *cache.Cache
	scorer  *cvss.Scorer
	baseURL string
	logger  *log.Logger

	// rateLimited is a defensive halt for the remainder of the process's
	// life, not a timed breaker. Once set it is never cleared.
	rateLimited atomic.Bool
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
		gate:    queue.New(queue.DefaultConcurrency),
		cache:   pcache,
		scorer:  cvss.NewScorer(),
		baseURL: defaultBaseURL,
		logger:  log.WithPrefix("ghsa"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() types.SourceID {
	return sourceID
}

// RateLimited reports whether the circuit breaker has engaged.
func (c *Client) RateLimited() bool {
	return c.rateLimited.Load()
}

// GetBatchVulnerabilities resolves every dependency against the advisory API.
// Once the circuit breaker has engaged, calls return empty results for all
// requested dependencies without touching the network.
func (c *Client) GetBatchVulnerabilities(ctx context.Context, deps []types.Dependency, bypassCache bool) (types.Result, error) {
	result := types.NewResult(deps)
	if len(deps) == 0 {
		return result, nil
	}
	if c.rateLimited.Load() {
		c.logger.Debug("Skipping lookup, provider already rate limited", log.Int("deps", len(deps)))
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

	batches := splitBatches(fetch)
	c.logger.Debug("Querying advisories", log.Int("deps", len(fetch)), log.Int("batches", len(batches)))

	// Each batch's outcome is captured independently; one failing batch does
	// not cancel its siblings.
	var mu sync.Mutex
	var firstErr error
	var g errgroup.Group
	partial := types.Result{}
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			res, err := c.fetchBatch(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			partial.Merge(res)
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	// Only dependencies their batch actually answered appear in partial; the
	// rest get an empty in-memory entry but are never cached, so the next scan
	// retries them.
	for _, dep := range fetch {
		vulns, ok := partial[dep.Name]
		if !ok {
			vulns = []types.Vulnerability{}
		}
		result[dep.Name] = vulns
		if ok {
			c.cache.PutAsync(sourceID, cache.Key(sourceID, dep.Name, dep.Version), vulns)
		}
	}

	if firstErr != nil && transport.IsUnrecoverable(firstErr) {
		if transport.IsRateLimited(firstErr) {
			c.rateLimited.Store(true)
			c.logger.Warn("Provider rejected the session, halting further lookups", log.Err(firstErr))
		}
		return result, firstErr
	}
	return result, nil
}

// fetchBatch queries one batch and, on failure, halves it and retries each
// half recursively. A size-1 batch that still fails is left out of the
// returned map so the caller treats it as unanswered rather than as a clean
// empty result, unless the failure is unrecoverable, which propagates so the
// circuit breaker can engage.
func (c *Client) fetchBatch(ctx context.Context, deps []types.Dependency) (types.Result, error) {
	advisories, err := c.queryAdvisories(ctx, deps)
	if err == nil {
		return c.mapAdvisories(advisories, deps), nil
	}
	if transport.IsUnrecoverable(err) {
		return nil, err
	}

	if len(deps) == 1 {
		c.logger.Warn("Lookup failed for dependency",
			log.Pkg(deps[0].Name, deps[0].Version), log.Err(err))
		return types.Result{}, nil
	}

	c.logger.Debug("Batch failed, splitting", log.Int("size", len(deps)), log.Err(err))
	mid := len(deps) / 2
	left, err := c.fetchBatch(ctx, deps[:mid])
	if err != nil {
		return nil, err
	}
	right, err := c.fetchBatch(ctx, deps[mid:])
	if err != nil {
		return nil, err
	}
	left.Merge(right)
	return left, nil
}

// queryAdvisories issues the GET for one batch and follows rel="next" cursors
// up to the page cap.
func (c *Client) queryAdvisories(ctx context.Context, deps []types.Dependency) ([]Advisory, error) {
	url := c.baseURL + "?" + affectsParam(deps)

	var advisories []Advisory
	for page := 0; ; page++ {
		if page >= maxPages {
			c.logger.Warn("Pagination cap reached, truncating results",
				log.Int("pages", maxPages), log.Int("deps", len(deps)))
			break
		}

		resp, err := queue.Run(ctx, c.gate, func() (*transport.Response, error) {
			return c.http.RequestWithHeaders(ctx, http.MethodGet, url, nil, transport.Options{})
		})
		if err != nil {
			return nil, err
		}

		var pageAdvisories []Advisory
		if err := json.Unmarshal(resp.Body, &pageAdvisories); err != nil {
			return nil, err
		}
		advisories = append(advisories, pageAdvisories...)

		url = nextLink(resp.Header.Get("Link"))
		if url == "" {
			break
		}
	}
	return advisories, nil
}

// mapAdvisories emits one vulnerability per (advisory, affected package)
// pair, filtered to the dependencies actually queried.
func (c *Client) mapAdvisories(advisories []Advisory, deps []types.Dependency) types.Result {
	byName := make(map[string]types.Dependency, len(deps))
	for _, dep := range deps {
		byName[dep.Name] = dep
	}

	result := types.NewResult(deps)
	for _, advisory := range advisories {
		for _, av := range advisory.Vulnerabilities {
			dep, ok := byName[av.Package.Name]
			if !ok {
				continue
			}
			if !versionAffected(dep.Version, av.VulnerableVersionRange) {
				continue
			}
			result[dep.Name] = append(result[dep.Name], c.convert(advisory, av))
		}
	}
	return result
}

// versionAffected checks the installed version against the advisory's
// vulnerable range. Unparsable ranges keep the record rather than silently
// dropping a potentially relevant finding.
func versionAffected(version, vulnerableRange string) bool {
	if vulnerableRange == "" {
		return true
	}
	constraints, err := npm.NewConstraints(vulnerableRange)
	if err != nil {
		return true
	}
	v, err := npm.NewVersion(version)
	if err != nil {
		return true
	}
	return constraints.Check(v)
}

func (c *Client) convert(advisory Advisory, av Vulnerability) types.Vulnerability {
	id := advisory.GhsaID
	if advisory.CveID != "" {
		id = advisory.CveID
	}

	var cvssEntries []cvss.Entry
	if advisory.CVSSSeverities != nil {
		if v4 := advisory.CVSSSeverities.CVSSV4; v4 != nil && v4.VectorString != "" {
			cvssEntries = append(cvssEntries, cvss.Entry{Version: "4.0", Vector: v4.VectorString})
		}
		if v3 := advisory.CVSSSeverities.CVSSV3; v3 != nil && v3.VectorString != "" {
			version := cvss.VersionOf(v3.VectorString)
			if version == "" {
				version = "3.1"
			}
			cvssEntries = append(cvssEntries, cvss.Entry{Version: version, Vector: v3.VectorString})
		}
	}
	if advisory.CVSS != nil && advisory.CVSS.VectorString != "" {
		version := cvss.VersionOf(advisory.CVSS.VectorString)
		if version == "" {
			version = "2.0"
		}
		cvssEntries = append(cvssEntries, cvss.Entry{Version: version, Vector: advisory.CVSS.VectorString})
	}

	affected := av.VulnerableVersionRange
	if affected == "" {
		affected = "*"
	}
	var patched string
	if av.FirstPatchedVersion != "" {
		patched = ">=" + av.FirstPatchedVersion
	}

	vuln := types.Vulnerability{
		ID:               id,
		Title:            advisory.Summary,
		Description:      advisory.Description,
		AffectedVersions: affected,
		PatchedVersions:  patched,
		References:       advisory.References,
		PublishedDate:    advisory.PublishedAt,
		LastModifiedDate: advisory.UpdatedAt,
		Sources:          []types.SourceID{sourceID},
	}
	for _, cwe := range advisory.CWEs {
		vuln.CweIDs = append(vuln.CweIDs, cwe.CweID)
	}

	if selected := c.scorer.SelectBest(cvssEntries); selected != nil {
		vuln.CVSSVersion = selected.Version
		vuln.VectorString = selected.Vector
		vuln.CVSSScore = selected.Score
	}
	vuln.Severity = cvss.NormalizeSeverity(vuln.CVSSScore, advisory.Severity)

	return vuln
}
