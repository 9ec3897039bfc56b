// Package engine merges vulnerability lookups across all configured sources
// into one map from dependency name to its findings. It is the sole entry
// point the presentation layer and report export depend on.
package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dephealth/vulnscan-db/pkg/log"
	"github.com/dephealth/vulnscan-db/pkg/source"
	"github.com/dephealth/vulnscan-db/pkg/types"
)

type Engine struct {
	sources []source.Source
	logger  *log.Logger
}

func New(sources ...source.Source) *Engine {
	return &Engine{
		sources: sources,
		logger:  log.WithPrefix("engine"),
	}
}

// GetBatchVulnerabilities queries every source and merges their records per
// dependency. Provider records are never deduplicated against each other;
// each carries its own provenance. The result holds exactly one entry per
// dependency even when every provider fails.
//
// A partially failed scan still produces a usable map; only an unrecoverable
// auth or rate-limit condition is returned as an error, alongside whatever
// data the other sources produced.
func (e *Engine) GetBatchVulnerabilities(ctx context.Context, deps []types.Dependency, bypassCache bool) (types.Result, error) {
	result := types.NewResult(deps)
	if len(deps) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	var firstErr error
	var g errgroup.Group
	for _, src := range e.sources {
		src := src
		g.Go(func() error {
			res, err := src.GetBatchVulnerabilities(ctx, deps, bypassCache)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logger.Warn("Source failed", log.String("source", string(src.Name())), log.Err(err))
				if firstErr == nil {
					firstErr = err
				}
			}
			if res != nil {
				result.Merge(res)
			}
			return nil
		})
	}
	g.Wait() //nolint:errcheck

	total := 0
	for _, vulns := range result {
		total += len(vulns)
	}
	e.logger.Info("Scan complete",
		log.Int("dependencies", len(deps)), log.Int("vulnerabilities", total))

	return result, firstErr
}
