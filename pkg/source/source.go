// Package source defines the contract every vulnerability provider
// implements.
package source

import (
	"context"

	"github.com/dephealth/vulnscan-db/pkg/types"
)

// Source is a batch lookup strategy against one vulnerability database.
//
// Implementations guarantee one result entry per requested dependency,
// possibly empty, even on total failure. The returned error is non-nil only
// for unrecoverable auth or rate-limit conditions.
type Source interface {
	Name() types.SourceID
	GetBatchVulnerabilities(ctx context.Context, deps []types.Dependency, bypassCache bool) (types.Result, error)
}
