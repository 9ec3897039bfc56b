package ghsa

import (
	"net/url"
	"strings"

	"github.com/dephealth/vulnscan-db/pkg/types"
)

const (
	// maxBatchSize caps how many dependencies ride in one affects parameter.
	maxBatchSize = 500
	// maxURLLength caps the encoded affects parameter; a new batch starts as
	// soon as either limit would be crossed.
	maxURLLength = 8000
)

// splitBatches groups dependencies so that neither the batch-size ceiling nor
// the URL-length ceiling is exceeded. Every dependency lands in exactly one
// batch.
func splitBatches(deps []types.Dependency) [][]types.Dependency {
	var batches [][]types.Dependency
	var current []types.Dependency
	currentLen := 0

	for _, dep := range deps {
		// +1 for the joining comma.
		encoded := len(url.QueryEscape(dep.Key())) + 1
		if len(current) > 0 && (len(current) >= maxBatchSize || currentLen+encoded > maxURLLength) {
			batches = append(batches, current)
			current = nil
			currentLen = 0
		}
		current = append(current, dep)
		currentLen += encoded
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// affectsParam builds the URL-encoded name@version list for one batch.
func affectsParam(deps []types.Dependency) string {
	v := url.Values{}
	keys := make([]string, 0, len(deps))
	for _, dep := range deps {
		keys = append(keys, dep.Key())
	}
	v.Set("affects", strings.Join(keys, ","))
	return v.Encode()
}
