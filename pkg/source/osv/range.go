package osv

import (
	"fmt"
	"strings"
)

// convertRanges turns upstream introduced/fixed/last_affected events into a
// single semver-range string:
//
//	introduced + fixed          => ">=X <Y"
//	introduced + last_affected  => ">=X <=Y"
//	introduced alone            => ">=X"
//	fixed alone                 => "<X"
//
// Multiple ranges are OR-joined with "||"; no range at all means every
// version is affected and yields the wildcard "*".
func convertRanges(ranges []Range) string {
	var clauses []string
	for _, r := range ranges {
		if r.Type == "GIT" {
			continue
		}

		var introduced string
		flush := func(clause string) {
			if clause != "" {
				clauses = append(clauses, clause)
			}
		}
		for _, event := range r.Events {
			switch {
			case event.Introduced != "":
				// A second introduced event starts a new clause.
				if introduced != "" {
					flush(fmt.Sprintf(">=%s", introduced))
				}
				introduced = event.Introduced
			case event.Fixed != "":
				if introduced != "" {
					flush(fmt.Sprintf(">=%s <%s", introduced, event.Fixed))
					introduced = ""
				} else {
					flush(fmt.Sprintf("<%s", event.Fixed))
				}
			case event.LastAffected != "":
				if introduced != "" {
					flush(fmt.Sprintf(">=%s <=%s", introduced, event.LastAffected))
					introduced = ""
				} else {
					flush(fmt.Sprintf("<=%s", event.LastAffected))
				}
			}
		}
		if introduced != "" {
			flush(fmt.Sprintf(">=%s", introduced))
		}
	}

	if len(clauses) == 0 {
		return "*"
	}
	return strings.Join(clauses, " || ")
}

// patchedVersions collects the fixed versions across all ranges.
func patchedVersions(ranges []Range) string {
	var fixed []string
	for _, r := range ranges {
		for _, event := range r.Events {
			if event.Fixed != "" {
				fixed = append(fixed, fmt.Sprintf(">=%s", event.Fixed))
			}
		}
	}
	return strings.Join(fixed, " || ")
}
