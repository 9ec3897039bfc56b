package ghsa

import "strings"

// nextLink extracts the rel="next" cursor URL from a Link-style response
// header, e.g.
//
//	<https://host/advisories?after=xyz>; rel="next", <...>; rel="prev"
//
// It returns "" when the header carries no next cursor.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		sections := strings.Split(part, ";")
		if len(sections) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(sections[0]), "<>")
		for _, attr := range sections[1:] {
			if strings.TrimSpace(attr) == `rel="next"` {
				return target
			}
		}
	}
	return ""
}
