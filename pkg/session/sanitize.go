package session

import "strings"

// sanitizeFilename strips every character that is not alphanumeric, '-'
// or '_' from a session id, per §4.2's on-disk naming rule. This also
// guards the cache directory against path traversal: a sanitized id can
// contain no '/' or '.." segments.
func sanitizeFilename(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
