// Aggregate views are cached under synthetic keys (e.g. `posts_{page}_{limit}`), so a single write can stale an
// unbounded family of keys. Invalidations address such families with glob patterns matched against pool keys.

package cache

import (
	"fmt"
	"strings"

	"v.io/v23/glob"
)

// IsPattern reports whether `key` contains glob meta characters and must be matched instead of looked up.
func IsPattern(key string) bool {
	return strings.ContainsAny(key, "*?[")
}

// compilePattern parses a single-element glob pattern. Cache keys never contain '/', so multi-element patterns are
// rejected rather than silently matching only by their head.
func compilePattern(pattern string) (func(key string) bool, error) {
	parsed, err := glob.Parse(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern '%s': %w", pattern, err)
	}
	if parsed.Len() != 1 {
		return nil, fmt.Errorf("key pattern '%s' must have exactly one element, got %d", pattern, parsed.Len())
	}
	head := parsed.Head()
	return head.Match, nil
}
