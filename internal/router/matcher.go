package router

import (
	"strings"

	"github.com/fabian4/gatewayproxy/internal/config"
)

// match finds the longest matching route prefix for path under the
// boundary rule of spec §4.I: a prefix matches if path equals the
// prefix exactly, or path continues past the prefix at a '/' boundary.
// routes must already be sorted by descending prefix length (the
// Snapshot invariant), so the first match found is the longest.
func match(routes []config.Route, path string) (*config.Route, bool) {
	for i := range routes {
		r := &routes[i]
		if matchesPrefix(r.PathPrefix, path) {
			return r, true
		}
	}
	return nil, false
}

func matchesPrefix(prefix, path string) bool {
	if path == prefix {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if prefix == "/" {
		return true
	}
	return strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/'
}
