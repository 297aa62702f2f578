// Package condition evaluates the small boolean predicate language
// used to gate transform passes (spec §4.F). Pure; never fails; an
// empty condition is always true.
package condition

import (
	"net/http"
	"strings"

	"github.com/fabian4/gatewayproxy/internal/config"
)

// Context is the minimal view a condition needs: the request and,
// for response-side passes, the response headers/status.
type Context struct {
	Method        string
	Path          string
	RequestHeader http.Header
	HasResponse   bool
	ResponseHeader http.Header
}

// Evaluate reports whether c holds for ctx. A nil or empty condition
// is the implicit "always true" (spec §4.F).
func Evaluate(c *config.Condition, ctx Context) bool {
	if c.IsEmpty() {
		return true
	}
	if c.PathMatches != "" && !strings.Contains(ctx.Path, c.PathMatches) {
		return false
	}
	if c.MethodIs != "" && ctx.Method != c.MethodIs {
		return false
	}
	if c.HasHeaderSet {
		header := ctx.RequestHeader
		if ctx.HasResponse {
			header = ctx.ResponseHeader
		}
		values := header.Values(c.HasHeaderName)
		if len(values) == 0 {
			return false
		}
		if c.HasHeaderValueOK {
			matched := false
			for _, v := range values {
				if strings.Contains(v, c.HasHeaderValue) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		}
	}
	return true
}
