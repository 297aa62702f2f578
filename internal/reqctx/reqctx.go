// Package reqctx builds the per-request metadata threaded through the
// dispatch pipeline (spec §3 Request context, §4.L). It is built once
// at router entry and never mutated afterward except for the
// router's own bookkeeping (matched route, timing).
package reqctx

import (
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Context is immutable after New returns it, aside from the fields
// the router itself sets once a route is matched.
type Context struct {
	CorrelationID string
	ClientIP      string
	Method        string
	Path          string
	Header        http.Header
	ArrivedAt     time.Time

	// RouteID and MatchedPrefix are set by the router once a route is
	// matched; zero-valued until then.
	RouteID       string
	MatchedPrefix string
}

// New builds a Context from an inbound request. The correlation id is
// taken from an existing X-Request-Id header when present, so a
// client-supplied id survives end to end; otherwise a fresh uuid4 is
// minted.
func New(r *http.Request) *Context {
	id := r.Header.Get("X-Request-Id")
	if id == "" {
		id = uuid.NewString()
	}
	return &Context{
		CorrelationID: id,
		ClientIP:      clientIP(r),
		Method:        r.Method,
		Path:          r.URL.Path,
		Header:        r.Header,
		ArrivedAt:     time.Now(),
	}
}

func clientIP(r *http.Request) string {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && ip != "" {
		return ip
	}
	return r.RemoteAddr
}

// MatchSuffix returns the portion of Path after the matched prefix,
// per spec §4.I's "match suffix is request.path[len(prefix):]".
func (c *Context) MatchSuffix() string {
	if len(c.MatchedPrefix) > len(c.Path) {
		return ""
	}
	return c.Path[len(c.MatchedPrefix):]
}
