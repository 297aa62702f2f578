// Package transform implements the header/body rewrite engine that
// runs on both the request and response paths (spec §4.G). Grounded
// on the teacher's header-cloning and hop-by-hop stripping helpers
// (internal/handler/gateway.go's cloneHeader/dropHopByHop) and on
// original_source/src/adapters/http_handler.rs's placeholder
// substitution functions.
package transform

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fabian4/gatewayproxy/internal/condition"
	"github.com/fabian4/gatewayproxy/internal/config"
)

// hopByHop lists the headers stripped on both pass-through paths
// regardless of user transforms (spec §4.G).
var hopByHop = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"TE":                  {},
	"Trailers":            {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// StripHopByHop removes hop-by-hop headers in place, including any
// header named by a Connection header's value (the classic "Connection:
// X-Foo" extra-hop-header trick), matching the teacher's dropHopByHop.
func StripHopByHop(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, tok := range strings.Split(f, ",") {
			tok = strings.TrimSpace(tok)
			if tok != "" {
				h.Del(tok)
			}
		}
	}
	for k := range hopByHop {
		h.Del(k)
	}
}

// Placeholders is the context used to interpolate `{client_ip}`,
// `{uri_path}`, `{timestamp_iso}` and `{method}` into header values
// and text bodies (spec §4.G). Unknown placeholders are left literal.
type Placeholders struct {
	ClientIP string
	URIPath  string
	Method   string
}

func (p Placeholders) interpolate(s string) string {
	replacer := strings.NewReplacer(
		"{client_ip}", p.ClientIP,
		"{uri_path}", p.URIPath,
		"{timestamp_iso}", time.Now().UTC().Format(time.RFC3339),
		"{method}", p.Method,
	)
	return replacer.Replace(s)
}

func (p Placeholders) interpolateJSON(v any) any {
	switch val := v.(type) {
	case string:
		return p.interpolate(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = p.interpolateJSON(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = p.interpolateJSON(item)
		}
		return out
	default:
		return val
	}
}

// Result is the outcome of applying a pass: possibly a rewritten
// body, or nil when the body should stream through unbuffered.
type Result struct {
	Body        []byte
	ContentType string
	Rewrote     bool
}

// Apply runs one transform pass (spec §4.G): evaluate the pass's
// condition; if true, apply header removals, then header additions
// (with placeholder interpolation, overwriting same-name values),
// then the body action. If the condition is false, header and body
// are left byte-identical to the input (spec §8 invariant).
//
// Apply always strips hop-by-hop headers first, independent of the
// condition — that stripping is unconditional proxy hygiene, not a
// user-configured rewrite.
func Apply(pass config.TransformPass, header http.Header, ctx condition.Context, ph Placeholders) Result {
	StripHopByHop(header)

	if !condition.Evaluate(pass.Condition, ctx) {
		return Result{}
	}

	if pass.Headers != nil {
		for _, name := range pass.Headers.Remove {
			header.Del(name)
		}
		for name, value := range pass.Headers.Add {
			header.Set(name, ph.interpolate(value))
		}
	}

	if pass.Body == nil {
		return Result{}
	}

	switch {
	case pass.Body.Text != nil:
		text := ph.interpolate(*pass.Body.Text)
		body := []byte(text)
		recomputeLength(header, len(body))
		header.Set("Content-Type", "text/plain")
		return Result{Body: body, ContentType: "text/plain", Rewrote: true}

	case pass.Body.JSON != nil:
		interpolated := ph.interpolateJSON(pass.Body.JSON)
		body, err := json.Marshal(interpolated)
		if err != nil {
			// Materialization failure: spec §7 "Internal" error class,
			// mapped to 500 by the caller; signal it by returning a
			// nil body with Rewrote left true and a zero ContentType,
			// which the router treats as an internal error.
			return Result{Rewrote: true}
		}
		recomputeLength(header, len(body))
		header.Set("Content-Type", "application/json")
		return Result{Body: body, ContentType: "application/json", Rewrote: true}
	}

	return Result{}
}

// recomputeLength sets Content-Length and clears Transfer-Encoding
// after a body rewrite (spec §4.G).
func recomputeLength(header http.Header, n int) {
	header.Set("Content-Length", strconv.Itoa(n))
	header.Del("Transfer-Encoding")
}
