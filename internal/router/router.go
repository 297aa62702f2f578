// Package router matches inbound requests to a configured route and
// dispatches to its action (spec §4.I). It is the teacher's
// internal/handler.Gateway reworked around the expanded action set
// (static/redirect/proxy/load_balance/websocket) and the snapshot/
// registry split described in SPEC_FULL.md.
package router

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/gatewayproxy/internal/backend"
	"github.com/fabian4/gatewayproxy/internal/config"
	"github.com/fabian4/gatewayproxy/internal/conntrack"
	"github.com/fabian4/gatewayproxy/internal/lb"
	"github.com/fabian4/gatewayproxy/internal/logging"
	"github.com/fabian4/gatewayproxy/internal/metrics"
	"github.com/fabian4/gatewayproxy/internal/ratelimit"
	"github.com/fabian4/gatewayproxy/internal/reqctx"
	"github.com/fabian4/gatewayproxy/internal/upstream"
)

// maxRequestBodyBytes bounds a client request body streamed through to
// the upstream unchanged; exceeding it yields a 413 (spec §7 "Request"
// error class). A body produced by a request-side rewrite is not
// subject to this cap.
const maxRequestBodyBytes = 32 << 20

// Deps bundles the collaborators the router dispatches into. All
// fields are required.
type Deps struct {
	Backends *backend.Registry
	LB       *lb.Registry
	Limiter  *ratelimit.Limiter
	Client   *upstream.Client
	Tracker  *conntrack.Tracker
	Metrics  *metrics.Metrics
	Log      *logrus.Logger
}

// Router dispatches requests against the currently active config
// snapshot. Swap is called by the supervisor on every successful
// reload; ServeHTTP always reads the latest snapshot atomically.
type Router struct {
	snap atomic.Pointer[config.Snapshot]
	deps Deps
}

func New(deps Deps) *Router {
	return &Router{deps: deps}
}

func (rt *Router) Swap(snap *config.Snapshot) {
	rt.snap.Store(snap)
}

func (rt *Router) Snapshot() *config.Snapshot {
	return rt.snap.Load()
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !rt.deps.Tracker.Enter() {
		w.Header().Set("Connection", "close")
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer rt.deps.Tracker.Exit()

	rt.deps.Metrics.IncActive()
	defer rt.deps.Metrics.DecActive()

	start := time.Now()
	rc := reqctx.New(r)

	snap := rt.snap.Load()
	if snap == nil {
		http.Error(w, "gateway not ready", http.StatusServiceUnavailable)
		rt.record("", r.Method, http.StatusServiceUnavailable, start)
		return
	}

	route, ok := match(snap.Routes, r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		rt.record("", r.Method, http.StatusNotFound, start)
		return
	}
	rc.RouteID = route.Name
	rc.MatchedPrefix = route.PathPrefix

	log := logging.Request(rt.deps.Log, rc.CorrelationID, rc.Method, rc.Path, rc.RouteID)

	if policy := route.RateLimitPolicy(); policy != nil {
		decision := rt.deps.Limiter.Admit(route.Name, policy, ratelimit.Request{ClientIP: rc.ClientIP, Header: r.Header})
		rt.deps.Metrics.RecordRateLimitDecision(route.Name, decision.Allow)
		if !decision.Allow {
			if decision.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())+1))
			}
			http.Error(w, policy.Message, policy.StatusCode)
			log.WithField("status", policy.StatusCode).Info("rate limited")
			rt.record(route.Name, r.Method, policy.StatusCode, start)
			return
		}
	}

	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	status := rt.dispatch(sw, r, route, rc, log)
	if sw.wrote {
		status = sw.status
	}
	log.WithField("status", status).WithField("duration_ms", time.Since(start).Milliseconds()).Info("dispatched")
	rt.record(route.Name, r.Method, status, start)
}

func (rt *Router) record(route, method string, status int, start time.Time) {
	rt.deps.Metrics.RecordRequest(route, method, strconv.Itoa(status))
	if route != "" {
		rt.deps.Metrics.ObserveUpstreamLatency(route, time.Since(start))
	}
}

// statusWriter captures the status code an action handler wrote, so
// ServeHTTP can log/record it even though the handler owns the
// http.ResponseWriter directly.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	if !s.wrote {
		s.status = http.StatusOK
		s.wrote = true
	}
	return s.ResponseWriter.Write(b)
}
