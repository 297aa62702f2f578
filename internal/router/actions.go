package router

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/gatewayproxy/internal/backend"
	"github.com/fabian4/gatewayproxy/internal/condition"
	"github.com/fabian4/gatewayproxy/internal/config"
	"github.com/fabian4/gatewayproxy/internal/reqctx"
	"github.com/fabian4/gatewayproxy/internal/staticfs"
	"github.com/fabian4/gatewayproxy/internal/transform"
	"github.com/fabian4/gatewayproxy/internal/upstream"
	"github.com/fabian4/gatewayproxy/internal/wstunnel"
)

func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request, route *config.Route, rc *reqctx.Context, log *logrus.Entry) int {
	switch route.Kind {
	case config.KindStatic:
		return rt.serveStatic(w, r, route, rc)
	case config.KindRedirect:
		return rt.serveRedirect(w, r, route)
	case config.KindProxy:
		h := rt.deps.Backends.Ensure(backend.CanonicalID(route.Proxy.Target))
		return rt.proxyRequest(w, r, route.Proxy.Target, route.Proxy.Options, rc, log, h)
	case config.KindLoadBalance:
		return rt.serveLoadBalance(w, r, route, rc, log)
	case config.KindWebSocket:
		return rt.serveWebSocket(w, r, route.WebSocket, log)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}
}

func (rt *Router) serveStatic(w http.ResponseWriter, r *http.Request, route *config.Route, rc *reqctx.Context) int {
	h := staticfs.New(route.Static.Root)
	rec := &statusPeek{ResponseWriter: w}
	h.ServeSuffix(rec, r, rc.MatchSuffix())
	if rec.status == 0 {
		return http.StatusOK
	}
	return rec.status
}

func (rt *Router) serveRedirect(w http.ResponseWriter, r *http.Request, route *config.Route) int {
	http.Redirect(w, r, route.Redirect.Target, route.Redirect.StatusCode)
	return route.Redirect.StatusCode
}

func (rt *Router) serveLoadBalance(w http.ResponseWriter, r *http.Request, route *config.Route, rc *reqctx.Context, log *logrus.Entry) int {
	balancer := rt.deps.LB.Get(route.Name, route.LoadBalance.Targets, route.LoadBalance.Strategy)
	target := balancer.Pick(rt.deps.Backends)
	if target == nil {
		http.Error(w, "no healthy backend available", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}
	h := rt.deps.Backends.Ensure(backend.CanonicalID(target))
	return rt.proxyRequest(w, r, target, route.LoadBalance.Options, rc, log, h)
}

func (rt *Router) serveWebSocket(w http.ResponseWriter, r *http.Request, ws *config.WebSocketRoute, log *logrus.Entry) int {
	wstunnel.Tunnel(w, r, ws.Target, wstunnel.Options{MaxFrameSize: ws.MaxFrameSize, MaxMessageSize: ws.MaxMessageSize}, log)
	return http.StatusSwitchingProtocols
}

// proxyRequest forwards r to target under opts, applying the request
// and response transform passes around the upstream round trip (spec
// §4.G, §4.H).
func (rt *Router) proxyRequest(w http.ResponseWriter, r *http.Request, target *url.URL, opts config.ProxyOptions, rc *reqctx.Context, log *logrus.Entry, h *backend.Health) int {
	ph := transform.Placeholders{ClientIP: rc.ClientIP, URIPath: rc.Path, Method: rc.Method}

	reqHeader := r.Header.Clone()
	reqCondCtx := condition.Context{Method: rc.Method, Path: rc.Path, RequestHeader: r.Header}
	reqResult := transform.Apply(opts.RequestPass(), reqHeader, reqCondCtx, ph)
	if transformFailed(reqResult) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	upstreamURL := *target
	upstreamURL.Path = joinUpstreamPath(target.Path, opts.PathRewrite, rc.MatchSuffix())
	upstreamURL.RawQuery = r.URL.RawQuery

	body, getBody, bodyErr := buildOutboundBody(r, reqResult)
	if bodyErr != nil {
		var maxErr *http.MaxBytesError
		if errors.As(bodyErr, &maxErr) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return http.StatusRequestEntityTooLarge
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return http.StatusBadRequest
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return http.StatusBadRequest
	}
	outReq.Header = reqHeader
	outReq.Host = target.Host
	outReq.GetBody = getBody
	if reqResult.Rewrote {
		outReq.ContentLength = int64(len(reqResult.Body))
	}

	unhealthyThreshold, healthyThreshold := rt.healthThresholds()

	protoName := upstream.ProtoAuto
	resp, err := rt.deps.Client.Forward(r.Context(), protoName, outReq)
	if err != nil {
		h.RecordOutcome(false, unhealthyThreshold, healthyThreshold)
		return rt.writeUpstreamError(w, err, log)
	}
	defer upstream.DrainAndClose(resp)
	h.RecordOutcome(resp.StatusCode < 500, unhealthyThreshold, healthyThreshold)

	respHeader := resp.Header.Clone()
	respCondCtx := condition.Context{
		Method: rc.Method, Path: rc.Path, RequestHeader: r.Header,
		HasResponse: true, ResponseHeader: resp.Header,
	}
	respResult := transform.Apply(opts.ResponsePass(), respHeader, respCondCtx, ph)
	if transformFailed(respResult) {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return http.StatusInternalServerError
	}

	for k, v := range respHeader {
		w.Header()[k] = v
	}
	if len(resp.Trailer) > 0 {
		trailerNames := make([]string, 0, len(resp.Trailer))
		for k := range resp.Trailer {
			trailerNames = append(trailerNames, k)
		}
		w.Header().Set("Trailer", strings.Join(trailerNames, ", "))
	}
	w.WriteHeader(resp.StatusCode)

	if respResult.Rewrote {
		_, _ = w.Write(respResult.Body)
	} else {
		streamBody(w, resp.Body)
	}
	for k, v := range resp.Trailer {
		w.Header()[k] = v
	}
	return resp.StatusCode
}

// joinUpstreamPath builds the forwarded path from the backend's own
// path plus an optional configured rewrite segment plus the inbound
// match suffix (spec §4.H path construction rule; the path_rewrite
// placement is an explicit choice recorded in DESIGN.md).
func joinUpstreamPath(targetPath, pathRewrite, suffix string) string {
	base := strings.TrimSuffix(targetPath, "/")
	if pathRewrite != "" {
		base += "/" + strings.Trim(pathRewrite, "/")
	}
	joined := base + suffix
	if joined == "" {
		return "/"
	}
	return joined
}

// buildOutboundBody returns the body reader and, when retryable, a
// GetBody func to hand to the outbound request. A transform-rewritten
// body is always retryable since it is fully buffered; the original
// client body streams through unbuffered and is retryable only if
// the standard library already exposed a GetBody on the inbound
// request (e.g. it came from a buffered source).
func buildOutboundBody(r *http.Request, result transform.Result) (io.ReadCloser, func() (io.ReadCloser, error), error) {
	if result.Rewrote {
		body := result.Body
		return io.NopCloser(bytes.NewReader(body)), func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}, nil
	}
	if r.Body == nil {
		return http.NoBody, nil, nil
	}
	limited := http.MaxBytesReader(nil, r.Body, maxRequestBodyBytes)
	return limited, r.GetBody, nil
}

func streamBody(w http.ResponseWriter, src io.Reader) {
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// transformFailed reports the sentinel transform.Apply returns when a
// configured JSON body rewrite failed to marshal: Rewrote is true but
// no body or content type was produced.
func transformFailed(r transform.Result) bool {
	return r.Rewrote && r.Body == nil && r.ContentType == ""
}

// healthThresholds returns the active snapshot's configured backend
// health thresholds, falling back to the same defaults
// internal/config applies when the snapshot carries none.
func (rt *Router) healthThresholds() (unhealthy, healthy int) {
	if snap := rt.snap.Load(); snap != nil && snap.HealthCheck.UnhealthyThreshold > 0 {
		return snap.HealthCheck.UnhealthyThreshold, snap.HealthCheck.HealthyThreshold
	}
	return 3, 2
}

func (rt *Router) writeUpstreamError(w http.ResponseWriter, err error, log *logrus.Entry) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return http.StatusRequestEntityTooLarge
	}
	var uerr *upstream.Error
	status := http.StatusBadGateway
	if errors.As(err, &uerr) {
		switch uerr.Kind {
		case upstream.ErrTimeout:
			status = http.StatusGatewayTimeout
		case upstream.ErrConnectFailed, upstream.ErrUpstreamReset:
			status = http.StatusBadGateway
		}
	}
	log.WithError(err).WithField("status", status).Warn("upstream forward failed")
	http.Error(w, "upstream error", status)
	return status
}

// statusPeek records the status code a downstream handler (staticfs)
// wrote, without otherwise altering response behavior.
type statusPeek struct {
	http.ResponseWriter
	status int
}

func (s *statusPeek) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusPeek) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}
