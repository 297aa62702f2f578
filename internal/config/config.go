package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// rawConfig mirrors the YAML document shape from spec §6. Unlike the
// teacher's rawConfig, every sub-struct here round-trips through
// validate() rather than being consumed ad hoc, so every error can be
// collected into a single batch (spec §4.A "reports all errors in a
// single batch").
type rawConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	TLS        *struct {
		CertPath string `yaml:"cert_path"`
		KeyPath  string `yaml:"key_path"`
		ACME     *struct {
			Enabled                 bool     `yaml:"enabled"`
			Domains                 []string `yaml:"domains"`
			Email                   string   `yaml:"email"`
			Staging                 bool     `yaml:"staging"`
			CAURL                   string   `yaml:"ca_url"`
			StoragePath             string   `yaml:"storage_path"`
			RenewalDaysBeforeExpiry int      `yaml:"renewal_days_before_expiry"`
		} `yaml:"acme"`
	} `yaml:"tls"`
	Protocols *struct {
		HTTP2Enabled             *bool `yaml:"http2_enabled"`
		HTTP3Enabled             *bool `yaml:"http3_enabled"`
		WebSocketEnabled         *bool `yaml:"websocket_enabled"`
		HTTP2MaxFrameSize        int   `yaml:"http2_max_frame_size"`
		HTTP2MaxConcurrentStream int   `yaml:"http2_max_concurrent_streams"`
	} `yaml:"protocols"`
	HealthCheck *struct {
		Enabled            *bool  `yaml:"enabled"`
		IntervalSecs       int    `yaml:"interval_secs"`
		TimeoutSecs        int    `yaml:"timeout_secs"`
		Path               string `yaml:"path"`
		UnhealthyThreshold int    `yaml:"unhealthy_threshold"`
		HealthyThreshold   int    `yaml:"healthy_threshold"`
	} `yaml:"health_check"`
	BackendHealthPaths map[string]string        `yaml:"backend_health_paths"`
	Routes             map[string]rawRoute       `yaml:"routes"`
	ShutdownTimeoutSecs int                      `yaml:"shutdown_timeout_secs"`
}

type rawCondition struct {
	PathMatches string `yaml:"path_matches"`
	MethodIs    string `yaml:"method_is"`
	HasHeader   *struct {
		Name         string  `yaml:"name"`
		ValueMatches *string `yaml:"value_matches"`
	} `yaml:"has_header"`
}

func (rc *rawCondition) resolve() *Condition {
	if rc == nil {
		return nil
	}
	c := &Condition{PathMatches: rc.PathMatches, MethodIs: rc.MethodIs}
	if rc.HasHeader != nil {
		c.HasHeaderSet = true
		c.HasHeaderName = rc.HasHeader.Name
		if rc.HasHeader.ValueMatches != nil {
			c.HasHeaderValueOK = true
			c.HasHeaderValue = *rc.HasHeader.ValueMatches
		}
	}
	return c
}

type rawHeaderEdits struct {
	Add    map[string]string `yaml:"add"`
	Remove []string          `yaml:"remove"`
}

func (rh *rawHeaderEdits) resolve() *HeaderEdits {
	if rh == nil {
		return nil
	}
	return &HeaderEdits{Add: rh.Add, Remove: rh.Remove}
}

type rawBodyAction struct {
	Condition *rawCondition  `yaml:"condition"`
	SetText   *string        `yaml:"set_text"`
	SetJSON   map[string]any `yaml:"set_json"`
}

type rawRateLimit struct {
	By           string `yaml:"by"`
	HeaderName   string `yaml:"header_name"`
	Requests     int    `yaml:"requests"`
	Period       string `yaml:"period"`
	StatusCode   int    `yaml:"status_code"`
	Message      string `yaml:"message"`
	Algorithm    string `yaml:"algorithm"`
	OnMissingKey string `yaml:"on_missing_key"`
}

type rawRoute struct {
	Type    string `yaml:"type"`
	Root    string `yaml:"root"`
	Target  string `yaml:"target"`

	StatusCode int `yaml:"status_code"`

	Targets  []string `yaml:"targets"`
	Strategy string   `yaml:"strategy"`

	PathRewrite     string          `yaml:"path_rewrite"`
	RateLimit       *rawRateLimit   `yaml:"rate_limit"`
	RequestHeaders  *rawHeaderEdits `yaml:"request_headers"`
	ResponseHeaders *rawHeaderEdits `yaml:"response_headers"`
	RequestBody     *rawBodyAction  `yaml:"request_body"`
	ResponseBody    *rawBodyAction  `yaml:"response_body"`

	MaxFrameSize   int64 `yaml:"max_frame_size"`
	MaxMessageSize int64 `yaml:"max_message_size"`
}

// Load reads and parses the YAML file at path and validates it into
// an immutable Snapshot. All validation errors are reported together.
func Load(path string) (*Snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return Validate(&rc)
}

// Validate turns a parsed rawConfig into an immutable Snapshot,
// collecting every validation failure (spec §4.A). Field paths are
// reported in the style "field.path: reason" so the `validate` CLI
// subcommand can print one line per error.
func Validate(rc *rawConfig) (*Snapshot, error) {
	var errs *multierror.Error

	snap := &Snapshot{
		BackendHealthPaths: map[string]string{},
	}

	// listen_addr
	listen := strings.TrimSpace(rc.ListenAddr)
	if listen == "" {
		errs = multierror.Append(errs, fmt.Errorf("listen_addr: is required"))
	} else if _, _, err := net.SplitHostPort(listen); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("listen_addr: must be ip:port: %v", err))
	}
	snap.ListenAddr = listen

	// tls
	if rc.TLS != nil {
		t := &TLSConfig{CertPath: rc.TLS.CertPath, KeyPath: rc.TLS.KeyPath}
		if rc.TLS.ACME != nil {
			a := rc.TLS.ACME
			t.ACME = &ACMEConfig{
				Enabled:                 a.Enabled,
				Domains:                 a.Domains,
				Email:                   a.Email,
				Staging:                 a.Staging,
				CAURL:                   a.CAURL,
				StoragePath:             a.StoragePath,
				RenewalDaysBeforeExpiry: a.RenewalDaysBeforeExpiry,
			}
			if a.Enabled && len(a.Domains) == 0 {
				errs = multierror.Append(errs, fmt.Errorf("tls.acme.domains: at least one domain is required when acme is enabled"))
			}
		} else if t.CertPath == "" || t.KeyPath == "" {
			errs = multierror.Append(errs, fmt.Errorf("tls: cert_path and key_path are required unless acme is configured"))
		}
		snap.TLS = t
	}

	// protocols
	snap.Protocols = ProtocolsConfig{HTTP2Enabled: true, WebSocketEnabled: true}
	if rc.Protocols != nil {
		p := rc.Protocols
		if p.HTTP2Enabled != nil {
			snap.Protocols.HTTP2Enabled = *p.HTTP2Enabled
		}
		if p.HTTP3Enabled != nil {
			snap.Protocols.HTTP3Enabled = *p.HTTP3Enabled
		}
		if p.WebSocketEnabled != nil {
			snap.Protocols.WebSocketEnabled = *p.WebSocketEnabled
		}
		snap.Protocols.HTTP2MaxFrameSize = p.HTTP2MaxFrameSize
		snap.Protocols.HTTP2MaxConcurrentStream = p.HTTP2MaxConcurrentStream
	}

	// health_check
	snap.HealthCheck = HealthCheckConfig{
		Enabled:            false,
		Interval:           30 * time.Second,
		Timeout:            5 * time.Second,
		Path:               "/health",
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}
	if rc.HealthCheck != nil {
		h := rc.HealthCheck
		if h.Enabled != nil {
			snap.HealthCheck.Enabled = *h.Enabled
		}
		if h.IntervalSecs > 0 {
			snap.HealthCheck.Interval = time.Duration(h.IntervalSecs) * time.Second
		}
		if h.TimeoutSecs > 0 {
			snap.HealthCheck.Timeout = time.Duration(h.TimeoutSecs) * time.Second
		}
		if h.Path != "" {
			snap.HealthCheck.Path = h.Path
		}
		if h.UnhealthyThreshold > 0 {
			snap.HealthCheck.UnhealthyThreshold = h.UnhealthyThreshold
		}
		if h.HealthyThreshold > 0 {
			snap.HealthCheck.HealthyThreshold = h.HealthyThreshold
		}
		if snap.HealthCheck.Enabled && snap.HealthCheck.Timeout >= snap.HealthCheck.Interval {
			errs = multierror.Append(errs, fmt.Errorf("health_check.timeout_secs: must be less than interval_secs"))
		}
	}

	// backend_health_paths. Keys are canonicalized the same way route
	// targets are, so "http://b:80" and "http://b:80/" name the same
	// backend whether they come from a route's target or here.
	for backend, p := range rc.BackendHealthPaths {
		if !strings.HasPrefix(p, "/") {
			errs = multierror.Append(errs, fmt.Errorf("backend_health_paths[%s]: path must start with '/'", backend))
			continue
		}
		u, err := url.Parse(strings.TrimSpace(backend))
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = multierror.Append(errs, fmt.Errorf("backend_health_paths[%s]: must be an absolute http(s) URL", backend))
			continue
		}
		snap.BackendHealthPaths[CanonicalBackendID(u)] = p
	}

	// shutdown timeout
	snap.ShutdownTimeout = 30 * time.Second
	if rc.ShutdownTimeoutSecs > 0 {
		snap.ShutdownTimeout = time.Duration(rc.ShutdownTimeoutSecs) * time.Second
	}

	// routes
	routes := make([]Route, 0, len(rc.Routes))
	for prefix, rr := range rc.Routes {
		route, rerrs := validateRoute(prefix, rr)
		if len(rerrs) > 0 {
			for _, e := range rerrs {
				errs = multierror.Append(errs, e)
			}
			continue
		}
		routes = append(routes, *route)
	}
	sort.SliceStable(routes, func(i, j int) bool {
		return len(routes[i].PathPrefix) > len(routes[j].PathPrefix)
	})
	snap.Routes = routes

	if errs != nil && len(errs.Errors) > 0 {
		return nil, errs.ErrorOrNil()
	}
	return snap, nil
}

func validateRoute(prefix string, rr rawRoute) (*Route, []error) {
	var errs []error
	field := func(f string) string { return fmt.Sprintf("routes[%s].%s", prefix, f) }

	if !strings.HasPrefix(prefix, "/") {
		errs = append(errs, fmt.Errorf("routes[%s]: path prefix must start with '/'", prefix))
		return nil, errs
	}

	route := &Route{Name: prefix, PathPrefix: prefix}

	switch strings.ToLower(strings.TrimSpace(rr.Type)) {
	case "static":
		route.Kind = KindStatic
		if rr.Root == "" {
			errs = append(errs, fmt.Errorf("%s: is required", field("root")))
			break
		}
		if _, err := os.Stat(rr.Root); err != nil {
			errs = append(errs, fmt.Errorf("%s: %v", field("root"), err))
			break
		}
		route.Static = &StaticRoute{Root: rr.Root}

	case "redirect":
		route.Kind = KindRedirect
		if rr.Target == "" {
			errs = append(errs, fmt.Errorf("%s: is required", field("target")))
		}
		if rr.StatusCode < 300 || rr.StatusCode > 399 {
			errs = append(errs, fmt.Errorf("%s: must be in [300, 399], got %d", field("status_code"), rr.StatusCode))
		}
		if len(errs) == 0 {
			route.Redirect = &RedirectRoute{Target: rr.Target, StatusCode: rr.StatusCode}
		}

	case "proxy":
		route.Kind = KindProxy
		target, err := validateUpstreamURL(field("target"), rr.Target)
		if err != nil {
			errs = append(errs, err)
			break
		}
		opts, oerrs := validateProxyOptions(field, rr)
		errs = append(errs, oerrs...)
		if len(errs) == 0 {
			route.Proxy = &ProxyRoute{Target: target, Options: opts}
		}

	case "load_balance":
		route.Kind = KindLoadBalance
		if len(rr.Targets) == 0 {
			errs = append(errs, fmt.Errorf("%s: at least one target is required", field("targets")))
			break
		}
		targets := make([]*url.URL, 0, len(rr.Targets))
		for i, t := range rr.Targets {
			u, err := validateUpstreamURL(fmt.Sprintf("%s[%d]", field("targets"), i), t)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			targets = append(targets, u)
		}
		strategy := Strategy(strings.ToLower(strings.TrimSpace(rr.Strategy)))
		if strategy == "" {
			strategy = StrategyRoundRobin
		}
		if strategy != StrategyRoundRobin && strategy != StrategyRandom {
			errs = append(errs, fmt.Errorf("%s: unknown strategy %q", field("strategy"), rr.Strategy))
		}
		opts, oerrs := validateProxyOptions(field, rr)
		errs = append(errs, oerrs...)
		if len(errs) == 0 {
			route.LoadBalance = &LoadBalanceRoute{Targets: targets, Strategy: strategy, Options: opts}
		}

	case "websocket":
		route.Kind = KindWebSocket
		target, err := validateUpstreamURL(field("target"), rr.Target)
		if err != nil {
			errs = append(errs, err)
			break
		}
		var rl *RateLimitPolicy
		if rr.RateLimit != nil {
			policy, rerrs := validateRateLimit(field("rate_limit"), rr.RateLimit)
			errs = append(errs, rerrs...)
			rl = policy
		}
		maxFrame := rr.MaxFrameSize
		if maxFrame <= 0 {
			maxFrame = 1 << 20 // 1 MiB default
		}
		maxMessage := rr.MaxMessageSize
		if maxMessage <= 0 {
			maxMessage = 4 << 20 // 4 MiB default
		}
		if len(errs) == 0 {
			route.WebSocket = &WebSocketRoute{Target: target, MaxFrameSize: maxFrame, MaxMessageSize: maxMessage, RateLimit: rl}
		}

	default:
		errs = append(errs, fmt.Errorf("routes[%s].type: unknown type %q", prefix, rr.Type))
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return route, nil
}

func validateProxyOptions(field func(string) string, rr rawRoute) (ProxyOptions, []error) {
	var errs []error
	opts := ProxyOptions{
		PathRewrite:     rr.PathRewrite,
		RequestHeaders:  rr.RequestHeaders.resolve(),
		ResponseHeaders: rr.ResponseHeaders.resolve(),
	}
	if rr.RequestBody != nil {
		opts.RequestCondition = rr.RequestBody.Condition.resolve()
		opts.RequestBody = resolveBodyAction(rr.RequestBody)
	}
	if rr.ResponseBody != nil {
		opts.ResponseCondition = rr.ResponseBody.Condition.resolve()
		opts.ResponseBody = resolveBodyAction(rr.ResponseBody)
	}
	if rr.RateLimit != nil {
		policy, rerrs := validateRateLimit(field("rate_limit"), rr.RateLimit)
		errs = append(errs, rerrs...)
		opts.RateLimit = policy
	}
	return opts, errs
}

func resolveBodyAction(rb *rawBodyAction) *BodyAction {
	if rb.SetText == nil && rb.SetJSON == nil {
		return nil
	}
	return &BodyAction{Text: rb.SetText, JSON: rb.SetJSON}
}

func validateRateLimit(field string, rr *rawRateLimit) (*RateLimitPolicy, []error) {
	var errs []error
	policy := &RateLimitPolicy{
		By:         RateLimitBy(strings.ToLower(strings.TrimSpace(rr.By))),
		HeaderName: rr.HeaderName,
		Requests:   rr.Requests,
		StatusCode: rr.StatusCode,
		Message:    rr.Message,
	}
	if policy.By == "" {
		policy.By = RateLimitByIP
	}
	switch policy.By {
	case RateLimitByIP, RateLimitByRoute:
	case RateLimitByHeader:
		if policy.HeaderName == "" {
			errs = append(errs, fmt.Errorf("%s.header_name: is required when by=header", field))
		}
	default:
		errs = append(errs, fmt.Errorf("%s.by: unknown value %q", field, rr.By))
	}
	if policy.Requests < 1 {
		errs = append(errs, fmt.Errorf("%s.requests: must be >= 1", field))
	}
	period, err := parsePeriod(rr.Period)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s.period: %v", field, err))
	}
	policy.Period = period
	if policy.StatusCode == 0 {
		policy.StatusCode = 429
	}
	if policy.Message == "" {
		policy.Message = "rate limit exceeded"
	}
	policy.Algorithm = Algorithm(strings.ToLower(strings.TrimSpace(rr.Algorithm)))
	switch policy.Algorithm {
	case "":
		policy.Algorithm = AlgorithmTokenBucket
	case AlgorithmTokenBucket, AlgorithmFixedWindow, AlgorithmSlidingWindow:
	default:
		errs = append(errs, fmt.Errorf("%s.algorithm: unknown value %q", field, rr.Algorithm))
	}
	policy.OnMissingKey = MissingKeyPolicy(strings.ToLower(strings.TrimSpace(rr.OnMissingKey)))
	switch policy.OnMissingKey {
	case "":
		policy.OnMissingKey = MissingKeyDeny
	case MissingKeyDeny, MissingKeyAllow:
	default:
		errs = append(errs, fmt.Errorf("%s.on_missing_key: unknown value %q", field, rr.OnMissingKey))
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return policy, nil
}

// parsePeriod parses durations using the {s,m,h} units named in
// spec §4.A, e.g. "1s", "5m", "1h".
func parsePeriod(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("is required")
	}
	if unit := strings.TrimLeft(s, "0123456789."); unit != "s" && unit != "m" && unit != "h" {
		return 0, fmt.Errorf("invalid duration %q: unit must be s, m or h", s)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %v", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

func validateUpstreamURL(field, raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s: is required", field)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid URL: %v", field, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%s: must be an absolute http(s) URL, got %q", field, raw)
	}
	return u, nil
}

// CanonicalBackendID returns the canonical identity string for a
// backend URL: scheme + authority, no trailing slash (spec §3 Backend
// identity). Two routes referencing the same URL share this identity.
func CanonicalBackendID(u *url.URL) string {
	return strings.TrimSuffix(u.Scheme+"://"+u.Host, "/")
}
