package config

import (
	"net/url"
	"time"
)

// RouteKind tags the sum type over route actions (spec §3 Route).
type RouteKind string

const (
	KindStatic      RouteKind = "static"
	KindRedirect    RouteKind = "redirect"
	KindProxy       RouteKind = "proxy"
	KindLoadBalance RouteKind = "load_balance"
	KindWebSocket   RouteKind = "websocket"
)

// Strategy selects how LoadBalance picks among healthy targets.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyRandom     Strategy = "random"
)

// MissingKeyPolicy controls admission when a rate-limit key cannot be
// extracted (e.g. by=header with the header absent). Default is Deny,
// per spec §9's open question and the original implementation's
// MissingKeyPolicy enum.
type MissingKeyPolicy string

const (
	MissingKeyDeny  MissingKeyPolicy = "deny"
	MissingKeyAllow MissingKeyPolicy = "allow"
)

// Algorithm selects the rate-limit bucket implementation (spec §4.E).
type Algorithm string

const (
	AlgorithmTokenBucket   Algorithm = "token_bucket"
	AlgorithmFixedWindow   Algorithm = "fixed_window"
	AlgorithmSlidingWindow Algorithm = "sliding_window"
)

// RateLimitBy selects the admission key (spec §3 Rate-limit bucket).
type RateLimitBy string

const (
	RateLimitByIP     RateLimitBy = "ip"
	RateLimitByHeader RateLimitBy = "header"
	RateLimitByRoute  RateLimitBy = "route"
)

// RateLimitPolicy is the resolved, validated form of the `rate_limit`
// route field.
type RateLimitPolicy struct {
	By           RateLimitBy
	HeaderName   string
	Requests     int
	Period       time.Duration
	StatusCode   int
	Message      string
	Algorithm    Algorithm
	OnMissingKey MissingKeyPolicy
}

// Condition is the boolean predicate evaluated by internal/condition
// (spec §4.F). An empty Condition is the implicit "always true".
type Condition struct {
	PathMatches      string
	MethodIs         string
	HasHeaderName    string
	HasHeaderValue   string // substring match on header value; empty means "presence only"
	HasHeaderSet     bool   // true iff HasHeaderName was configured
	HasHeaderValueOK bool   // true iff value_matches was configured
}

// IsEmpty reports whether the condition has no predicates, which
// always evaluates to true.
func (c *Condition) IsEmpty() bool {
	return c == nil || (c.PathMatches == "" && c.MethodIs == "" && !c.HasHeaderSet)
}

// HeaderEdits describes the add/remove half of a transform pass.
type HeaderEdits struct {
	Add    map[string]string
	Remove []string
}

// BodyAction is the body half of a transform pass: at most one of
// Text or JSON is set; if neither is set the body passes through
// unbuffered.
type BodyAction struct {
	Text *string
	JSON map[string]any
}

// TransformPass bundles one direction (request or response) of the
// transform engine. Condition is drawn from the body sub-object in the
// YAML schema (the only place spec §6 allows `condition`); when absent
// it defaults to "always true", so header edits with no configured
// body action always apply (see spec §4.G / DESIGN.md open question).
type TransformPass struct {
	Headers   *HeaderEdits
	Body      *BodyAction
	Condition *Condition
}

// ProxyOptions is shared by Proxy and LoadBalance routes.
type ProxyOptions struct {
	PathRewrite      string
	RateLimit        *RateLimitPolicy
	RequestHeaders   *HeaderEdits
	ResponseHeaders  *HeaderEdits
	RequestBody      *BodyAction
	ResponseBody     *BodyAction
	RequestCondition *Condition
	ResponseCondition *Condition
}

// RequestPass builds the resolved request-side TransformPass.
func (o *ProxyOptions) RequestPass() TransformPass {
	return TransformPass{Headers: o.RequestHeaders, Body: o.RequestBody, Condition: o.RequestCondition}
}

// ResponsePass builds the resolved response-side TransformPass.
func (o *ProxyOptions) ResponsePass() TransformPass {
	return TransformPass{Headers: o.ResponseHeaders, Body: o.ResponseBody, Condition: o.ResponseCondition}
}

type StaticRoute struct {
	Root string
}

type RedirectRoute struct {
	Target     string
	StatusCode int
}

type ProxyRoute struct {
	Target  *url.URL
	Options ProxyOptions
}

type LoadBalanceRoute struct {
	Targets  []*url.URL
	Strategy Strategy
	Options  ProxyOptions
}

type WebSocketRoute struct {
	Target         *url.URL
	MaxFrameSize   int64
	MaxMessageSize int64
	RateLimit      *RateLimitPolicy
}

// Route is a declarative mapping from a path prefix to an action
// (spec §3 / §4.I). Exactly one of the Kind-named fields is non-nil,
// matching Kind.
type Route struct {
	Name        string
	PathPrefix  string
	Kind        RouteKind
	Static      *StaticRoute
	Redirect    *RedirectRoute
	Proxy       *ProxyRoute
	LoadBalance *LoadBalanceRoute
	WebSocket   *WebSocketRoute
}

// Targets returns every backend URL this route references, used by
// the supervisor to reconcile the backend registry (spec §4.B).
func (r *Route) Targets() []*url.URL {
	switch r.Kind {
	case KindProxy:
		return []*url.URL{r.Proxy.Target}
	case KindLoadBalance:
		return r.LoadBalance.Targets
	case KindWebSocket:
		return []*url.URL{r.WebSocket.Target}
	default:
		return nil
	}
}

// RateLimitPolicy returns this route's configured rate limit policy,
// or nil if none applies (spec §4.E applies to Proxy, LoadBalance and
// WebSocket actions only).
func (r *Route) RateLimitPolicy() *RateLimitPolicy {
	switch r.Kind {
	case KindProxy:
		return r.Proxy.Options.RateLimit
	case KindLoadBalance:
		return r.LoadBalance.Options.RateLimit
	case KindWebSocket:
		return r.WebSocket.RateLimit
	default:
		return nil
	}
}

// HealthCheckConfig is the global health-checker configuration
// (spec §4.C).
type HealthCheckConfig struct {
	Enabled            bool
	Interval           time.Duration
	Timeout            time.Duration
	Path               string
	UnhealthyThreshold int
	HealthyThreshold   int
}

type ProtocolsConfig struct {
	HTTP2Enabled             bool
	HTTP3Enabled             bool
	WebSocketEnabled         bool
	HTTP2MaxFrameSize        int
	HTTP2MaxConcurrentStream int
}

// ACMEConfig mirrors spec §6's `tls.acme` block; consumed only by
// internal/certsource, which is out of CORE scope.
type ACMEConfig struct {
	Enabled                 bool
	Domains                 []string
	Email                   string
	Staging                 bool
	CAURL                   string
	StoragePath             string
	RenewalDaysBeforeExpiry int
}

type TLSConfig struct {
	CertPath string
	KeyPath  string
	ACME     *ACMEConfig
}

// Snapshot is the immutable, validated configuration value shared by
// readers via a copy-on-update handle (spec §3 Configuration
// snapshot). Snapshots are never mutated after Validate returns one.
type Snapshot struct {
	ListenAddr         string
	TLS                *TLSConfig
	Protocols          ProtocolsConfig
	HealthCheck        HealthCheckConfig
	BackendHealthPaths map[string]string // backend URL -> health path override
	Routes             []Route           // ordered by descending prefix length
	ShutdownTimeout    time.Duration
}
