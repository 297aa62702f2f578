package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_ListenAddrRequired(t *testing.T) {
	rc := &rawConfig{}
	_, err := Validate(rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen_addr")
}

func TestValidate_StaticRoute(t *testing.T) {
	dir := t.TempDir()
	rc := &rawConfig{
		ListenAddr: "127.0.0.1:8080",
		Routes: map[string]rawRoute{
			"/files": {Type: "static", Root: dir},
		},
	}
	snap, err := Validate(rc)
	require.NoError(t, err)
	require.Len(t, snap.Routes, 1)
	assert.Equal(t, KindStatic, snap.Routes[0].Kind)
	assert.Equal(t, dir, snap.Routes[0].Static.Root)
}

func TestValidate_RoutesSortedByPrefixLengthDescending(t *testing.T) {
	dir := t.TempDir()
	rc := &rawConfig{
		ListenAddr: "127.0.0.1:8080",
		Routes: map[string]rawRoute{
			"/a":     {Type: "static", Root: dir},
			"/a/b/c": {Type: "static", Root: dir},
			"/a/b":   {Type: "static", Root: dir},
		},
	}
	snap, err := Validate(rc)
	require.NoError(t, err)
	require.Len(t, snap.Routes, 3)
	assert.Equal(t, "/a/b/c", snap.Routes[0].PathPrefix)
	assert.Equal(t, "/a/b", snap.Routes[1].PathPrefix)
	assert.Equal(t, "/a", snap.Routes[2].PathPrefix)
}

func TestValidate_RedirectStatusCodeRange(t *testing.T) {
	rc := &rawConfig{
		ListenAddr: "127.0.0.1:8080",
		Routes: map[string]rawRoute{
			"/old": {Type: "redirect", Target: "/new", StatusCode: 200},
		},
	}
	_, err := Validate(rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status_code")
}

func TestValidate_ProxyRequiresAbsoluteURL(t *testing.T) {
	rc := &rawConfig{
		ListenAddr: "127.0.0.1:8080",
		Routes: map[string]rawRoute{
			"/api": {Type: "proxy", Target: "not-a-url"},
		},
	}
	_, err := Validate(rc)
	require.Error(t, err)
}

func TestValidate_LoadBalanceDefaultStrategy(t *testing.T) {
	rc := &rawConfig{
		ListenAddr: "127.0.0.1:8080",
		Routes: map[string]rawRoute{
			"/api": {Type: "load_balance", Targets: []string{"http://a:1", "http://b:2"}},
		},
	}
	snap, err := Validate(rc)
	require.NoError(t, err)
	assert.Equal(t, StrategyRoundRobin, snap.Routes[0].LoadBalance.Strategy)
}

func TestValidate_RateLimitDefaults(t *testing.T) {
	rc := &rawConfig{
		ListenAddr: "127.0.0.1:8080",
		Routes: map[string]rawRoute{
			"/api": {
				Type:   "proxy",
				Target: "http://a:1",
				RateLimit: &rawRateLimit{
					Requests: 10,
					Period:   "1s",
				},
			},
		},
	}
	snap, err := Validate(rc)
	require.NoError(t, err)
	policy := snap.Routes[0].Proxy.Options.RateLimit
	require.NotNil(t, policy)
	assert.Equal(t, RateLimitByIP, policy.By)
	assert.Equal(t, AlgorithmTokenBucket, policy.Algorithm)
	assert.Equal(t, MissingKeyDeny, policy.OnMissingKey)
	assert.Equal(t, 429, policy.StatusCode)
}

func TestValidate_RateLimitByHeaderRequiresName(t *testing.T) {
	rc := &rawConfig{
		ListenAddr: "127.0.0.1:8080",
		Routes: map[string]rawRoute{
			"/api": {
				Type:   "proxy",
				Target: "http://a:1",
				RateLimit: &rawRateLimit{
					By:       "header",
					Requests: 10,
					Period:   "1s",
				},
			},
		},
	}
	_, err := Validate(rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "header_name")
}

func TestValidate_BatchesAllErrors(t *testing.T) {
	rc := &rawConfig{
		Routes: map[string]rawRoute{
			"/api":  {Type: "proxy", Target: "bad"},
			"/site": {Type: "redirect", Target: "", StatusCode: 999},
		},
	}
	_, err := Validate(rc)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "listen_addr")
	assert.Contains(t, msg, "routes[/api]")
	assert.Contains(t, msg, "routes[/site]")
}

func TestValidate_CanonicalizesBackendHealthPathKeys(t *testing.T) {
	rc := &rawConfig{
		ListenAddr:         "127.0.0.1:8080",
		BackendHealthPaths: map[string]string{"http://backend-a:80/": "/healthz"},
	}
	snap, err := Validate(rc)
	require.NoError(t, err)
	assert.Equal(t, "/healthz", snap.BackendHealthPaths["http://backend-a:80"])
	_, hasUncanonicalized := snap.BackendHealthPaths["http://backend-a:80/"]
	assert.False(t, hasUncanonicalized)
}

func TestValidate_RejectsMalformedBackendHealthPathKey(t *testing.T) {
	rc := &rawConfig{
		ListenAddr:         "127.0.0.1:8080",
		BackendHealthPaths: map[string]string{"not-a-url": "/healthz"},
	}
	_, err := Validate(rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend_health_paths[not-a-url]")
}

func TestCanonicalBackendID(t *testing.T) {
	u, err := validateUpstreamURL("target", "https://api.example.com:443/v1/")
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com:443", CanonicalBackendID(u))
}

func TestParsePeriod(t *testing.T) {
	d, err := parsePeriod("5s")
	require.NoError(t, err)
	assert.Equal(t, 5*1e9, float64(d))

	_, err = parsePeriod("")
	assert.Error(t, err)

	_, err = parsePeriod("-1s")
	assert.Error(t, err)
}
