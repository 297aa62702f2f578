package supervisor

import (
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/gatewayproxy/internal/backend"
	"github.com/fabian4/gatewayproxy/internal/config"
	"github.com/fabian4/gatewayproxy/internal/metrics"
)

func testLog() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// testMetrics is shared across this file's tests: metrics.New()
// registers its collectors with the default Prometheus registry, and
// registering the same collector name twice in one test binary panics.
var testMetrics = metrics.New()

func mustURL(t *testing.T, raw string) *url.URL {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestApply_EnsuresBackendsForEveryRouteTarget(t *testing.T) {
	s := New("unused.yaml", testLog(), testMetrics)
	target := mustURL(t, "http://backend-a:80")

	snap := &config.Snapshot{
		ListenAddr: "127.0.0.1:0",
		Routes: []config.Route{
			{Name: "r1", PathPrefix: "/api", Kind: config.KindProxy, Proxy: &config.ProxyRoute{Target: target}},
		},
		HealthCheck: config.HealthCheckConfig{Enabled: false},
	}

	s.apply(snap)

	_, ok := s.backends.Lookup(backend.CanonicalID(target))
	assert.True(t, ok)
	assert.Same(t, snap, s.rt.Snapshot())
}

func TestApply_PrunesLoadBalancersForRemovedRoutes(t *testing.T) {
	s := New("unused.yaml", testLog(), testMetrics)
	target := mustURL(t, "http://backend-a:80")

	first := &config.Snapshot{
		ListenAddr: "127.0.0.1:0",
		Routes: []config.Route{
			{Name: "lb1", PathPrefix: "/lb", Kind: config.KindLoadBalance, LoadBalance: &config.LoadBalanceRoute{Targets: []*url.URL{target}, Strategy: config.StrategyRoundRobin}},
		},
		HealthCheck: config.HealthCheckConfig{Enabled: false},
	}
	s.apply(first)
	before := s.lbReg.Get("lb1", first.Routes[0].LoadBalance.Targets, config.StrategyRoundRobin)

	second := &config.Snapshot{
		ListenAddr:  "127.0.0.1:0",
		Routes:      nil,
		HealthCheck: config.HealthCheckConfig{Enabled: false},
	}
	s.apply(second)

	after := s.lbReg.Get("lb1", first.Routes[0].LoadBalance.Targets, config.StrategyRoundRobin)
	assert.NotSame(t, before, after, "pruned route must get a freshly built balancer on reuse")
}

func TestRestartHealthCheck_StopsPreviousChecker(t *testing.T) {
	s := New("unused.yaml", testLog(), testMetrics)
	snap := &config.Snapshot{HealthCheck: config.HealthCheckConfig{Enabled: false}}

	s.restartHealthCheck(snap)
	first := s.checker
	require.NotNil(t, first)

	s.restartHealthCheck(snap)
	assert.NotSame(t, first, s.checker)
}

func TestShutdown_DrainsBeforeClosingClient(t *testing.T) {
	s := New("unused.yaml", testLog(), testMetrics)
	s.restartHealthCheck(&config.Snapshot{HealthCheck: config.HealthCheckConfig{Enabled: false}})

	srv := &http.Server{Addr: "127.0.0.1:0"}
	done := make(chan error, 1)
	go func() {
		done <- s.shutdown(srv, time.Second)
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not return")
	}
}
