package router

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabian4/gatewayproxy/internal/backend"
	"github.com/fabian4/gatewayproxy/internal/config"
)

func TestServeHTTP_StaticRouteServesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("static content"), 0o644))

	rt := newTestRouter()
	rt.Swap(&config.Snapshot{
		ListenAddr: "x",
		Routes: []config.Route{
			{Name: "r1", PathPrefix: "/files", Kind: config.KindStatic, Static: &config.StaticRoute{Root: dir}},
		},
	})

	r := httptest.NewRequest(http.MethodGet, "/files/hello.txt", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "static content", w.Body.String())
}

func TestServeHTTP_LoadBalanceReturns503WhenNoHealthyBackend(t *testing.T) {
	rt := newTestRouter()
	target := mustURL(t, "http://127.0.0.1:1")
	h := rt.deps.Backends.Ensure(backend.CanonicalID(target))
	for i := 0; i < 3; i++ {
		h.RecordOutcome(false, 3, 2)
	}
	require.Equal(t, backend.Unhealthy, h.Status())

	rt.Swap(&config.Snapshot{
		ListenAddr: "x",
		Routes: []config.Route{
			{
				Name: "r1", PathPrefix: "/lb", Kind: config.KindLoadBalance,
				LoadBalance: &config.LoadBalanceRoute{Targets: []*url.URL{target}, Strategy: config.StrategyRoundRobin},
			},
		},
	})

	r := httptest.NewRequest(http.MethodGet, "/lb/x", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, r)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServeHTTP_ProxyRewrittenRequestBodySetsContentLengthNotChunked(t *testing.T) {
	var gotContentLength int64
	var gotTransferEncoding []string
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentLength = r.ContentLength
		gotTransferEncoding = r.TransferEncoding
		w.WriteHeader(http.StatusOK)
	}))
	defer backendSrv.Close()

	text := "replacement body"
	rt := newTestRouter()
	rt.Swap(&config.Snapshot{
		ListenAddr: "x",
		Routes: []config.Route{
			{
				Name: "r1", PathPrefix: "/api", Kind: config.KindProxy,
				Proxy: &config.ProxyRoute{
					Target: mustURL(t, backendSrv.URL),
					Options: config.ProxyOptions{
						RequestBody: &config.BodyAction{Text: &text},
					},
				},
			},
		},
	})

	r := httptest.NewRequest(http.MethodPost, "/api/x", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(len(text)), gotContentLength)
	assert.Empty(t, gotTransferEncoding)
}

func TestServeHTTP_ProxyAppliesRequestAndResponseTransforms(t *testing.T) {
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "injected", r.Header.Get("X-Injected"))
		w.WriteHeader(http.StatusOK)
	}))
	defer backendSrv.Close()

	text := "rewritten body"
	rt := newTestRouter()
	rt.Swap(&config.Snapshot{
		ListenAddr: "x",
		Routes: []config.Route{
			{
				Name: "r1", PathPrefix: "/api", Kind: config.KindProxy,
				Proxy: &config.ProxyRoute{
					Target: mustURL(t, backendSrv.URL),
					Options: config.ProxyOptions{
						RequestHeaders:  &config.HeaderEdits{Add: map[string]string{"X-Injected": "injected"}},
						ResponseBody:    &config.BodyAction{Text: &text},
						ResponseHeaders: &config.HeaderEdits{Add: map[string]string{}},
					},
				},
			},
		},
	})

	r := httptest.NewRequest(http.MethodGet, "/api/x", nil)
	w := httptest.NewRecorder()
	rt.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rewritten body", w.Body.String())
}
