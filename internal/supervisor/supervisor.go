package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/gatewayproxy/internal/backend"
	"github.com/fabian4/gatewayproxy/internal/certsource"
	"github.com/fabian4/gatewayproxy/internal/config"
	"github.com/fabian4/gatewayproxy/internal/conntrack"
	"github.com/fabian4/gatewayproxy/internal/healthcheck"
	"github.com/fabian4/gatewayproxy/internal/lb"
	"github.com/fabian4/gatewayproxy/internal/metrics"
	"github.com/fabian4/gatewayproxy/internal/ratelimit"
	"github.com/fabian4/gatewayproxy/internal/router"
	"github.com/fabian4/gatewayproxy/internal/upstream"
)

// gcGracePeriod delays backend registry pruning after a reload, so a
// route removed and re-added across two rapid reloads does not lose
// its accumulated health state (spec §4.K).
const gcGracePeriod = 30 * time.Second

// Supervisor owns the gateway process end to end: the HTTP server,
// the live router, the backend/health/rate-limit state it feeds, and
// the config watch and signal handling loop that drives reload and
// shutdown (spec §4.A, §4.J).
type Supervisor struct {
	configPath string
	log        *logrus.Logger
	metrics    *metrics.Metrics

	backends *backend.Registry
	lbReg    *lb.Registry
	limiter  *ratelimit.Limiter
	client   *upstream.Client
	tracker  *conntrack.Tracker
	rt       *router.Router

	mu      sync.Mutex
	checker *healthcheck.Checker
}

func New(configPath string, log *logrus.Logger, m *metrics.Metrics) *Supervisor {
	backends := backend.NewRegistry()
	lbReg := lb.NewRegistry()
	limiter := ratelimit.New()
	client := upstream.New(upstream.DefaultOptions())
	tracker := conntrack.New()

	rt := router.New(router.Deps{
		Backends: backends,
		LB:       lbReg,
		Limiter:  limiter,
		Client:   client,
		Tracker:  tracker,
		Metrics:  m,
		Log:      log,
	})

	return &Supervisor{
		configPath: configPath,
		log:        log,
		metrics:    m,
		backends:   backends,
		lbReg:      lbReg,
		limiter:    limiter,
		client:     client,
		tracker:    tracker,
		rt:         rt,
	}
}

// Router exposes the live dispatcher for the HTTP server to mount.
func (s *Supervisor) Router() *router.Router { return s.rt }

// Reload loads and validates the config file, then — only if it
// validates cleanly — swaps it in as the active snapshot and
// reconciles dependent state (spec §4.A "a failed reload changes
// nothing").
func (s *Supervisor) Reload() error {
	snap, err := config.Load(s.configPath)
	if err != nil {
		s.metrics.RecordReload(false)
		s.log.WithError(err).Error("config reload failed, keeping previous snapshot")
		return err
	}
	s.apply(snap)
	s.metrics.RecordReload(true)
	s.log.WithField("routes", len(snap.Routes)).Info("config reloaded")
	return nil
}

func (s *Supervisor) apply(snap *config.Snapshot) {
	activeRoutes := make(map[string]struct{}, len(snap.Routes))
	for _, route := range snap.Routes {
		activeRoutes[route.Name] = struct{}{}
		for _, target := range route.Targets() {
			s.backends.Ensure(backend.CanonicalID(target))
		}
	}

	s.rt.Swap(snap)
	s.lbReg.Prune(activeRoutes)

	time.AfterFunc(gcGracePeriod, func() {
		// Reachability is taken from the snapshot active when the grace
		// period ends, so a backend re-added by a later reload is kept.
		reachable := make(map[backend.ID]struct{})
		if cur := s.rt.Snapshot(); cur != nil {
			for _, route := range cur.Routes {
				for _, target := range route.Targets() {
					reachable[backend.CanonicalID(target)] = struct{}{}
				}
			}
		}
		removed := s.backends.GC(reachable)
		for _, id := range removed {
			s.log.WithField("backend", id).Info("backend reclaimed")
		}
	})

	s.restartHealthCheck(snap)
}

func (s *Supervisor) restartHealthCheck(snap *config.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checker != nil {
		s.checker.Stop()
	}
	s.checker = healthcheck.New(s.backends, snap.HealthCheck, snap.BackendHealthPaths, s.log, s.metrics)
	s.checker.Start(context.Background())
}

// Run performs the initial load, starts the HTTP server and the
// config watcher, and blocks until the process receives a shutdown
// signal, at which point it drains in-flight requests and returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Reload(); err != nil {
		return err
	}

	snap := s.rt.Snapshot()
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.Handle("/", s.rt)

	srv := &http.Server{
		Addr:              snap.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	if snap.TLS != nil {
		src, err := certsource.New(snap.TLS)
		if err != nil {
			return fmt.Errorf("tls: %w", err)
		}
		srv.TLSConfig = src.TLSConfig()
		go func() {
			s.log.WithField("addr", snap.ListenAddr).Info("gateway listening (tls)")
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
		}()
	} else {
		go func() {
			s.log.WithField("addr", snap.ListenAddr).Info("gateway listening")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serveErr <- err
			}
		}()
	}

	stopWatch := make(chan struct{})
	watcher, err := newConfigWatcher(s.configPath, 200*time.Millisecond, s.log)
	if err != nil {
		s.log.WithError(err).Warn("config watcher unavailable, hot-reload via SIGHUP only")
	} else {
		go watcher.Watch(stopWatch, func() { _ = s.Reload() })
	}
	defer close(stopWatch)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	reloadSig := make(chan os.Signal, 1)
	signal.Notify(reloadSig, syscall.SIGHUP)
	defer signal.Stop(reloadSig)

	for {
		select {
		case err := <-serveErr:
			return err
		case <-reloadSig:
			_ = s.Reload()
		case <-sigCtx.Done():
			return s.shutdown(srv, snap.ShutdownTimeout)
		}
	}
}

func (s *Supervisor) shutdown(srv *http.Server, timeout time.Duration) error {
	s.log.Info("shutdown signal received, draining")
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	drained := s.tracker.Drain(drainCtx, timeout)
	if !drained {
		s.log.WithField("in_flight", s.tracker.InFlight()).Warn("drain deadline exceeded, forcing shutdown")
	}

	s.mu.Lock()
	if s.checker != nil {
		s.checker.Stop()
	}
	s.mu.Unlock()

	s.client.CloseIdle()

	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), timeout)
	defer cancel2()
	return srv.Shutdown(shutdownCtx)
}
