// Package healthcheck periodically probes registered backends and
// drives their health-state transitions (spec §4.C). Grounded on
// original_source/src/adapters/health_checker.rs's probe loop, ported
// to a goroutine-per-checker with a jittered stagger rather than a
// single shared interval tick, per spec §4.C "probes are staggered
// per backend to avoid herds."
package healthcheck

import (
	"context"
	"crypto/tls"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabian4/gatewayproxy/internal/backend"
	"github.com/fabian4/gatewayproxy/internal/config"
	"github.com/fabian4/gatewayproxy/internal/metrics"
)

// Checker owns the probe loop for one configuration snapshot's worth
// of backends. A new Checker is created on every hot-reload; the old
// one is stopped via Stop.
type Checker struct {
	registry *backend.Registry
	cfg      config.HealthCheckConfig
	paths    map[string]string // backend URL -> override path
	client   *http.Client
	log      *logrus.Entry
	metrics  *metrics.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

func New(registry *backend.Registry, cfg config.HealthCheckConfig, paths map[string]string, log *logrus.Logger, m *metrics.Metrics) *Checker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Checker{
		registry: registry,
		cfg:      cfg,
		paths:    paths,
		client: &http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{}},
		},
		log:     log.WithField("component", "healthcheck"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Start begins one probe goroutine per backend currently registered.
// It returns immediately; call Stop to cancel. Stop must happen within
// one interval of being requested, per spec §4.C's graceful
// cancellation contract.
func (c *Checker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if !c.cfg.Enabled {
		c.log.Info("health checking disabled")
		close(c.done)
		return
	}

	backends := c.registry.List()
	var wg sync.WaitGroup
	wg.Add(len(backends))
	for _, h := range backends {
		h := h
		if c.metrics != nil {
			c.metrics.SetBackendHealth(string(h.ID()), h.Status() == backend.Healthy)
		}
		// Stagger the initial probe per backend to avoid thundering
		// herds against upstreams when many backends share an interval.
		jitter := time.Duration(rand.Int63n(int64(c.cfg.Interval) + 1))
		go c.run(ctx, h, jitter, wg.Done)
	}
	go func() {
		wg.Wait()
		close(c.done)
	}()
}

func (c *Checker) run(ctx context.Context, h *backend.Health, initialDelay time.Duration, done func()) {
	defer done()

	timer := time.NewTimer(initialDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		c.probe(ctx, h)

		select {
		case <-ctx.Done():
			return
		default:
		}
		timer.Reset(c.cfg.Interval)
	}
}

func (c *Checker) probe(ctx context.Context, h *backend.Health) {
	before := h.Status()
	defer func() {
		if after := h.Status(); before != after {
			c.log.WithFields(logrus.Fields{"backend": h.ID(), "status": after}).Info("backend health transition")
			if c.metrics != nil {
				c.metrics.SetBackendHealth(string(h.ID()), after == backend.Healthy)
			}
		}
	}()

	path := c.cfg.Path
	if override, ok := c.paths[string(h.ID())]; ok && override != "" {
		path = override
	}
	url := string(h.ID()) + path

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		h.RecordProbe(false, err, c.cfg.UnhealthyThreshold, c.cfg.HealthyThreshold)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Probe errors never propagate to callers; they are recorded
		// into the health record's last_error only (spec §4.C).
		h.RecordProbe(false, err, c.cfg.UnhealthyThreshold, c.cfg.HealthyThreshold)
		c.log.WithField("backend", h.ID()).WithError(err).Debug("health probe failed")
		return
	}
	defer resp.Body.Close()

	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	var probeErr error
	if !success {
		probeErr = statusError(resp.StatusCode)
	}
	h.RecordProbe(success, probeErr, c.cfg.UnhealthyThreshold, c.cfg.HealthyThreshold)
}

type statusErr struct{ code int }

func (e statusErr) Error() string { return "non-2xx status: " + http.StatusText(e.code) }

func statusError(code int) error { return statusErr{code} }

// Stop cancels the probe loop and waits for it to drain, up to one
// interval plus one second.
func (c *Checker) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	select {
	case <-c.done:
	case <-time.After(c.cfg.Interval + time.Second):
	}
}

