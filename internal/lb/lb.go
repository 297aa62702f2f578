// Package lb selects a healthy backend from a route's target set
// (spec §4.D). Grounded on the teacher's internal/lb/lb.go smooth
// weighted round-robin, reworked so health comes from the shared
// backend registry (spec §9 "cyclic references" resolution) instead
// of each balancer tracking its own fail/skip state.
package lb

import (
	"hash/fnv"
	"math/rand"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/fabian4/gatewayproxy/internal/backend"
	"github.com/fabian4/gatewayproxy/internal/config"
)

// Balancer picks one backend from a fixed, ordered target list,
// filtered to the subset the registry currently reports Healthy.
type Balancer interface {
	Pick(registry *backend.Registry) *url.URL
}

// New builds a Balancer for a target list under the given strategy.
// Targets is the configured, stable order used as the tie-break
// (spec §4.D).
func New(targets []*url.URL, strategy config.Strategy) Balancer {
	switch strategy {
	case config.StrategyRandom:
		return &random{targets: targets}
	default:
		return &roundRobin{targets: targets}
	}
}

func healthySubset(targets []*url.URL, registry *backend.Registry) []*url.URL {
	healthy := make([]*url.URL, 0, len(targets))
	for _, t := range targets {
		id := backend.CanonicalID(t)
		h, ok := registry.Lookup(id)
		if !ok || h.Status() == backend.Healthy {
			healthy = append(healthy, t)
		}
	}
	return healthy
}

// roundRobin implements spec §4.D's round_robin strategy: a single
// atomic cursor, taken modulo the healthy subset's size *at selection
// time*. This sacrifices strict equal distribution during flaps in
// exchange for never routing to a known-unhealthy peer while any
// healthy one exists.
type roundRobin struct {
	targets []*url.URL
	cursor  atomic.Uint64
}

func (b *roundRobin) Pick(registry *backend.Registry) *url.URL {
	healthy := healthySubset(b.targets, registry)
	if len(healthy) == 0 {
		return nil
	}
	idx := b.cursor.Add(1) - 1
	return healthy[idx%uint64(len(healthy))]
}

// random implements spec §4.D's random strategy: uniform pick over
// the healthy subset.
type random struct {
	targets []*url.URL
}

func (b *random) Pick(registry *backend.Registry) *url.URL {
	healthy := healthySubset(b.targets, registry)
	if len(healthy) == 0 {
		return nil
	}
	return healthy[rand.Intn(len(healthy))]
}

// cacheEntry pairs a cached Balancer with the key it was built from,
// so Get can tell whether a route's targets/strategy changed since
// the balancer was created.
type cacheEntry struct {
	key string
	bal Balancer
}

// Registry keeps one Balancer per route, indexed by routeID plus a
// stable hash of the route's sorted target list and strategy (spec §3
// Load-balancer state). It is owned by the supervisor and swapped
// wholesale with the config snapshot — but balancer state (the
// round-robin cursor) is preserved across a reload only when that
// hash is unchanged; a route whose targets or strategy changed gets a
// freshly built balancer so reload actually takes effect.
type Registry struct {
	mu        sync.Mutex
	balancers map[string]cacheEntry
}

func NewRegistry() *Registry {
	return &Registry{balancers: make(map[string]cacheEntry)}
}

// Get returns the balancer for routeID, creating one under strategy
// if this is the first time it's seen, or reusing the previous
// balancer if targets and strategy are unchanged. Safe for concurrent
// use: the router calls this per request while the supervisor may be
// reconciling it against a new snapshot.
func (r *Registry) Get(routeID string, targets []*url.URL, strategy config.Strategy) Balancer {
	key := cacheKey(targets, strategy)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.balancers[routeID]; ok && e.key == key {
		return e.bal
	}
	b := New(targets, strategy)
	r.balancers[routeID] = cacheEntry{key: key, bal: b}
	return b
}

// cacheKey hashes the sorted target list plus strategy so that target
// reordering in config (which doesn't change round-robin fairness
// semantics) doesn't spuriously invalidate the cached balancer, while
// any actual change to the target set or strategy does.
func cacheKey(targets []*url.URL, strategy config.Strategy) string {
	sorted := make([]string, len(targets))
	for i, t := range targets {
		sorted[i] = t.String()
	}
	sort.Strings(sorted)

	h := fnv.New64a()
	for _, s := range sorted {
		_, _ = h.Write([]byte(s))
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write([]byte(strategy))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Prune removes balancers for routes no longer present in the active
// snapshot, called by the supervisor after each reload.
func (r *Registry) Prune(activeRouteIDs map[string]struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.balancers {
		if _, ok := activeRouteIDs[id]; !ok {
			delete(r.balancers, id)
		}
	}
}
