// Package backend owns backend identity and health state: the single
// source of truth routes and the load balancer consult by URL (spec
// §4.B, §9 "cyclic references" note).
package backend

import (
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the health state of a backend (spec §3).
type Status int32

const (
	Healthy Status = iota
	Unhealthy
)

func (s Status) String() string {
	if s == Healthy {
		return "healthy"
	}
	return "unhealthy"
}

// ID is a backend's canonical identity: scheme + authority, no
// trailing slash.
type ID string

// CanonicalID derives the canonical identity from a full URL.
func CanonicalID(u *url.URL) ID {
	return ID(strings.TrimSuffix(u.Scheme+"://"+u.Host, "/"))
}

// Secure reports whether the backend is addressed over TLS.
func (id ID) Secure() bool {
	return strings.HasPrefix(string(id), "https://")
}

// Health tracks a single backend's health state. Status is a lock-free
// atomic read; the counters live behind a short-held mutex, per the
// concurrency model in spec §5 ("atomic status flag; counters behind a
// short lock").
type Health struct {
	id     ID
	status atomic.Int32 // Status

	mu                  sync.Mutex
	consecutiveSuccess  int
	consecutiveFailures int
	lastCheckedAt       time.Time
	lastError           string
}

// newHealth creates a record that starts Healthy, optimistically,
// per spec §3's invariant.
func newHealth(id ID) *Health {
	h := &Health{id: id}
	h.status.Store(int32(Healthy))
	return h
}

func (h *Health) ID() ID { return h.id }

func (h *Health) Status() Status {
	return Status(h.status.Load())
}

// Snapshot is a point-in-time copy of a backend's health state, safe
// to hand to callers without holding any lock.
type Snapshot struct {
	ID                  ID
	Status              Status
	ConsecutiveSuccess  int
	ConsecutiveFailures int
	LastCheckedAt       time.Time
	LastError           string
}

func (h *Health) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		ID:                  h.id,
		Status:              h.Status(),
		ConsecutiveSuccess:  h.consecutiveSuccess,
		ConsecutiveFailures: h.consecutiveFailures,
		LastCheckedAt:       h.lastCheckedAt,
		LastError:           h.lastError,
	}
}

// RecordProbe applies the outcome of one health-check probe, driving
// the Healthy/Unhealthy transitions at the configured thresholds
// (spec §3 Backend health state transitions). Counters reset to zero
// on a transition.
func (h *Health) RecordProbe(success bool, probeErr error, unhealthyThreshold, healthyThreshold int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheckedAt = time.Now()
	if probeErr != nil {
		h.lastError = probeErr.Error()
	} else {
		h.lastError = ""
	}

	if success {
		h.consecutiveFailures = 0
		h.consecutiveSuccess++
		if h.Status() == Unhealthy && h.consecutiveSuccess >= healthyThreshold {
			h.status.Store(int32(Healthy))
			h.consecutiveSuccess = 0
		}
		return
	}

	h.consecutiveSuccess = 0
	h.consecutiveFailures++
	if h.Status() == Healthy && h.consecutiveFailures >= unhealthyThreshold {
		h.status.Store(int32(Unhealthy))
		h.consecutiveFailures = 0
	}
}

// RecordOutcome is a lighter-weight feedback path used by the
// round-trip path (proxy/load-balance responses, not active probes):
// it nudges the same counters/thresholds without recording an error
// string, mirroring passive health signals layered on top of active
// checks in the original implementation.
func (h *Health) RecordOutcome(success bool, unhealthyThreshold, healthyThreshold int) {
	h.RecordProbe(success, nil, unhealthyThreshold, healthyThreshold)
}

// Registry maps backend identity to its shared health record
// (spec §4.B). The supervisor is the sole writer for membership
// (ensure/gc); health-state updates may come from any task.
type Registry struct {
	mu      sync.RWMutex
	records map[ID]*Health
}

func NewRegistry() *Registry {
	return &Registry{records: make(map[ID]*Health)}
}

// Ensure returns the existing record for id, or inserts and returns a
// new optimistically-Healthy one.
func (r *Registry) Ensure(id ID) *Health {
	r.mu.RLock()
	h, ok := r.records[id]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.records[id]; ok {
		return h
	}
	h = newHealth(id)
	r.records[id] = h
	return h
}

// Lookup returns the record for id without creating one.
func (r *Registry) Lookup(id ID) (*Health, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.records[id]
	return h, ok
}

// List enumerates all known backend records.
func (r *Registry) List() []*Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Health, 0, len(r.records))
	for _, h := range r.records {
		out = append(out, h)
	}
	return out
}

// GC removes records whose ID is not in reachable, returning the
// removed IDs. The supervisor calls this after a reload, typically
// delayed by a grace period so rapid reloads don't drop health state
// (spec §4.K).
func (r *Registry) GC(reachable map[ID]struct{}) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []ID
	for id := range r.records {
		if _, ok := reachable[id]; !ok {
			delete(r.records, id)
			removed = append(removed, id)
		}
	}
	return removed
}
