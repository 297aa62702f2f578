// Package conntrack tracks in-flight requests so the supervisor can
// drain connections on shutdown without dropping anything in progress
// (spec §3 Connection/request tracker, §4.J).
package conntrack

import (
	"context"
	"sync/atomic"
	"time"
)

type state int32

const (
	accepting state = iota
	draining
)

// Tracker is an atomic counter plus an atomic state flag, per spec
// §5's shared-resource policy ("Connection tracker: atomic counter +
// atomic state flag").
type Tracker struct {
	inFlight atomic.Int64
	st       atomic.Int32
}

func New() *Tracker {
	t := &Tracker{}
	t.st.Store(int32(accepting))
	return t
}

// Enter admits a request if the tracker is Accepting, incrementing
// the in-flight counter. It returns false (the "sentinel" of spec
// §4.J) when the tracker is Draining, in which case the caller should
// emit 503 with Connection: close without calling Exit.
func (t *Tracker) Enter() bool {
	if state(t.st.Load()) != accepting {
		return false
	}
	t.inFlight.Add(1)
	// Re-check: a drain() call racing with this Enter may have flipped
	// to Draining between the load above and the increment; in that
	// case back out so the drain deadline still converges on zero.
	if state(t.st.Load()) != accepting {
		t.Exit()
		return false
	}
	return true
}

// Exit releases a request admitted by a successful Enter.
func (t *Tracker) Exit() {
	t.inFlight.Add(-1)
}

// InFlight returns the current in-flight count.
func (t *Tracker) InFlight() int64 {
	return t.inFlight.Load()
}

// Draining reports whether the tracker has been flipped to draining.
func (t *Tracker) Draining() bool {
	return state(t.st.Load()) == draining
}

// Drain flips the tracker to Draining (no new requests admitted) and
// blocks until in-flight reaches zero or deadline elapses, whichever
// comes first. It returns true if it drained cleanly.
func (t *Tracker) Drain(ctx context.Context, deadline time.Duration) bool {
	t.st.Store(int32(draining))

	if t.inFlight.Load() == 0 {
		return true
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.NewTimer(deadline)
	defer timeout.Stop()

	for {
		select {
		case <-ctx.Done():
			return t.inFlight.Load() == 0
		case <-timeout.C:
			return t.inFlight.Load() == 0
		case <-ticker.C:
			if t.inFlight.Load() == 0 {
				return true
			}
		}
	}
}
