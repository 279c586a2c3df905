package syncpeer

import (
	"sync"
	"time"
)

// pendingApply is one deferred apply, queued under the UUID it was missing
// when first attempted.
type pendingApply struct {
	fromDevice string
	env        Envelope
	queuedAt   time.Time
}

// dependencyTracker implements spec.md §4.8 step 2: an apply call that
// fails with "parent not found" (or any FK fault, syncerr.ErrDependencyMissing)
// is queued keyed by the missing dependency's uuid; when that dependency
// later applies successfully, every message waiting on it is replayed.
// Queue entries are TTL-bounded so a dependency that never arrives (a
// dropped StateChange the sender will eventually resend on its own LWW
// full-state scan) doesn't grow the tracker without bound.
//
// Grounded on the lamport-clock reorder buffer idea in Syncthing's index
// handling (out-of-order Index/IndexUpdate batches are tolerated because
// files.Replace/Update is idempotent per version) — here made explicit
// because this protocol's StateChange apply can hard-fail on a genuinely
// missing FK rather than silently reconciling, so something has to hold
// the message until the FK exists.
type dependencyTracker struct {
	mu  sync.Mutex
	ttl time.Duration
	q   map[string][]pendingApply // missing dependency uuid -> waiters
}

func newDependencyTracker(ttl time.Duration) *dependencyTracker {
	return &dependencyTracker{ttl: ttl, q: make(map[string][]pendingApply)}
}

// Defer queues env (received from fromDevice) behind missingUUID.
func (d *dependencyTracker) Defer(missingUUID, fromDevice string, env Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.q[missingUUID] = append(d.q[missingUUID], pendingApply{fromDevice: fromDevice, env: env, queuedAt: time.Now()})
}

// Ready pops and returns every message waiting on resolvedUUID, now that it
// has applied successfully.
func (d *dependencyTracker) Ready(resolvedUUID string) []pendingApply {
	d.mu.Lock()
	defer d.mu.Unlock()
	waiters := d.q[resolvedUUID]
	delete(d.q, resolvedUUID)
	return waiters
}

// Sweep drops entries older than ttl, returning how many were discarded.
func (d *dependencyTracker) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-d.ttl)
	dropped := 0
	for uuid, waiters := range d.q {
		kept := waiters[:0]
		for _, w := range waiters {
			if w.queuedAt.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, w)
		}
		if len(kept) == 0 {
			delete(d.q, uuid)
		} else {
			d.q[uuid] = kept
		}
	}
	return dropped
}

// Len reports the total number of queued waiters, for tests and metrics.
func (d *dependencyTracker) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, waiters := range d.q {
		n += len(waiters)
	}
	return n
}
