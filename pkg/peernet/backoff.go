package peernet

import (
	"math/rand"
	"sync"
	"time"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2
)

// reconnectTracker does the pure bookkeeping of reconnection: which peers
// have a loop running and how many attempts the current episode has made.
// It performs no I/O.
type reconnectTracker struct {
	mu    sync.Mutex
	peers map[PeerID]*reconnectEntry
}

type reconnectEntry struct {
	attempt int
	active  bool
}

func newReconnectTracker() *reconnectTracker {
	return &reconnectTracker{peers: make(map[PeerID]*reconnectEntry)}
}

func (t *reconnectTracker) entry(peer PeerID) *reconnectEntry {
	e, ok := t.peers[peer]
	if !ok {
		e = &reconnectEntry{}
		t.peers[peer] = e
	}
	return e
}

// start marks a reconnection episode as running. Idempotent.
func (t *reconnectTracker) start(peer PeerID) {
	t.mu.Lock()
	t.entry(peer).active = true
	t.mu.Unlock()
}

// stop marks the episode as finished. Idempotent.
func (t *reconnectTracker) stop(peer PeerID) {
	t.mu.Lock()
	if e, ok := t.peers[peer]; ok {
		e.active = false
	}
	t.mu.Unlock()
}

// reconnecting reports whether a loop is running for peer. This is the
// authoritative witness for the one-loop-per-peer guarantee.
func (t *reconnectTracker) reconnecting(peer PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[peer]
	return ok && e.active
}

// bump increments the episode's attempt counter and returns the new value.
func (t *reconnectTracker) bump(peer PeerID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entry(peer)
	e.attempt++
	return e.attempt
}

// shouldRetry reports whether another attempt may run. maxAttempts zero
// means unbounded.
func (t *reconnectTracker) shouldRetry(peer PeerID, maxAttempts int) bool {
	if maxAttempts == 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.peers[peer]
	return !ok || e.attempt < maxAttempts
}

// delay returns the backoff before the current attempt: exponential in the
// attempt number, bounded by backoffCap, with ±20 % jitter.
func (t *reconnectTracker) delay(peer PeerID) time.Duration {
	t.mu.Lock()
	attempt := t.entry(peer).attempt
	t.mu.Unlock()
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}

// reset clears the attempt counter after a successful transmission.
func (t *reconnectTracker) reset(peer PeerID) {
	t.mu.Lock()
	if e, ok := t.peers[peer]; ok {
		e.attempt = 0
	}
	t.mu.Unlock()
}

// resetAll clears every attempt counter. Called when the host wakes from
// sleep so that stale, inflated delays don't linger.
func (t *reconnectTracker) resetAll() {
	t.mu.Lock()
	for _, e := range t.peers {
		e.attempt = 0
	}
	t.mu.Unlock()
}

// forget removes all state for peer.
func (t *reconnectTracker) forget(peer PeerID) {
	t.mu.Lock()
	delete(t.peers, peer)
	t.mu.Unlock()
}
