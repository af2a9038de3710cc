package peernet

import (
	"time"

	"github.com/datawire/dlib/dlog"
)

// sweepLoop periodically discards peers that have been idle with no channel,
// no pending messages, and no reconnection in flight for longer than the
// stale timeout.
func (n *Network) sweepLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sweep()
		}
	}
}

func (n *Network) sweep() {
	now := n.clock.Now()
	n.mu.Lock()
	candidates := make([]*peerState, 0, len(n.peers))
	for _, ps := range n.peers {
		candidates = append(candidates, ps)
	}
	n.mu.Unlock()

	for _, ps := range candidates {
		ps.mu.Lock()
		stale := ps.ch == nil &&
			ps.queue.len() == 0 &&
			!n.recon.reconnecting(ps.id) &&
			now.Sub(ps.lastActivity) > n.cfg.StaleTimeout
		ps.mu.Unlock()
		if !stale {
			continue
		}
		n.mu.Lock()
		delete(n.peers, ps.id)
		n.mu.Unlock()
		n.recon.forget(ps.id)
		dlog.Debugf(n.ctx, "-- PEER %s stale, discarded", ps.id)
	}
}
