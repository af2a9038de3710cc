package peernet

import (
	"github.com/datawire/dlib/dlog"
	"github.com/datawire/dlib/dtime"
)

// reconnectLoop is the single goroutine that rebuilds a peer's channel after
// a loss. It backs off exponentially between attempts, dials (unless an
// inbound channel arrived in the meantime), flushes the pending queue in
// sequence order, and exits once everything queued has been transmitted.
// There is never more than one loop per peer; recon.reconnecting is the
// witness.
func (n *Network) reconnectLoop(ps *peerState) {
	defer n.wg.Done()
	ctx := n.ctx
	peer := ps.id
	for {
		if !n.recon.shouldRetry(peer, n.cfg.MaxRetryAttempts) {
			n.giveUp(ps)
			return
		}
		attempt := n.recon.bump(peer)
		delay := n.recon.delay(peer)
		dlog.Debugf(ctx, ".. PEER %s reconnect attempt %d in %s", peer, attempt, delay)
		dtime.SleepWithContext(ctx, delay)
		if ctx.Err() != nil {
			// Stop rejects the pending deliveries.
			return
		}

		ps.mu.Lock()
		if ps.closed {
			n.recon.stop(peer)
			n.recon.reset(peer)
			ps.mu.Unlock()
			return
		}
		ch := ps.ch
		hints := ps.hintsLocked(n.cfg.Relays)
		ps.mu.Unlock()

		if ch == nil {
			newCh, err := n.factory.Dial(ctx, string(peer), hints, false)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if n.classifier.IsRetryable(err) {
					dlog.Debugf(ctx, ".. PEER %s dial failed, will retry: %v", peer, err)
					continue
				}
				dlog.Errorf(ctx, "!! PEER %s dial failed permanently: %v", peer, err)
				n.giveUp(ps)
				return
			}
			if err := n.installChannel(ps, newCh); err != nil {
				// Connection limit; back off and try again once slots free up.
				_ = n.factory.CloseChannel(ctx, newCh)
				dlog.Debugf(ctx, ".. PEER %s channel not installed: %v", peer, err)
				continue
			}
			dlog.Infof(ctx, "++ PEER %s reconnected on attempt %d", peer, attempt)
		}

		if err := n.pump(ctx, ps, false); err != nil {
			if ctx.Err() != nil {
				return
			}
			// pump released the channel it failed on; an inbound channel
			// installed since then stays and the next pass flushes on it.
			dlog.Debugf(ctx, ".. PEER %s flush interrupted: %v", peer, err)
			continue
		}

		// The flush wrote everything it saw, but a concurrent Send may have
		// queued more, or the channel may have dropped again. Exiting and
		// declaring the episode over must be one atomic decision.
		ps.mu.Lock()
		if ps.queue.firstUnsent() == nil && ps.ch != nil {
			n.recon.stop(peer)
			n.recon.reset(peer)
			ps.lastActivity = n.clock.Now()
			ps.mu.Unlock()
			dlog.Debugf(ctx, ".. PEER %s flush complete", peer)
			return
		}
		ps.mu.Unlock()
	}
}

// giveUp ends a reconnection episode without a channel: every pending
// delivery fails with ErrGaveUp and the give-up callback fires. The peer
// stays usable; the next Send or inbound channel starts a fresh episode
// from the shortest backoff.
func (n *Network) giveUp(ps *peerState) {
	peer := ps.id
	ps.mu.Lock()
	rejected := ps.rejectAllLocked(ErrGaveUp)
	ch := ps.ch
	if ch != nil {
		ps.ch = nil
		n.channelReleased()
	}
	n.recon.stop(peer)
	n.recon.reset(peer)
	ps.mu.Unlock()

	if ch != nil {
		_ = n.factory.CloseChannel(n.ctx, ch)
	}
	dlog.Errorf(n.ctx, "!! PEER %s gave up reconnecting, %d pending rejected", peer, rejected)
	if n.onGiveUp != nil {
		n.onGiveUp(peer)
	}
}
