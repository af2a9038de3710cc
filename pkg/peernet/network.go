// Package peernet maintains ordered, reliably-delivered message streams to
// named peers over channels that may break and be rebuilt at any time. Every
// message carries a sequence number and a piggybacked cumulative ack; a send
// is complete only when its sequence has been acknowledged. Messages sent
// while a peer is reconnecting queue up and flush in order once a channel is
// back.
package peernet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/datawire/dlib/dlog"

	"github.com/caplinkio/caplink/pkg/channel"
	"github.com/caplinkio/caplink/pkg/wire"
)

// PeerID identifies a remote endpoint.
type PeerID string

// Handler is invoked for every inbound data frame. Failures are logged and
// never propagate to the remote peer.
type Handler func(ctx context.Context, peer PeerID, msg Message) error

// Clock abstracts the time source used for activity tracking, so tests can
// drive the stale-peer sweep.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Network is the coordinator: it owns the peer table, the global lifecycle,
// and the reader goroutine of every installed channel.
type Network struct {
	cfg        Config
	factory    channel.Factory
	classifier channel.Classifier
	handler    Handler
	onGiveUp   func(PeerID)
	clock      Clock

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	peers     map[PeerID]*peerState
	connCount int
	stopped   bool

	recon *reconnectTracker

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// Option adjusts a Network at construction time.
type Option func(*Network)

// WithClassifier replaces the transport error classifier.
func WithClassifier(c channel.Classifier) Option {
	return func(n *Network) { n.classifier = c }
}

// WithClock replaces the time source.
func WithClock(c Clock) Option {
	return func(n *Network) { n.clock = c }
}

// WithGiveUpCallback installs a callback fired exactly once per episode when
// reconnection to a peer gives up.
func WithGiveUpCallback(f func(PeerID)) Option {
	return func(n *Network) { n.onGiveUp = f }
}

// NewNetwork creates a Network on top of the given channel factory. The
// handler receives every inbound application message. The network runs until
// ctx is done or Stop is called.
func NewNetwork(ctx context.Context, cfg Config, factory channel.Factory, handler Handler, opts ...Option) *Network {
	ctx, cancel := context.WithCancel(ctx)
	n := &Network{
		cfg:        cfg.withDefaults(),
		factory:    factory,
		classifier: channel.TCPClassifier{},
		handler:    handler,
		clock:      wallClock{},
		ctx:        ctx,
		cancel:     cancel,
		peers:      make(map[PeerID]*peerState),
		recon:      newReconnectTracker(),
	}
	for _, opt := range opts {
		opt(n)
	}
	factory.OnInbound(n.handleInbound)
	n.wg.Add(1)
	go n.sweepLoop()
	return n
}

// Send queues msg for the given peer and returns a Delivery that resolves
// when the remote peer acknowledges it. When the peer has a live channel the
// message is transmitted before Send returns (dialing a channel first if
// necessary); when a reconnection is in progress the message waits for the
// flush. ctx bounds only the transmission attempt made by this call; the
// delivery itself stays pending across reconnections.
func (n *Network) Send(ctx context.Context, peer PeerID, msg Message) (Delivery, error) {
	if size := msg.payloadSize(); size > n.cfg.MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds limit %d: %w", size, n.cfg.MaxMessageSize, ErrMessageTooLarge)
	}
	ps, err := n.peer(peer)
	if err != nil {
		return nil, err
	}

	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return nil, ErrPeerClosed
	}
	pm, err := ps.enqueueLocked(msg)
	if err != nil {
		ps.mu.Unlock()
		return nil, err
	}
	reconnecting := n.recon.reconnecting(peer)
	ps.mu.Unlock()

	if reconnecting {
		dlog.Debugf(ctx, "-> PEER %s seq %d queued for flush", peer, pm.seq)
		return pm.done, nil
	}

	if err := n.pump(ctx, ps, true); err != nil {
		if errors.Is(err, ErrNetworkStopped) || n.ctx.Err() != nil {
			// The enqueue may have raced past Stop's rejection sweep, so
			// reject here as well; resolving is idempotent.
			ps.mu.Lock()
			ps.rejectAllLocked(ErrNetworkStopped)
			ps.mu.Unlock()
			return pm.done, nil
		}
		// Any other failure, including the caller abandoning the attempt
		// mid-dial, leaves the message queued for the reconnection loop.
		// pump has already released the channel it failed on.
		dlog.Debugf(ctx, "!! PEER %s transmit failed: %v", peer, err)
		n.connectionLost(ps, nil)
	}
	return pm.done, nil
}

// SendSync sends msg and waits for its delivery to resolve.
func (n *Network) SendSync(ctx context.Context, peer PeerID, msg Message) error {
	d, err := n.Send(ctx, peer, msg)
	if err != nil {
		return err
	}
	select {
	case err := <-d:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump transmits every not-yet-sent pending message of ps, oldest first,
// dialing a channel when none is installed and fromSend permits it. It holds
// the peer's send mutex for the duration, which is what serializes frames
// for one peer. A channel that fails a write is released before pump
// returns the error.
func (n *Network) pump(ctx context.Context, ps *peerState, fromSend bool) error {
	ps.sendMu.Lock()
	defer ps.sendMu.Unlock()
	for {
		ps.mu.Lock()
		pm := ps.queue.firstUnsent()
		ch := ps.ch
		ack := ps.highestRecv
		hints := ps.hintsLocked(n.cfg.Relays)
		ps.mu.Unlock()

		if pm == nil {
			return nil
		}
		if n.isStopped() {
			return ErrNetworkStopped
		}
		if ch == nil {
			if !fromSend {
				// The reconnection loop installs the channel before it
				// flushes; finding none means it was just lost again.
				return io.ErrClosedPipe
			}
			newCh, err := n.factory.Dial(ctx, string(ps.id), hints, true)
			if err != nil {
				return err
			}
			if err := n.installChannel(ps, newCh); err != nil {
				_ = n.factory.CloseChannel(ctx, newCh)
				return err
			}
			ch = newCh
		}

		frame := &wire.Frame{Seq: pm.seq, Ack: ack, Method: pm.msg.Method, Params: pm.msg.Params}
		data, err := frame.Marshal()
		if err != nil {
			return err
		}
		wctx, wcancel := context.WithTimeout(ctx, n.cfg.WriteTimeout)
		err = ch.Write(wctx, data)
		wcancel()
		if err != nil {
			n.releaseIfCurrent(ps, ch)
			return err
		}
		dlog.Debugf(ctx, "-> PEER %s %s", ps.id, frame)

		now := n.clock.Now()
		ps.mu.Lock()
		pm.unsent = false
		if pm.sentAt.IsZero() {
			pm.sentAt = now
		} else {
			pm.retries++
		}
		ps.lastActivity = now
		ps.mu.Unlock()
		if fromSend {
			n.recon.reset(ps.id)
		}
	}
}

// HandleAck resolves every pending message of peer whose sequence is covered
// by the cumulative ackSeq. Acks are idempotent; stale or out-of-range
// values are ignored.
func (n *Network) HandleAck(peer PeerID, ackSeq uint32) {
	ps := n.lookup(peer)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	resolved := ps.ackLocked(ackSeq)
	ps.lastActivity = n.clock.Now()
	ps.mu.Unlock()
	if resolved > 0 {
		dlog.Debugf(n.ctx, "<- PEER %s ack %d resolved %d deliveries", peer, ackSeq, resolved)
	}
}

// UpdateReceivedSeq raises the highest sequence received from peer. The
// value rides along as the ack of subsequent outbound frames.
func (n *Network) UpdateReceivedSeq(peer PeerID, seq uint32) {
	ps := n.lookup(peer)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	if seq > ps.highestRecv {
		ps.highestRecv = seq
	}
	ps.lastActivity = n.clock.Now()
	ps.mu.Unlock()
}

// RegisterLocationHints union-merges hints into the peer's set.
func (n *Network) RegisterLocationHints(peer PeerID, hints []string) error {
	ps, err := n.peer(peer)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	ps.addHintsLocked(hints)
	ps.mu.Unlock()
	return nil
}

// CloseConnection marks peer as intentionally closed: pending deliveries
// fail, the channel is released, a running reconnection loop winds down, and
// until ReconnectPeer is called neither sends nor inbound channels are
// accepted. Idempotent.
func (n *Network) CloseConnection(peer PeerID) {
	ps := n.lookup(peer)
	if ps == nil {
		ps = n.getOrCreate(peer)
		if ps == nil {
			return
		}
	}
	ps.mu.Lock()
	alreadyClosed := ps.closed
	ps.closed = true
	rejected := ps.rejectAllLocked(ErrPeerClosed)
	ch := ps.ch
	if ch != nil {
		ps.ch = nil
		n.channelReleased()
	}
	n.recon.stop(peer)
	n.recon.reset(peer)
	ps.clearSeqsLocked()
	ps.mu.Unlock()

	if ch != nil {
		_ = n.factory.CloseChannel(n.ctx, ch)
	}
	if !alreadyClosed {
		dlog.Infof(n.ctx, "-- PEER %s closed, %d pending rejected", peer, rejected)
	}
}

// ReconnectPeer clears the intentionally-closed flag, merges the optional
// hints, and starts a reconnection loop when none is running.
func (n *Network) ReconnectPeer(peer PeerID, hints []string) error {
	ps, err := n.peer(peer)
	if err != nil {
		return err
	}
	ps.mu.Lock()
	ps.closed = false
	ps.addHintsLocked(hints)
	start := !n.recon.reconnecting(peer)
	if start {
		n.recon.start(peer)
	}
	ps.mu.Unlock()
	if start {
		n.wg.Add(1)
		go n.reconnectLoop(ps)
	}
	return nil
}

// ResetBackoffs clears every peer's attempt counter. Wired to the host's
// wake-from-sleep notification so the next reconnection cycle starts from
// the shortest delay.
func (n *Network) ResetBackoffs() {
	n.recon.resetAll()
	dlog.Debugf(n.ctx, "backoff counters reset")
}

// Stop shuts the network down: cancels all loops and delays, rejects all
// pending deliveries, closes the channel factory, and waits for every
// per-peer goroutine to exit. Idempotent.
func (n *Network) Stop() error {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		n.stopped = true
		states := make([]*peerState, 0, len(n.peers))
		for _, ps := range n.peers {
			states = append(states, ps)
		}
		n.mu.Unlock()

		n.cancel()

		for _, ps := range states {
			ps.mu.Lock()
			ps.rejectAllLocked(ErrNetworkStopped)
			ch := ps.ch
			if ch != nil {
				ps.ch = nil
				n.channelReleased()
			}
			n.recon.stop(ps.id)
			ps.mu.Unlock()
			if ch != nil {
				_ = n.factory.CloseChannel(context.Background(), ch)
			}
		}

		var result error
		if err := n.factory.Stop(context.Background()); err != nil {
			result = multierror.Append(result, err)
		}
		n.wg.Wait()
		n.stopErr = result
	})
	return n.stopErr
}

// PeerCount returns the number of tracked peers.
func (n *Network) PeerCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// ConnectionCount returns the number of installed channels.
func (n *Network) ConnectionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connCount
}

// handleInbound installs a channel that the remote side opened towards us.
func (n *Network) handleInbound(ctx context.Context, ch channel.Channel) {
	peer := PeerID(ch.PeerID())
	ps, err := n.peer(peer)
	if err != nil {
		_ = n.factory.CloseChannel(ctx, ch)
		return
	}
	if err := n.installChannel(ps, ch); err != nil {
		dlog.Debugf(ctx, "refusing inbound channel from %s: %v", peer, err)
		_ = n.factory.CloseChannel(ctx, ch)
		return
	}
	dlog.Debugf(ctx, "++ PEER %s inbound channel installed", peer)
	// A running reconnection loop notices the live channel on its next
	// pass and proceeds straight to the flush.
}

// installChannel binds ch to ps, replacing (and gracefully releasing) any
// previous channel, and spawns the reader. It fails when the peer is
// intentionally closed or a new installation would exceed the connection
// limit.
func (n *Network) installChannel(ps *peerState, ch channel.Channel) error {
	ps.mu.Lock()
	if ps.closed {
		ps.mu.Unlock()
		return ErrPeerClosed
	}
	old := ps.ch
	if old == nil {
		n.mu.Lock()
		if n.connCount >= n.cfg.MaxConnections {
			n.mu.Unlock()
			ps.mu.Unlock()
			return ErrTooManyConnections
		}
		n.connCount++
		n.mu.Unlock()
	}
	ps.ch = ch
	// Everything unacknowledged must be retransmitted on the new channel.
	ps.queue.markAllUnsent()
	ps.mu.Unlock()

	if old != nil {
		_ = n.factory.CloseChannel(n.ctx, old)
	}
	n.wg.Add(1)
	go n.readLoop(ps, ch)
	return nil
}

// releaseIfCurrent detaches ch from ps if it is still the installed channel
// and hands it back to the factory.
func (n *Network) releaseIfCurrent(ps *peerState, ch channel.Channel) {
	ps.mu.Lock()
	if ps.ch != ch {
		ps.mu.Unlock()
		return
	}
	ps.ch = nil
	n.channelReleased()
	ps.queue.markAllUnsent()
	ps.mu.Unlock()
	_ = n.factory.CloseChannel(n.ctx, ch)
}

// channelReleased decrements the installed-channel count. Callers hold the
// owning peer's mu.
func (n *Network) channelReleased() {
	n.mu.Lock()
	n.connCount--
	n.mu.Unlock()
}

// connectionLost handles the failure of one channel. When the failed channel
// was already replaced by a newer installation, the installed channel is
// healthy: only the failed one is closed and no reconnection starts.
// Otherwise the channel is released and a reconnection loop starts, unless
// one is already running or the peer is closed. A nil failed channel starts
// the loop without releasing anything.
func (n *Network) connectionLost(ps *peerState, failed channel.Channel) {
	if failed != nil {
		ps.mu.Lock()
		replaced := ps.ch != nil && ps.ch != failed
		ps.mu.Unlock()
		if replaced {
			_ = n.factory.CloseChannel(n.ctx, failed)
			return
		}
		n.releaseIfCurrent(ps, failed)
	}
	ps.mu.Lock()
	if ps.closed || n.isStopped() || n.recon.reconnecting(ps.id) {
		ps.mu.Unlock()
		return
	}
	n.recon.start(ps.id)
	ps.mu.Unlock()
	n.wg.Add(1)
	go n.reconnectLoop(ps)
}

// readLoop serves one installed channel until it ends or the network stops.
func (n *Network) readLoop(ps *peerState, ch channel.Channel) {
	defer n.wg.Done()
	ctx := n.ctx
	peer := ps.id
	for {
		data, err := ch.Read(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, io.EOF):
				dlog.Debugf(ctx, "-- PEER %s remote end of stream", peer)
				n.releaseIfCurrent(ps, ch)
				return
			case n.classifier.IsRemoteAbort(err):
				dlog.Infof(ctx, "-- PEER %s remote disconnected on purpose", peer)
				n.releaseIfCurrent(ps, ch)
				return
			default:
				if !n.classifier.IsRetryable(err) {
					dlog.Errorf(ctx, "!! PEER %s read: %v", peer, err)
				}
				n.connectionLost(ps, ch)
				return
			}
		}
		frame, err := wire.Unmarshal(data)
		if err != nil {
			dlog.Errorf(ctx, "!! PEER %s dropping garbled frame: %v", peer, err)
			continue
		}
		dlog.Debugf(ctx, "<- PEER %s %s", peer, frame)
		if frame.Seq > 0 {
			n.UpdateReceivedSeq(peer, frame.Seq)
			if n.handler != nil {
				if err := n.handler(ctx, peer, Message{Method: frame.Method, Params: frame.Params}); err != nil {
					dlog.Errorf(ctx, "!! PEER %s handler for %q: %v", peer, frame.Method, err)
				}
			}
		}
		if frame.Ack > 0 {
			n.HandleAck(peer, frame.Ack)
		}
	}
}

func (n *Network) isStopped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stopped
}

// lookup returns the state for peer, or nil when none exists.
func (n *Network) lookup(peer PeerID) *peerState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[peer]
}

// peer returns (creating on first reference) the state for peer, or an
// error when the network is stopped.
func (n *Network) peer(peer PeerID) (*peerState, error) {
	ps := n.getOrCreate(peer)
	if ps == nil {
		return nil, ErrNetworkStopped
	}
	return ps, nil
}

func (n *Network) getOrCreate(peer PeerID) *peerState {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.stopped {
		return nil
	}
	ps, ok := n.peers[peer]
	if !ok {
		ps = newPeerState(peer, n.cfg.MaxQueue, n.clock.Now())
		n.peers[peer] = ps
	}
	return ps
}
