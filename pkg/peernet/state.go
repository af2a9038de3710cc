package peernet

import (
	"sync"
	"time"

	"github.com/caplinkio/caplink/pkg/channel"
)

// peerState is the per-peer aggregate: the installed channel, the sequence
// counters, the pending queue, location hints, and the liveness bookkeeping.
//
// Locking: mu guards every field; sendMu serializes transmissions (including
// the dial that may precede them) so that frames for one peer always leave
// in sequence order. sendMu is never held while waiting for mu holders; mu
// is never held across I/O.
type peerState struct {
	id PeerID

	sendMu sync.Mutex

	mu    sync.Mutex
	ch    channel.Channel
	hints []string

	// nextSeq is the sequence the next queued message will carry. The
	// first frame sent to a peer has seq 1.
	nextSeq uint32
	// startSeq is the sequence of the queue head; the entry at position k
	// carries startSeq+k. When the queue is empty, startSeq == nextSeq.
	startSeq uint32
	// highestRecv is the highest data sequence received from this peer,
	// piggybacked as the ack on outbound frames.
	highestRecv uint32

	queue *msgQueue

	closed       bool
	lastActivity time.Time
}

func newPeerState(id PeerID, maxQueue int, now time.Time) *peerState {
	return &peerState{
		id:           id,
		nextSeq:      1,
		startSeq:     1,
		queue:        newMsgQueue(maxQueue),
		lastActivity: now,
	}
}

// enqueueLocked appends a new pending message, assigning its sequence.
// Caller holds mu.
func (ps *peerState) enqueueLocked(msg Message) (*pending, error) {
	pm := newPending(msg, ps.nextSeq)
	if !ps.queue.push(pm) {
		return nil, ErrQueueFull
	}
	if ps.queue.len() == 1 {
		ps.startSeq = pm.seq
	}
	ps.nextSeq++
	return pm, nil
}

// ackLocked resolves every pending message with sequence <= ackSeq, in
// order. Stale and out-of-range acks fall through harmlessly. Caller
// holds mu.
func (ps *peerState) ackLocked(ackSeq uint32) int {
	resolved := 0
	for head := ps.queue.head(); head != nil && head.seq <= ackSeq; head = ps.queue.head() {
		ps.queue.pop()
		head.resolve(nil)
		ps.startSeq = head.seq + 1
		resolved++
	}
	return resolved
}

// rejectAllLocked fails every pending delivery with err and empties the
// queue. Caller holds mu.
func (ps *peerState) rejectAllLocked(err error) int {
	entries := ps.queue.drain()
	for _, pm := range entries {
		pm.resolve(seqError(pm.seq, err))
	}
	ps.startSeq = ps.nextSeq
	return len(entries)
}

// clearSeqsLocked resets the sequence space. Only valid after all pending
// messages were resolved or rejected. Caller holds mu.
func (ps *peerState) clearSeqsLocked() {
	ps.nextSeq = 1
	ps.startSeq = 1
	ps.highestRecv = 0
}

// addHintsLocked union-merges hints, keeping first-seen order. Caller
// holds mu.
func (ps *peerState) addHintsLocked(hints []string) {
	for _, h := range hints {
		if h == "" {
			continue
		}
		known := false
		for _, have := range ps.hints {
			if have == h {
				known = true
				break
			}
		}
		if !known {
			ps.hints = append(ps.hints, h)
		}
	}
}

// hintsLocked returns the peer's hints followed by the extra (relay) hints,
// duplicates removed. Caller holds mu.
func (ps *peerState) hintsLocked(extra []string) []string {
	out := make([]string, len(ps.hints), len(ps.hints)+len(extra))
	copy(out, ps.hints)
	for _, h := range extra {
		known := false
		for _, have := range out {
			if have == h {
				known = true
				break
			}
		}
		if !known {
			out = append(out, h)
		}
	}
	return out
}
