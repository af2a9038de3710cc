package peernet

import (
	"encoding/json"
	"time"
)

// Message is the opaque application payload of a send. The network never
// interprets Method or Params; they travel verbatim inside the wire frame.
type Message struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params,omitempty"`
}

// payloadSize is the serialized size checked against MaxMessageSize.
func (m Message) payloadSize() int {
	data, err := json.Marshal(m)
	if err != nil {
		return 0
	}
	return len(data)
}

// Delivery resolves exactly once with the outcome of a Send: nil when the
// message was acknowledged by the remote peer, an error otherwise. Use
// GetCategory on the error to tell why it failed.
type Delivery <-chan error

// pending is one unacknowledged outbound message.
type pending struct {
	msg Message
	// seq is assigned when the message is queued and never changes;
	// retransmissions reuse it.
	seq uint32
	// sentAt is the time of first transmission.
	sentAt time.Time
	// retries counts retransmissions after the first send.
	retries int
	// unsent marks a message that has not yet been written to the channel
	// currently installed; a connection loss flips all pending back to
	// unsent so the flush retransmits them.
	unsent bool

	done     chan error
	resolved bool
}

func newPending(msg Message, seq uint32) *pending {
	return &pending{msg: msg, seq: seq, unsent: true, done: make(chan error, 1)}
}

// resolve terminates the delivery. Later calls are no-ops, which makes ACK
// handling idempotent for already-resolved sequences.
func (p *pending) resolve(err error) {
	if p.resolved {
		return
	}
	p.resolved = true
	p.done <- err
	close(p.done)
}

// msgQueue is the bounded FIFO of pending messages held per peer. It is not
// safe for concurrent use; the owning peer state serializes access.
type msgQueue struct {
	entries  []*pending
	capacity int
}

func newMsgQueue(capacity int) *msgQueue {
	return &msgQueue{capacity: capacity}
}

// push appends p. It refuses when the queue is full: queued messages await
// unresolved deliveries and are never displaced.
func (q *msgQueue) push(p *pending) bool {
	if len(q.entries) >= q.capacity {
		return false
	}
	q.entries = append(q.entries, p)
	return true
}

// pop removes and returns the head, or nil.
func (q *msgQueue) pop() *pending {
	if len(q.entries) == 0 {
		return nil
	}
	p := q.entries[0]
	q.entries[0] = nil
	q.entries = q.entries[1:]
	return p
}

// head returns the head without removing it, or nil.
func (q *msgQueue) head() *pending {
	if len(q.entries) == 0 {
		return nil
	}
	return q.entries[0]
}

// firstUnsent returns the oldest message not yet written to the current
// channel, or nil.
func (q *msgQueue) firstUnsent() *pending {
	for _, p := range q.entries {
		if p.unsent {
			return p
		}
	}
	return nil
}

// markAllUnsent flags every entry for retransmission.
func (q *msgQueue) markAllUnsent() {
	for _, p := range q.entries {
		p.unsent = true
	}
}

func (q *msgQueue) len() int {
	return len(q.entries)
}

// drain empties the queue and returns the removed entries in order.
func (q *msgQueue) drain() []*pending {
	entries := q.entries
	q.entries = nil
	return entries
}
