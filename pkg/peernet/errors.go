package peernet

import (
	"errors"
	"fmt"
)

// Category tells a caller why a send or a pending delivery failed without
// forcing it to match individual sentinel errors.
type Category int

const (
	// Unclassified is returned by GetCategory for errors that did not
	// originate in this package.
	Unclassified = Category(iota)

	// ResourceLimit means a hard cap was hit: the pending queue, the
	// per-message size limit, or the concurrent connection limit.
	ResourceLimit

	// IntentionallyClosed means the peer was closed by the local caller.
	IntentionallyClosed

	// Stopped means the network has been shut down.
	Stopped

	// GaveUp means reconnection attempts were exhausted, or a dial failed
	// in a way that is not worth retrying.
	GaveUp
)

func (c Category) String() string {
	switch c {
	case ResourceLimit:
		return "resource limit"
	case IntentionallyClosed:
		return "intentionally closed"
	case Stopped:
		return "stopped"
	case GaveUp:
		return "gave up"
	default:
		return "unclassified"
	}
}

var (
	// ErrQueueFull is returned when a peer's pending queue is at capacity.
	// Queued messages are never dropped to make room for new ones.
	ErrQueueFull = &categorized{ResourceLimit, "pending message queue is full"}

	// ErrMessageTooLarge is returned when a serialized payload exceeds the
	// configured maximum message size.
	ErrMessageTooLarge = &categorized{ResourceLimit, "message exceeds maximum size"}

	// ErrTooManyConnections is returned when installing a channel would
	// exceed the configured connection limit.
	ErrTooManyConnections = &categorized{ResourceLimit, "concurrent connection limit reached"}

	// ErrPeerClosed is returned for sends to a peer that was closed with
	// CloseConnection and not yet reopened with ReconnectPeer.
	ErrPeerClosed = &categorized{IntentionallyClosed, "peer connection intentionally closed"}

	// ErrNetworkStopped is returned once Stop has been called.
	ErrNetworkStopped = &categorized{Stopped, "peer network is stopped"}

	// ErrGaveUp resolves pending deliveries when reconnection gives up.
	ErrGaveUp = &categorized{GaveUp, "gave up reconnecting to peer"}
)

type categorized struct {
	cat Category
	msg string
}

func (e *categorized) Error() string { return e.msg }

func (e *categorized) Category() Category { return e.cat }

// GetCategory extracts the failure category from any error produced by this
// package, looking through wrapping.
func GetCategory(err error) Category {
	var ce *categorized
	if errors.As(err, &ce) {
		return ce.cat
	}
	return Unclassified
}

// seqError annotates a delivery failure with the sequence number that the
// failed message carried.
func seqError(seq uint32, err error) error {
	return fmt.Errorf("message seq %d: %w", seq, err)
}
