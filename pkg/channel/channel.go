// Package channel abstracts the byte-stream primitive that the peer network
// sends frames over, together with the factory that knows how to dial and
// accept such streams. The network core never touches sockets directly; it
// depends on the interfaces in this package.
package channel

import (
	"context"
)

// Channel is a full-duplex, message-delimited byte stream bound to a single
// remote peer. Framing is the channel's concern; Read returns exactly one
// frame and Write sends exactly one.
//
// A Channel may break at any time. Read returns io.EOF when the remote ends
// the stream gracefully. Write honors the deadline of the passed context.
type Channel interface {
	// PeerID identifies the remote end of this channel.
	PeerID() string

	// Read blocks until one complete frame arrives, the stream ends, or ctx
	// is done.
	Read(ctx context.Context) ([]byte, error)

	// Write sends one frame. A write that cannot complete within the
	// deadline of ctx fails with the context's error.
	Write(ctx context.Context, data []byte) error

	// Close releases the channel. Safe to call more than once.
	Close(ctx context.Context) error
}

// InboundHandler is invoked for every channel that a remote peer opened
// towards us.
type InboundHandler func(ctx context.Context, ch Channel)

// Factory dials and accepts channels. Implementations must be safe for
// concurrent use.
type Factory interface {
	// Dial opens a channel to the given peer, trying the supplied location
	// hints. The retry flag tells the factory whether this dial originates
	// from a fresh send (true) or from a reconnection loop (false);
	// implementations may use it to deduplicate concurrent dials.
	Dial(ctx context.Context, peerID string, hints []string, retry bool) (Channel, error)

	// OnInbound installs the handler invoked for each inbound channel.
	// Only one handler can be installed; later calls replace it.
	OnInbound(handler InboundHandler)

	// CloseChannel gracefully releases a channel obtained from this factory.
	CloseChannel(ctx context.Context, ch Channel) error

	// Stop shuts down all transports. Dials in flight are aborted.
	Stop(ctx context.Context) error
}
