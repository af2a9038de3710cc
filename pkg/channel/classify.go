package channel

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

// ErrRemoteAbort is the canonical error for a transport-level abort that the
// remote end initiated on purpose. The peer network releases the channel
// without starting a reconnection when it sees this.
var ErrRemoteAbort = errors.New("remote peer aborted the connection")

// Classifier decides how the peer network reacts to transport errors. The
// core holds no transport-specific error codes of its own; it delegates every
// judgment to this interface.
type Classifier interface {
	// IsRetryable reports whether the error is a transient network failure
	// worth a reconnection attempt.
	IsRetryable(err error) bool

	// IsRemoteAbort reports whether the error represents an intentional
	// disconnect by the remote peer.
	IsRemoteAbort(err error) bool
}

// TCPClassifier classifies errors produced by the TCP factory. The table of
// recognized conditions is deliberately explicit.
type TCPClassifier struct{}

func (TCPClassifier) IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrRemoteAbort):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		// Write or dial timeout. The connection may well come back.
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	case errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ETIMEDOUT):
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}

func (TCPClassifier) IsRemoteAbort(err error) bool {
	return errors.Is(err, ErrRemoteAbort)
}
