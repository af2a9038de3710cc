package channel

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"
)

// MemoryFactory is a Factory whose channels live entirely in process memory.
// It exists for tests and local experiments: dials can be scripted to fail or
// to block, inbound channels can be injected, and everything written to a
// channel can be observed.
type MemoryFactory struct {
	mu        sync.Mutex
	handler   InboundHandler
	dialErrs  map[string][]error
	dialGates map[string]chan struct{}
	dialCount map[string]int
	opened    map[string][]*MemoryChannel
	stopped   bool
	stopCh    chan struct{}
}

func NewMemoryFactory() *MemoryFactory {
	return &MemoryFactory{
		dialErrs:  make(map[string][]error),
		dialGates: make(map[string]chan struct{}),
		dialCount: make(map[string]int),
		opened:    make(map[string][]*MemoryChannel),
		stopCh:    make(chan struct{}),
	}
}

func (f *MemoryFactory) OnInbound(handler InboundHandler) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

// ScriptDialError makes the next Dial for peerID fail with err. Errors queue
// up in FIFO order.
func (f *MemoryFactory) ScriptDialError(peerID string, err error) {
	f.mu.Lock()
	f.dialErrs[peerID] = append(f.dialErrs[peerID], err)
	f.mu.Unlock()
}

// HoldDials makes Dial calls for peerID block until the returned release
// function is called.
func (f *MemoryFactory) HoldDials(peerID string) (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.dialGates[peerID] = gate
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// DialCount returns how many times peerID has been dialed.
func (f *MemoryFactory) DialCount(peerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dialCount[peerID]
}

// LastDialed returns the most recent channel that Dial produced for peerID.
func (f *MemoryFactory) LastDialed(peerID string) *MemoryChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	chs := f.opened[peerID]
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

func (f *MemoryFactory) Dial(ctx context.Context, peerID string, hints []string, retry bool) (Channel, error) {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil, net.ErrClosed
	}
	f.dialCount[peerID]++
	gate := f.dialGates[peerID]
	if errs := f.dialErrs[peerID]; len(errs) > 0 {
		err := errs[0]
		f.dialErrs[peerID] = errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.stopCh:
			return nil, net.ErrClosed
		}
	}

	ch := NewMemoryChannel(peerID)
	f.mu.Lock()
	f.opened[peerID] = append(f.opened[peerID], ch)
	f.mu.Unlock()
	return ch, nil
}

// Inject creates an inbound channel for peerID and delivers it to the
// installed handler.
func (f *MemoryFactory) Inject(ctx context.Context, peerID string) (*MemoryChannel, error) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return nil, errors.New("no inbound handler installed")
	}
	ch := NewMemoryChannel(peerID)
	handler(ctx, ch)
	return ch, nil
}

func (f *MemoryFactory) CloseChannel(ctx context.Context, ch Channel) error {
	return ch.Close(ctx)
}

func (f *MemoryFactory) Stop(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return nil
	}
	f.stopped = true
	close(f.stopCh)
	for _, chs := range f.opened {
		for _, ch := range chs {
			_ = ch.Close(context.Background())
		}
	}
	return nil
}

// MemoryChannel is the Channel produced by a MemoryFactory. The test side of
// the channel uses Deliver, FailReads and Out; the network side uses the
// Channel interface.
type MemoryChannel struct {
	peer string

	in      chan []byte
	readErr chan error
	out     chan []byte

	mu         sync.Mutex
	writeErr   error
	blockWrite bool

	closed    chan struct{}
	closeOnce sync.Once
}

func NewMemoryChannel(peerID string) *MemoryChannel {
	return &MemoryChannel{
		peer:    peerID,
		in:      make(chan []byte, 64),
		readErr: make(chan error, 8),
		out:     make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *MemoryChannel) PeerID() string { return c.peer }

// Deliver queues data for the next Read.
func (c *MemoryChannel) Deliver(data []byte) {
	c.in <- data
}

// FailReads makes the next Read fail with err. io.EOF simulates a graceful
// end of stream; ErrRemoteAbort an intentional remote disconnect.
func (c *MemoryChannel) FailReads(err error) {
	c.readErr <- err
}

// Out exposes everything the network wrote to this channel.
func (c *MemoryChannel) Out() <-chan []byte { return c.out }

// SetWriteError makes all subsequent writes fail with err (nil clears it).
func (c *MemoryChannel) SetWriteError(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// BlockWrites makes writes hang until their context expires, simulating a
// stalled connection.
func (c *MemoryChannel) BlockWrites(block bool) {
	c.mu.Lock()
	c.blockWrite = block
	c.mu.Unlock()
}

// IsClosed reports whether the network side has released the channel.
func (c *MemoryChannel) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *MemoryChannel) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *MemoryChannel) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	werr := c.writeErr
	block := c.blockWrite
	c.mu.Unlock()
	if block {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return net.ErrClosed
		}
	}
	if werr != nil {
		return werr
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.out <- data:
		return nil
	}
}

func (c *MemoryChannel) Close(_ context.Context) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
