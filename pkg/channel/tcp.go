package channel

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"

	"github.com/caplinkio/caplink/pkg/wire"
)

const (
	defaultDialTimeout      = 10 * time.Second
	defaultHandshakeTimeout = 10 * time.Second

	// defaultMaxFrame bounds a single length-delimited frame on the wire.
	// It is intentionally larger than the per-message payload cap enforced
	// by the network core, leaving room for the envelope.
	defaultMaxFrame = 4 << 20
)

// abortMarker is a transport-level control frame sent before an intentional
// close. The receiving side surfaces it as ErrRemoteAbort so that the peer
// network can tell a deliberate disconnect from a broken connection.
var abortMarker = []byte("\x00CAPLINK-ABRT")

// hello is the identification preamble exchanged when a TCP channel opens.
type hello struct {
	ID string `json:"id"`
}

// TCPFactory implements Factory over plain TCP with length-delimited frames.
// Peers identify themselves with a single hello frame in each direction
// before application frames flow.
type TCPFactory struct {
	localID     string
	listener    net.Listener
	dialTimeout time.Duration
	maxFrame    uint32

	mu      sync.Mutex
	handler InboundHandler
	conns   map[*tcpChannel]struct{}
	stopped bool
}

// NewTCPFactory creates a factory that dials outbound channels and, when
// listenAddr is non-empty, accepts inbound ones. Call Serve to run the
// accept loop.
func NewTCPFactory(localID, listenAddr string) (*TCPFactory, error) {
	f := &TCPFactory{
		localID:     localID,
		dialTimeout: defaultDialTimeout,
		maxFrame:    defaultMaxFrame,
		conns:       make(map[*tcpChannel]struct{}),
	}
	if listenAddr != "" {
		l, err := net.Listen("tcp", listenAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "listen %s", listenAddr)
		}
		f.listener = l
	}
	return f, nil
}

// Addr returns the listener address, or "" when the factory is dial-only.
func (f *TCPFactory) Addr() string {
	if f.listener == nil {
		return ""
	}
	return f.listener.Addr().String()
}

func (f *TCPFactory) OnInbound(handler InboundHandler) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

// Serve runs the accept loop until ctx is done or the factory is stopped.
func (f *TCPFactory) Serve(ctx context.Context) error {
	if f.listener == nil {
		<-ctx.Done()
		return nil
	}
	go func() {
		<-ctx.Done()
		_ = f.listener.Close()
	}()
	for {
		conn, err := f.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || f.isStopped() {
				return nil
			}
			dlog.Warnf(ctx, "accept: %v", err)
			continue
		}
		go f.answer(ctx, conn)
	}
}

func (f *TCPFactory) isStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

// answer performs the inbound side of the hello exchange and hands the
// channel to the installed handler.
func (f *TCPFactory) answer(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(defaultHandshakeTimeout))
	peerID, err := f.exchangeHello(conn, false)
	if err != nil {
		dlog.Debugf(ctx, "inbound hello from %s failed: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	ch := f.newChannel(conn, peerID)
	f.mu.Lock()
	handler := f.handler
	if f.stopped {
		handler = nil
	}
	f.mu.Unlock()
	if handler == nil {
		_ = ch.Close(ctx)
		return
	}
	dlog.Debugf(ctx, "++ CHAN %s inbound from %s (%s)", ch.id, peerID, conn.RemoteAddr())
	handler(ctx, ch)
}

func (f *TCPFactory) Dial(ctx context.Context, peerID string, hints []string, retry bool) (Channel, error) {
	if len(hints) == 0 {
		return nil, errors.Errorf("no location hints for peer %s", peerID)
	}
	var lastErr error
	for _, hint := range hints {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		d := net.Dialer{Timeout: f.dialTimeout}
		conn, err := d.DialContext(ctx, "tcp", hint)
		if err != nil {
			lastErr = err
			continue
		}
		_ = conn.SetDeadline(time.Now().Add(defaultHandshakeTimeout))
		remoteID, err := f.exchangeHello(conn, true)
		if err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}
		_ = conn.SetDeadline(time.Time{})
		if remoteID != peerID {
			_ = conn.Close()
			lastErr = errors.Errorf("hint %s answered as %q, wanted %q", hint, remoteID, peerID)
			continue
		}
		ch := f.newChannel(conn, peerID)
		dlog.Debugf(ctx, "++ CHAN %s dialed %s at %s (retry=%t)", ch.id, peerID, hint, retry)
		return ch, nil
	}
	return nil, errors.Wrapf(lastErr, "dial %s", peerID)
}

// exchangeHello sends our identification and reads the remote one. The
// dialing side speaks first.
func (f *TCPFactory) exchangeHello(conn net.Conn, dialing bool) (string, error) {
	send := func() error {
		data, err := json.Marshal(hello{ID: f.localID})
		if err != nil {
			return err
		}
		return wire.WriteDelimited(conn, data)
	}
	recv := func() (string, error) {
		data, err := wire.ReadDelimited(conn, f.maxFrame)
		if err != nil {
			return "", err
		}
		var h hello
		if err := json.Unmarshal(data, &h); err != nil {
			return "", errors.Wrap(err, "bad hello")
		}
		if h.ID == "" {
			return "", errors.New("empty peer id in hello")
		}
		return h.ID, nil
	}
	if dialing {
		if err := send(); err != nil {
			return "", err
		}
		return recv()
	}
	id, err := recv()
	if err != nil {
		return "", err
	}
	return id, send()
}

func (f *TCPFactory) newChannel(conn net.Conn, peerID string) *tcpChannel {
	ch := &tcpChannel{
		id:       uuid.New().String()[:8],
		factory:  f,
		conn:     conn,
		br:       bufio.NewReader(conn),
		peer:     peerID,
		maxFrame: f.maxFrame,
	}
	f.mu.Lock()
	f.conns[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *TCPFactory) CloseChannel(ctx context.Context, ch Channel) error {
	if tc, ok := ch.(*tcpChannel); ok {
		tc.sendAbort()
	}
	return ch.Close(ctx)
}

func (f *TCPFactory) Stop(ctx context.Context) error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	conns := make([]*tcpChannel, 0, len(f.conns))
	for ch := range f.conns {
		conns = append(conns, ch)
	}
	f.mu.Unlock()

	if f.listener != nil {
		_ = f.listener.Close()
	}
	for _, ch := range conns {
		_ = ch.Close(ctx)
	}
	return nil
}

func (f *TCPFactory) forget(ch *tcpChannel) {
	f.mu.Lock()
	delete(f.conns, ch)
	f.mu.Unlock()
}

type tcpChannel struct {
	id       string
	factory  *TCPFactory
	conn     net.Conn
	br       *bufio.Reader
	peer     string
	maxFrame uint32

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *tcpChannel) PeerID() string {
	return c.peer
}

func (c *tcpChannel) Read(ctx context.Context) ([]byte, error) {
	stop := c.watch(ctx)
	data, err := wire.ReadDelimited(c.br, c.maxFrame)
	stop()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	if len(data) == len(abortMarker) && string(data) == string(abortMarker) {
		return nil, ErrRemoteAbort
	}
	return data, nil
}

func (c *tcpChannel) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := wire.WriteDelimited(c.conn, data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// watch unblocks a pending read when ctx is cancelled by expiring the read
// deadline. The returned function must be called when the read completes.
func (c *tcpChannel) watch(ctx context.Context) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() {
		close(done)
		_ = c.conn.SetReadDeadline(time.Time{})
	}
}

func (c *tcpChannel) sendAbort() {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = wire.WriteDelimited(c.conn, abortMarker)
	c.writeMu.Unlock()
}

func (c *tcpChannel) Close(_ context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.factory.forget(c)
		err = c.conn.Close()
	})
	return err
}
