package channel

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/dlib/dlog"
)

// tcpPair builds two connected factories and returns the dialed channel on
// the "a" side and the accepted channel on the "b" side.
func tcpPair(t *testing.T, ctx context.Context) (Channel, Channel, *TCPFactory, *TCPFactory) {
	t.Helper()
	fa, err := NewTCPFactory("a", "")
	require.NoError(t, err)
	fb, err := NewTCPFactory("b", "127.0.0.1:0")
	require.NoError(t, err)

	inbound := make(chan Channel, 1)
	fb.OnInbound(func(_ context.Context, ch Channel) {
		inbound <- ch
	})
	go func() { _ = fb.Serve(ctx) }()

	ab, err := fa.Dial(ctx, "b", []string{fb.Addr()}, false)
	require.NoError(t, err)
	var ba Channel
	select {
	case ba = <-inbound:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the inbound channel")
	}
	t.Cleanup(func() {
		_ = fa.Stop(ctx)
		_ = fb.Stop(ctx)
	})
	return ab, ba, fa, fb
}

func TestTCPHello(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ab, ba, _, _ := tcpPair(t, ctx)
	assert.Equal(t, "b", ab.PeerID())
	assert.Equal(t, "a", ba.PeerID())
}

func TestTCPReadWrite(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ab, ba, _, _ := tcpPair(t, ctx)

	require.NoError(t, ab.Write(ctx, []byte("ping")))
	data, err := ba.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(data))

	require.NoError(t, ba.Write(ctx, []byte("pong")))
	data, err = ab.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))
}

func TestTCPConcurrentWrites(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ab, ba, _, _ := tcpPair(t, ctx)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ab.Write(ctx, []byte("data")))
		}()
	}
	wg.Wait()
	for i := 0; i < writers; i++ {
		data, err := ba.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, "data", string(data), "interleaved writes must not corrupt framing")
	}
}

func TestTCPRemoteAbort(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ab, ba, _, fb := tcpPair(t, ctx)

	require.NoError(t, fb.CloseChannel(ctx, ba))
	_, err := ab.Read(ctx)
	assert.ErrorIs(t, err, ErrRemoteAbort)
}

func TestTCPCleanClose(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ab, ba, _, _ := tcpPair(t, ctx)

	// A plain close, without the abort preamble, ends the stream cleanly.
	require.NoError(t, ba.Close(ctx))
	_, err := ab.Read(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestTCPReadHonorsContext(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	ab, _, _, _ := tcpPair(t, ctx)

	rctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := ab.Read(rctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The channel survives the expired read.
	require.NoError(t, ab.Write(ctx, []byte("still alive")))
}

func TestTCPDialTriesHintsInOrder(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	fa, err := NewTCPFactory("a", "")
	require.NoError(t, err)
	fb, err := NewTCPFactory("b", "127.0.0.1:0")
	require.NoError(t, err)
	fb.OnInbound(func(ctx context.Context, ch Channel) {
		go func() {
			for {
				if _, err := ch.Read(ctx); err != nil {
					return
				}
			}
		}()
	})
	go func() { _ = fb.Serve(ctx) }()
	t.Cleanup(func() {
		_ = fa.Stop(ctx)
		_ = fb.Stop(ctx)
	})

	// The dead hint is skipped, the live one answers.
	ch, err := fa.Dial(ctx, "b", []string{"127.0.0.1:1", fb.Addr()}, false)
	require.NoError(t, err)
	assert.Equal(t, "b", ch.PeerID())
	_ = ch.Close(ctx)
}

func TestTCPDialVerifiesIdentity(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	fa, err := NewTCPFactory("a", "")
	require.NoError(t, err)
	fb, err := NewTCPFactory("b", "127.0.0.1:0")
	require.NoError(t, err)
	fb.OnInbound(func(context.Context, Channel) {})
	go func() { _ = fb.Serve(ctx) }()
	t.Cleanup(func() {
		_ = fa.Stop(ctx)
		_ = fb.Stop(ctx)
	})

	_, err = fa.Dial(ctx, "someone-else", []string{fb.Addr()}, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `answered as "b"`)
}

func TestTCPDialNoHints(t *testing.T) {
	ctx := dlog.NewTestContext(t, false)
	fa, err := NewTCPFactory("a", "")
	require.NoError(t, err)
	_, err = fa.Dial(ctx, "b", nil, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no location hints")
}
