package peernet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepDiscardsIdlePeers(t *testing.T) {
	clock := newFakeClock()
	n, _, _, _ := newTestNetwork(t,
		Config{SweepInterval: 10 * time.Millisecond, StaleTimeout: time.Hour},
		WithClock(clock))

	require.NoError(t, n.RegisterLocationHints("idle", []string{"nowhere:1"}))
	require.Equal(t, 1, n.PeerCount())

	// Not yet stale.
	clock.advance(30 * time.Minute)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, n.PeerCount())

	clock.advance(time.Hour)
	require.Eventually(t, func() bool {
		return n.PeerCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSweepKeepsConnectedPeers(t *testing.T) {
	clock := newFakeClock()
	n, factory, _, ctx := newTestNetwork(t,
		Config{SweepInterval: 10 * time.Millisecond, StaleTimeout: time.Hour},
		WithClock(clock))

	d, err := n.Send(ctx, "active", Message{Method: "ping"})
	require.NoError(t, err)
	mc := factory.LastDialed("active")
	require.NotNil(t, mc)
	readFrame(t, mc)
	deliverAck(t, mc, 1)
	require.NoError(t, awaitDelivery(t, d))

	clock.advance(3 * time.Hour)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, n.PeerCount(), "a peer with an installed channel is never stale")
}

func TestSweepKeepsReconnectingPeers(t *testing.T) {
	clock := newFakeClock()
	n, factory, _, ctx := newTestNetwork(t,
		Config{SweepInterval: 10 * time.Millisecond, StaleTimeout: time.Hour},
		WithClock(clock))

	// A dial failure leaves the peer channel-less with a reconnection loop
	// and a queued message.
	release := factory.HoldDials("flaky")
	defer release()
	factory.ScriptDialError("flaky", assert.AnError)
	_, err := n.Send(ctx, "flaky", Message{Method: "pending"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return n.recon.reconnecting("flaky")
	}, 5*time.Second, time.Millisecond)

	clock.advance(3 * time.Hour)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, n.PeerCount(), "a reconnecting peer is never stale")
}
