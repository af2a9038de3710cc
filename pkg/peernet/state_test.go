package peernet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkSeqInvariant asserts the relation the sequence counters must always
// satisfy: the entry at queue position k carries startSeq+k, and nextSeq is
// one past the tail.
func checkSeqInvariant(t *testing.T, ps *peerState) {
	t.Helper()
	assert.Equal(t, ps.startSeq+uint32(ps.queue.len()), ps.nextSeq)
	for k, p := range ps.queue.entries {
		assert.Equal(t, ps.startSeq+uint32(k), p.seq)
	}
}

func TestEnqueueAssignsSequences(t *testing.T) {
	ps := newPeerState("p", 10, time.Now())
	for want := uint32(1); want <= 3; want++ {
		pm, err := ps.enqueueLocked(Message{Method: "m"})
		require.NoError(t, err)
		assert.Equal(t, want, pm.seq, "the first message to a peer carries sequence 1")
		checkSeqInvariant(t, ps)
	}
}

func TestEnqueueFull(t *testing.T) {
	ps := newPeerState("p", 1, time.Now())
	_, err := ps.enqueueLocked(Message{})
	require.NoError(t, err)
	_, err = ps.enqueueLocked(Message{})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, ResourceLimit, GetCategory(err))
	// The refused message must not have consumed a sequence.
	assert.Equal(t, uint32(2), ps.nextSeq)
	checkSeqInvariant(t, ps)
}

func TestAckCumulative(t *testing.T) {
	ps := newPeerState("p", 10, time.Now())
	var pms []*pending
	for i := 0; i < 4; i++ {
		pm, err := ps.enqueueLocked(Message{})
		require.NoError(t, err)
		pms = append(pms, pm)
	}

	assert.Equal(t, 3, ps.ackLocked(3), "ack 3 covers sequences 1..3")
	for _, pm := range pms[:3] {
		assert.NoError(t, <-pm.done)
	}
	assert.Equal(t, 1, ps.queue.len())
	checkSeqInvariant(t, ps)

	assert.Equal(t, 0, ps.ackLocked(2), "stale acks are ignored")
	assert.Equal(t, 0, ps.ackLocked(3), "repeated acks are idempotent")
	checkSeqInvariant(t, ps)

	assert.Equal(t, 1, ps.ackLocked(100), "out-of-range acks resolve what exists")
	assert.NoError(t, <-pms[3].done)
	assert.Equal(t, 0, ps.queue.len())
	checkSeqInvariant(t, ps)
}

func TestRejectAll(t *testing.T) {
	ps := newPeerState("p", 10, time.Now())
	pm1, _ := ps.enqueueLocked(Message{})
	pm2, _ := ps.enqueueLocked(Message{})

	assert.Equal(t, 2, ps.rejectAllLocked(ErrGaveUp))
	err := <-pm1.done
	assert.ErrorIs(t, err, ErrGaveUp)
	assert.Contains(t, err.Error(), "seq 1")
	err = <-pm2.done
	assert.Contains(t, err.Error(), "seq 2")
	assert.Equal(t, GaveUp, GetCategory(err))
	checkSeqInvariant(t, ps)

	// Sequence numbering continues where it left off.
	pm3, err := ps.enqueueLocked(Message{})
	require.NoError(t, err)
	assert.Equal(t, uint32(3), pm3.seq)
}

func TestClearSeqs(t *testing.T) {
	ps := newPeerState("p", 10, time.Now())
	ps.enqueueLocked(Message{})
	ps.rejectAllLocked(ErrPeerClosed)
	ps.highestRecv = 9
	ps.clearSeqsLocked()

	pm, err := ps.enqueueLocked(Message{})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), pm.seq, "a reopened peer starts a fresh sequence space")
	assert.Equal(t, uint32(0), ps.highestRecv)
}

func TestHints(t *testing.T) {
	ps := newPeerState("p", 10, time.Now())
	ps.addHintsLocked([]string{"a:1", "b:2"})
	ps.addHintsLocked([]string{"b:2", "c:3", ""})
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, ps.hints)

	got := ps.hintsLocked([]string{"relay:9", "b:2"})
	assert.Equal(t, []string{"a:1", "b:2", "c:3", "relay:9"}, got, "relays come last and duplicates collapse")
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, ps.hints, "the merge must not mutate the peer's own hints")
}
