package checkpoint

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

var members = []message.NodeID{1, 2, 3, 4}

func hasher(t *testing.T) crypto.Hasher {
	h, err := crypto.NewHasher("sha256")
	require.NoError(t, err)
	return h
}

func sampleSnapshot(seq uint32) Snapshot {
	return Snapshot{
		Seq:      ordering.Seq(seq),
		View:     ordering.View(1),
		AppState: []byte(`{"a":"1"}`),
		Clients: map[uuid.UUID]ClientRecord{
			uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"): {Floor: 4},
			uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8"): {Floor: 9, Executed: []uint64{11, 14}},
		},
	}
}

func certFor(seq ordering.SeqNo, d message.Digest) message.Certificate {
	c := message.Certificate{Phase: message.PhaseCheckpoint, Seq: seq, Digest: d}
	for _, id := range members[:3] {
		c.Votes = append(c.Votes, message.Vote{Phase: message.PhaseCheckpoint, Seq: seq, Digest: d, Signer: id})
	}
	return c
}

func TestSnapshotDigestRoundTrip(t *testing.T) {
	h := hasher(t)
	snap := sampleSnapshot(10)
	before := snap.Digest(h)

	raw, err := Encode(snap)
	require.NoError(t, err)
	installed, err := Decode(raw)
	require.NoError(t, err)

	assert.Equal(t, before, installed.Digest(h))
	assert.Equal(t, snap.Seq, installed.Seq)
	assert.Equal(t, snap.View, installed.View)
	assert.Equal(t, snap.Clients, installed.Clients)
	assert.Equal(t, snap.AppState, installed.AppState)
}

func TestSnapshotDigestIgnoresView(t *testing.T) {
	h := hasher(t)
	a := sampleSnapshot(10)
	b := sampleSnapshot(10)
	b.View = ordering.View(7)
	assert.Equal(t, a.Digest(h), b.Digest(h))

	b.Clients[uuid.New()] = ClientRecord{Floor: 1}
	assert.NotEqual(t, a.Digest(h), b.Digest(h))

	c := sampleSnapshot(10)
	id := uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
	c.Clients[id] = ClientRecord{Floor: 9, Executed: []uint64{11, 15}}
	assert.NotEqual(t, a.Digest(h), c.Digest(h), "executed timestamps are covered")
}

func TestSnapshotDecodeRejectsUnsortedTimestamps(t *testing.T) {
	snap := sampleSnapshot(3)
	id := uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
	snap.Clients[id] = ClientRecord{Floor: 9, Executed: []uint64{14, 11}}
	raw, err := Encode(snap)
	require.NoError(t, err)

	_, err = Decode(raw)
	assert.ErrorContains(t, err, "out of order")
}

// Corrupting any single byte of an encoded snapshot never panics Decode,
// and no corruption makes it allocate far beyond the snapshot's size.
func TestSnapshotDecodeCorrupted(t *testing.T) {
	raw, err := Encode(sampleSnapshot(10))
	require.NoError(t, err)

	const limit = 32 << 20
	var before, after runtime.MemStats
	for i := range raw {
		for _, v := range []byte{0x00, 0x7f, 0xff} {
			mutated := append([]byte(nil), raw...)
			mutated[i] = v

			runtime.ReadMemStats(&before)
			_, _ = Decode(mutated)
			runtime.ReadMemStats(&after)
			require.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(limit),
				"byte %d set to %#x", i, v)
		}
	}
}

func TestTrackerDue(t *testing.T) {
	tr := NewTracker(10, hasher(t))
	assert.False(t, tr.Due(ordering.ZeroSeq))
	assert.False(t, tr.Due(ordering.Seq(9)))
	assert.True(t, tr.Due(ordering.Seq(10)))
	assert.True(t, tr.Due(ordering.Seq(20)))
	assert.False(t, NewTracker(0, hasher(t)).Due(ordering.Seq(10)))
}

func TestTrackerStabilize(t *testing.T) {
	tr := NewTracker(10, hasher(t))
	snap := sampleSnapshot(10)
	d, err := tr.Take(snap)
	require.NoError(t, err)

	own, ok := tr.Own(snap.Seq)
	require.True(t, ok)
	assert.Equal(t, d, own)

	stable, err := tr.Stabilize(certFor(snap.Seq, d))
	require.NoError(t, err)
	assert.Equal(t, snap.Seq, stable.Seq())
	assert.NotEmpty(t, stable.Encoded)

	latest, ok := tr.Latest()
	require.True(t, ok)
	assert.Equal(t, d, latest.Cert.Digest)
}

func TestTrackerStabilizeFailures(t *testing.T) {
	tr := NewTracker(10, hasher(t))

	_, err := tr.Stabilize(certFor(ordering.Seq(10), message.Digest{1}))
	assert.True(t, errors.Is(err, ErrMissingState))

	_, err = tr.Take(sampleSnapshot(20))
	require.NoError(t, err)
	_, err = tr.Stabilize(certFor(ordering.Seq(20), message.Digest{2}))
	assert.True(t, errors.Is(err, ErrDiverged))

	_, ok := tr.Latest()
	assert.False(t, ok)
}

func newTransfer(t *testing.T) *StateTransfer {
	return NewStateTransfer(TransferOptions{
		Self:        4,
		Members:     members,
		F:           1,
		BaseTimeout: 100 * time.Millisecond,
		MaxTimeout:  time.Second,
		Hasher:      hasher(t),
	})
}

func latestReply(q uint64, from message.NodeID, seq uint32) message.CstReply {
	return message.CstReply{Query: q, Kind: message.CstLatestSeq, Seq: ordering.Seq(seq), Signer: from}
}

func stateAnswer(t *testing.T, q uint64, from message.NodeID, snap Snapshot, view uint32) message.CstReply {
	raw, err := Encode(snap)
	require.NoError(t, err)
	return message.CstReply{
		Query:    q,
		Kind:     message.CstState,
		Seq:      snap.Seq,
		View:     ordering.View(view),
		Digest:   snap.Digest(hasher(t)),
		Snapshot: raw,
		Signer:   from,
	}
}

func TestStateTransferTwoSteps(t *testing.T) {
	st := newTransfer(t)
	req := st.Begin(ordering.ZeroSeq)
	assert.Equal(t, message.CstLatestSeq, req.Kind)
	assert.True(t, st.Active())

	out, err := st.Handle(latestReply(req.Query, 1, 1))
	require.NoError(t, err)
	assert.Nil(t, out.Next, "one reply is not enough")

	out, err = st.Handle(latestReply(req.Query, 1, 1))
	require.NoError(t, err)
	assert.Nil(t, out.Next, "repeated replier must not count twice")

	out, err = st.Handle(latestReply(req.Query, 2, 1))
	require.NoError(t, err)
	require.NotNil(t, out.Next)
	assert.Equal(t, message.CstState, out.Next.Kind)
	assert.Equal(t, ordering.Seq(1), out.Next.FromSeq)
	assert.NotEqual(t, req.Query, out.Next.Query)

	q := out.Next.Query
	snap := sampleSnapshot(1)
	for i, id := range []message.NodeID{1, 2} {
		out, err = st.Handle(stateAnswer(t, q, id, snap, uint32(i)))
		require.NoError(t, err)
		assert.Nil(t, out.Install, "two matching replies are not enough")
	}
	out, err = st.Handle(stateAnswer(t, q, 3, snap, 2))
	require.NoError(t, err)
	require.NotNil(t, out.Install)
	assert.Equal(t, snap.Digest(hasher(t)), out.Install.Digest)
	assert.Equal(t, ordering.View(1), out.Install.View, "view must be vouched for by f+1 replies")
	assert.False(t, st.Active())
}

func TestStateTransferRejectsForgedSnapshot(t *testing.T) {
	st := newTransfer(t)
	req := st.Begin(ordering.ZeroSeq)
	_, _ = st.Handle(latestReply(req.Query, 1, 5))
	out, err := st.Handle(latestReply(req.Query, 2, 5))
	require.NoError(t, err)
	q := out.Next.Query

	snap := sampleSnapshot(5)
	forged := stateAnswer(t, q, 1, snap, 0)
	forged.Snapshot = []byte("\xff\xff\xff\xff\xff\xff\xff\x7f garbage")
	out, err = st.Handle(forged)
	require.NoError(t, err)
	assert.Nil(t, out.Install)
	assert.Empty(t, out.Faulty, "nothing is decoded before the digest has a quorum")

	out, err = st.Handle(stateAnswer(t, q, 2, snap, 0))
	require.NoError(t, err)
	assert.Nil(t, out.Install)

	out, err = st.Handle(stateAnswer(t, q, 3, snap, 0))
	require.NoError(t, err)
	assert.Equal(t, []message.NodeID{1}, out.Faulty)
	require.NotNil(t, out.Install)
	assert.Equal(t, snap.Digest(hasher(t)), out.Install.Digest)
	assert.Equal(t, snap.Clients, out.Install.Snapshot.Clients)
	assert.False(t, st.Active())
}

func TestStateTransferSkipsBadCopies(t *testing.T) {
	st := newTransfer(t)
	req := st.Begin(ordering.ZeroSeq)
	_, _ = st.Handle(latestReply(req.Query, 1, 5))
	out, _ := st.Handle(latestReply(req.Query, 2, 5))
	q := out.Next.Query

	snap := sampleSnapshot(5)
	other := sampleSnapshot(5)
	other.AppState = []byte(`{"a":"2"}`)

	// Replica 1 vouches for snap's digest but ships another state, replica
	// 2 ships a truncated copy.
	forged := stateAnswer(t, q, 1, snap, 0)
	forged.Snapshot = stateAnswer(t, q, 1, other, 0).Snapshot
	broken := stateAnswer(t, q, 2, snap, 0)
	broken.Snapshot = broken.Snapshot[:len(broken.Snapshot)/2]
	for _, r := range []message.CstReply{forged, broken} {
		out, err := st.Handle(r)
		require.NoError(t, err)
		assert.Nil(t, out.Install)
	}

	out, err := st.Handle(stateAnswer(t, q, 3, snap, 0))
	require.NoError(t, err)
	assert.Equal(t, []message.NodeID{1, 2}, out.Faulty)
	require.NotNil(t, out.Install)
	assert.Equal(t, snap.AppState, out.Install.Snapshot.AppState)
}

func TestStateTransferMinorityCannotInstall(t *testing.T) {
	st := newTransfer(t)
	req := st.Begin(ordering.ZeroSeq)
	_, _ = st.Handle(latestReply(req.Query, 1, 5))
	out, _ := st.Handle(latestReply(req.Query, 2, 5))
	q := out.Next.Query

	good := sampleSnapshot(5)
	bad := sampleSnapshot(5)
	bad.AppState = []byte(`{"a":"evil"}`)

	for _, r := range []message.CstReply{
		stateAnswer(t, q, 1, bad, 0),
		stateAnswer(t, q, 2, good, 0),
		stateAnswer(t, q, 3, good, 0),
	} {
		out, err := st.Handle(r)
		require.NoError(t, err)
		assert.Nil(t, out.Install)
	}
	assert.True(t, st.Active())
}

func TestStateTransferStaleAndUpToDate(t *testing.T) {
	st := newTransfer(t)
	_, err := st.Handle(latestReply(1, 1, 1))
	assert.True(t, errors.Is(err, ErrTransferIdle))

	req := st.Begin(ordering.Seq(7))
	_, err = st.Handle(latestReply(req.Query+5, 1, 9))
	assert.True(t, errors.Is(err, ErrStaleReply))
	_, err = st.Handle(latestReply(req.Query, 4, 9))
	assert.True(t, errors.Is(err, ErrUnexpectedPeer))

	_, _ = st.Handle(latestReply(req.Query, 1, 9))
	out, err := st.Handle(latestReply(req.Query, 2, 3))
	require.NoError(t, err)
	assert.True(t, out.UpToDate, "only one peer claims to be ahead")
	assert.False(t, st.Active())
}

func TestStateTransferTimeoutBackoff(t *testing.T) {
	st := newTransfer(t)
	_, err := st.Retry()
	assert.True(t, errors.Is(err, ErrTransferIdle))

	req := st.Begin(ordering.ZeroSeq)
	assert.Equal(t, 100*time.Millisecond, st.Timeout())

	retry, err := st.Retry()
	require.NoError(t, err)
	assert.Equal(t, req.Kind, retry.Kind)
	assert.NotEqual(t, req.Query, retry.Query)
	assert.Equal(t, 200*time.Millisecond, st.Timeout())

	for i := 0; i < 10; i++ {
		_, _ = st.Retry()
	}
	assert.Equal(t, time.Second, st.Timeout())

	st.Abort()
	assert.Equal(t, 100*time.Millisecond, st.Timeout())
}
