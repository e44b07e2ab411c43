package consensus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/checkpoint"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/config"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/core"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/network"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/service"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/viewchange"
)

// idleReplica builds a replica that is never run, for poking at the loop
// state directly.
func idleReplica(t *testing.T, id message.NodeID, tune func(*Options)) *Replica {
	t.Helper()
	c := newCluster(t, tune)
	r, err := New(c.options(id, c.hub.Join(id)))
	require.NoError(t, err)
	return r
}

func TestNewRejectsBadOptions(t *testing.T) {
	c := newCluster(t, nil)
	tr := c.hub.Join(1)

	opts := c.options(1, tr)
	opts.Members = []message.NodeID{1, 2, 3}
	_, err := New(opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	opts = c.options(9, tr)
	_, err = New(opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)

	opts = c.options(1, nil)
	opts.Service = nil
	_, err = New(opts)
	require.ErrorIs(t, err, ErrInvalidOptions)
	assert.Contains(t, err.Error(), "transport is required")
	assert.Contains(t, err.Error(), "service is required")

	opts = c.options(1, tr)
	opts.CheckpointPeriod = 50
	_, err = New(opts)
	assert.ErrorIs(t, err, ErrInvalidOptions)
}

func TestFromConfig(t *testing.T) {
	cfg := config.LocalCluster(4, 7100)[2]
	opts, err := FromConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, message.NodeID(3), opts.ID)
	assert.Len(t, opts.Members, 4)
	assert.Equal(t, 1, opts.F())
	assert.Equal(t, cfg.Window, opts.Window)
	assert.Equal(t, cfg.BaseTimeout.Std(), opts.BaseTimeout)
	assert.Equal(t, "msgpack", opts.Codec.Name())

	opts.Transport = network.NewLocalHub(1).Join(3)
	opts.Service = service.NewKV()
	r, err := New(opts)
	require.NoError(t, err)
	assert.Equal(t, message.NodeID(3), r.ID())
	assert.NotNil(t, r.Registry())
}

func TestSubmitAdmission(t *testing.T) {
	r := idleReplica(t, 1, func(o *Options) {
		o.Window = 4
		o.CheckpointPeriod = 4
		o.BatchSize = 1
	})
	ctx := context.Background()
	require.Equal(t, 4, r.Capacity())

	client := uuid.New()
	req := newRequest(client, 1, service.Set("a", "1"))
	require.NoError(t, r.Submit(ctx, req))
	assert.ErrorIs(t, r.Submit(ctx, req), ErrDuplicate)

	assert.ErrorIs(t, r.Submit(ctx, newRequest(uuid.Nil, 1, service.Get("a"))), core.ErrInvalidRequest)
	assert.ErrorIs(t, r.Submit(ctx, newRequest(client, 0, service.Get("a"))), core.ErrInvalidRequest)
	assert.ErrorIs(t, r.Submit(ctx, newRequest(client, 9, nil)), core.ErrInvalidRequest)

	for ts := uint64(2); ts <= 4; ts++ {
		require.NoError(t, r.Submit(ctx, newRequest(client, ts, service.Incr("n"))))
	}
	assert.Zero(t, r.Capacity())
	assert.ErrorIs(t, r.Submit(ctx, newRequest(client, 5, service.Incr("n"))), ErrBackpressure)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, r.Submit(cancelled, newRequest(client, 6, service.Incr("n"))), context.Canceled)
}

func TestSubmitRejectsExecuted(t *testing.T) {
	r := idleReplica(t, 1, nil)
	client := uuid.New()
	r.clients[client] = checkpoint.ClientRecord{Floor: 7, Executed: []uint64{9}}

	err := r.Submit(context.Background(), newRequest(client, 7, service.Get("a")))
	assert.ErrorIs(t, err, ErrDuplicate)
	err = r.Submit(context.Background(), newRequest(client, 9, service.Get("a")))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, r.Submit(context.Background(), newRequest(client, 8, service.Get("a"))))
	assert.NoError(t, r.Submit(context.Background(), newRequest(client, 10, service.Get("a"))))
}

func TestCapacityFollowsWindow(t *testing.T) {
	r := idleReplica(t, 1, func(o *Options) {
		o.Window = 4
		o.CheckpointPeriod = 4
		o.BatchSize = 2
	})
	require.Equal(t, 8, r.Capacity())

	// Three of the four slots are taken: one slot of two requests is left,
	// although the pool has room for eight.
	r.lastAccepted = ordering.Seq(3)
	r.publishStatus()
	assert.Equal(t, 2, r.Capacity())

	client := uuid.New()
	require.NoError(t, r.Submit(context.Background(), newRequest(client, 1, service.Incr("n"))))
	assert.Equal(t, 1, r.Capacity())

	r.lastAccepted = ordering.Seq(4)
	r.publishStatus()
	assert.Zero(t, r.Capacity())
}

func TestRunTwice(t *testing.T) {
	r := idleReplica(t, 1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, r.running.Load, time.Second, time.Millisecond)
	assert.ErrorIs(t, r.Run(ctx), ErrRunning)
	assert.ErrorIs(t, r.Restore(nil, message.Certificate{}), ErrRunning)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRestoreRejectsBadCertificate(t *testing.T) {
	r := idleReplica(t, 1, nil)
	err := r.Restore([]byte("junk"), message.Certificate{Phase: message.PhaseCheckpoint, Seq: ordering.Seq(10)})
	assert.Error(t, err)
	assert.Equal(t, ordering.ZeroSeq, r.Status().LastDelivered)
}

func TestStatusAtGenesis(t *testing.T) {
	r := idleReplica(t, 1, nil)
	st := r.Status()
	assert.Equal(t, message.NodeID(1), st.ID)
	assert.Equal(t, viewchange.StatusNormal, st.Mode)
	assert.Equal(t, ordering.View(0), st.View)
	assert.Equal(t, message.NodeID(1), st.Leader)
	assert.Equal(t, uint64(20), st.Window.Size)
	assert.False(t, st.Transferring)
}

func TestSuspicionThreshold(t *testing.T) {
	s := newSuspicion(3)
	assert.False(t, s.report(2))
	assert.False(t, s.report(2))
	assert.False(t, s.isDistrusted(2))
	assert.True(t, s.report(2))
	assert.True(t, s.isDistrusted(2))
	assert.False(t, s.report(2), "distrust is reported once")
	assert.Equal(t, 4, s.count(2))
	assert.False(t, s.isDistrusted(3))
}

func TestRejectClassifiesErrors(t *testing.T) {
	r := idleReplica(t, 1, func(o *Options) { o.SuspicionThreshold = 2 })

	r.reject(2, message.KindCommit, errMalformed)
	r.reject(2, message.KindCommit, viewchange.ErrBadSig)
	assert.True(t, r.suspects.isDistrusted(2))

	// Timing artefacts are not held against the sender.
	r.reject(3, message.KindPrepare, context.Canceled)
	assert.Zero(t, r.suspects.count(3))

	kinds := map[EventKind]int{}
	for len(r.events) > 0 {
		kinds[(<-r.events).Kind]++
	}
	assert.Equal(t, 2, kinds[EventRejected])
	assert.Equal(t, 2, kinds[EventSuspected])
	assert.Equal(t, 1, kinds[EventDistrusted])
}

func TestForwardFromDistrustedPeerIgnored(t *testing.T) {
	// Replica 2 does not lead view 0, so forwarded requests stay pooled.
	r := idleReplica(t, 2, func(o *Options) { o.SuspicionThreshold = 1 })
	r.suspect(3, errMalformed)

	fwd := message.Forward{Requests: []message.Request{newRequest(uuid.New(), 1, service.Get("a"))}, Signer: 3}
	r.onForward(context.Background(), fwd)
	assert.Zero(t, r.pool.Size())

	fwd.Signer = 4
	r.onForward(context.Background(), fwd)
	assert.Equal(t, 1, r.pool.Size())
}
