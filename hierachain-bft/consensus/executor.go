package consensus

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/checkpoint"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

// deliver executes committed batches for as long as the next sequence is
// ready. A gap stops it; the progress timer then decides between waiting,
// a state transfer and a view change.
func (r *Replica) deliver(ctx context.Context) {
	for {
		next := r.lastDelivered.Next()
		rb, ok := r.ready[next]
		if !ok {
			return
		}
		delete(r.ready, next)
		r.execute(ctx, next, rb)
	}
}

// execute applies one batch. A request runs only if its client's record
// does not hold its timestamp yet, so retransmissions and requests ordered
// twice across a view change take effect once, while requests committed
// out of timestamp order all run.
func (r *Replica) execute(ctx context.Context, seq ordering.SeqNo, rb readyBatch) {
	replies := make([][]byte, len(rb.batch))
	r.clientsMu.Lock()
	for i, req := range rb.batch {
		rec := r.clients[req.ClientID]
		if rec.Has(req.Timestamp) {
			continue
		}
		replies[i] = r.opts.Service.Update(r.state, req)
		r.clients[req.ClientID] = rec.With(req.Timestamp, r.opts.ClientHistory)
	}
	r.clientsMu.Unlock()
	r.lastDelivered = seq
	r.upToDate = false

	var latency time.Duration
	if fl, ok := r.inflight[seq]; ok {
		latency = time.Since(fl.accepted)
		delete(r.inflight, seq)
	}
	if len(rb.batch) > 0 {
		r.pool.RemoveBatch(rb.batch)
	}
	r.metrics.RecordDelivery(len(rb.batch), latency)
	if r.backoff.Attempts() > 0 {
		r.backoff.Reset()
	}
	r.restartProgress()
	logger.Debugf("%s: delivered %s from view %s, %d requests", r.self, seq, rb.view, len(rb.batch))

	r.publishCommitted(ctx, CommittedBatch{
		Seq:      seq,
		View:     rb.view,
		Digest:   rb.digest,
		Requests: rb.batch,
		Replies:  replies,
	})

	if r.tracker.Due(seq) {
		r.takeCheckpoint(ctx, seq)
	}
	if cert, ok := r.pendingStable[seq]; ok {
		r.applyStable(ctx, cert)
	}
}

// snapshot captures the replicated state after lastDelivered.
func (r *Replica) snapshot() (checkpoint.Snapshot, error) {
	app, err := r.state.Marshal()
	if err != nil {
		return checkpoint.Snapshot{}, fmt.Errorf("marshal state at %s: %w", r.lastDelivered, err)
	}
	r.clientsMu.RLock()
	clients := maps.Clone(r.clients)
	r.clientsMu.RUnlock()
	return checkpoint.Snapshot{
		Seq:      r.lastDelivered,
		View:     r.mgr.View(),
		AppState: app,
		Clients:  clients,
	}, nil
}

// takeCheckpoint snapshots the state at seq and votes for its digest.
func (r *Replica) takeCheckpoint(ctx context.Context, seq ordering.SeqNo) {
	snap, err := r.snapshot()
	if err != nil {
		logger.Errorf("%s: %v", r.self, err)
		return
	}
	d, err := r.tracker.Take(snap)
	if err != nil {
		logger.Errorf("%s: checkpoint %s: %v", r.self, seq, err)
		return
	}
	vote, err := r.sign(message.Vote{Phase: message.PhaseCheckpoint, Seq: seq, Digest: d})
	if err != nil {
		logger.Errorf("%s: %v", r.self, err)
		return
	}
	r.broadcast(ctx, message.KindCheckpoint, vote)
	formed, err := r.log.Record(vote)
	if err != nil {
		logger.Debugf("%s: own checkpoint %s: %v", r.self, seq, err)
		return
	}
	if formed {
		r.onCheckpointCert(ctx, seq)
	}
}

// onCheckpointCert handles a checkpoint quorum. A certificate ahead of
// local delivery waits until delivery catches up with it.
func (r *Replica) onCheckpointCert(ctx context.Context, seq ordering.SeqNo) {
	cert, ok := r.log.CertificateFor(ordering.ViewNo{}, seq, message.PhaseCheckpoint)
	if !ok {
		return
	}
	if r.lastDelivered.Less(seq) {
		r.pendingStable[seq] = cert
		return
	}
	r.applyStable(ctx, cert)
}

// applyStable makes cert the stable checkpoint: the log is pruned, the
// window slides and the snapshot is published for persistence. A
// certificate the local state cannot back triggers a state transfer.
func (r *Replica) applyStable(ctx context.Context, cert message.Certificate) {
	delete(r.pendingStable, cert.Seq)
	if stable := r.log.Stable(); len(stable.Votes) > 0 && !stable.Seq.Less(cert.Seq) {
		return
	}
	st, err := r.tracker.Stabilize(cert)
	if err != nil {
		logger.Warnf("%s: cannot back checkpoint %s: %v", r.self, cert.Seq, err)
		r.startTransfer(ctx)
		return
	}
	r.log.Stabilize(cert)
	r.forget(cert.Seq)
	r.replay(ctx)
	r.metrics.StableCheckpoints.Inc()
	r.emit(Event{Kind: EventCheckpointStable, View: r.mgr.View(), Seq: cert.Seq})
	logger.Infow("checkpoint stable", "id", r.self, "seq", cert.Seq, "digest", cert.Digest, "window", r.log.Window())

	r.publishCheckpoint(ctx, StableCheckpoint{
		Seq:      cert.Seq,
		Digest:   cert.Digest,
		Cert:     cert,
		Snapshot: st.Encoded,
	})
	r.propose(ctx)
}

// onBeyondWindow counts checkpoint votes above the window. Once f+1
// replicas vouch for such checkpoints at least one correct replica is
// ahead, and waiting will not close the gap.
func (r *Replica) onBeyondWindow(ctx context.Context, v message.Vote) {
	if prev, ok := r.beyond[v.Signer]; !ok || prev.Less(v.Seq) {
		r.beyond[v.Signer] = v.Seq
	}
	high := r.log.Window().High()
	ahead := 0
	for _, seq := range r.beyond {
		if high.Less(seq) {
			ahead++
		}
	}
	if ahead < r.opts.F()+1 {
		return
	}
	logger.Infof("%s: %d replicas checkpointed beyond %s", r.self, ahead, high)
	clear(r.beyond)
	r.startTransfer(ctx)
}

// forget drops loop state at or below seq.
func (r *Replica) forget(seq ordering.SeqNo) {
	for s := range r.ready {
		if s.LessEq(seq) {
			delete(r.ready, s)
		}
	}
	for s := range r.inflight {
		if s.LessEq(seq) {
			delete(r.inflight, s)
		}
	}
	for s := range r.pendingStable {
		if s.LessEq(seq) {
			delete(r.pendingStable, s)
		}
	}
	for k := range r.headers {
		if k.Seq.LessEq(seq) {
			delete(r.headers, k)
		}
	}
	for k := range r.commitSent {
		if k.Seq.LessEq(seq) {
			delete(r.commitSent, k)
		}
	}
	for k := range r.exposed {
		if k.Seq.LessEq(seq) {
			delete(r.exposed, k)
		}
	}
}

// forgetViews drops per-slot loop state of views below v.
func (r *Replica) forgetViews(v ordering.ViewNo) {
	for k := range r.headers {
		if k.View.Less(v) {
			delete(r.headers, k)
		}
	}
	for k := range r.commitSent {
		if k.View.Less(v) {
			delete(r.commitSent, k)
		}
	}
	for k := range r.exposed {
		if k.View.Less(v) {
			delete(r.exposed, k)
		}
	}
}
