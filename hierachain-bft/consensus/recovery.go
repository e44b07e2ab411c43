package consensus

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/google/uuid"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/checkpoint"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/msglog"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/viewchange"
)

// hasWork reports whether something is waiting to be ordered or delivered.
func (r *Replica) hasWork() bool {
	return r.pool.Size() > 0 ||
		len(r.inflight) > 0 ||
		len(r.ready) > 0 ||
		len(r.pendingStable) > 0 ||
		r.lastDelivered.Less(r.lastAccepted)
}

// blocked reports whether delivery waits on a sequence other replicas
// already got past.
func (r *Replica) blocked() bool {
	return len(r.ready) > 0 || len(r.pendingStable) > 0
}

// armProgress keeps the progress timer running exactly while there is work
// in NORMAL mode. During a view change the timer belongs to
// startViewChange.
func (r *Replica) armProgress() {
	if !r.normal() {
		return
	}
	work := r.hasWork()
	switch {
	case work && !r.progressArmed:
		r.progress.Reset(r.backoff.Timeout())
		r.progressArmed = true
	case !work && r.progressArmed:
		r.progress.Stop()
		r.progressArmed = false
	}
}

func (r *Replica) restartProgress() {
	r.progress.Stop()
	r.progressArmed = false
	r.armProgress()
}

func (r *Replica) onProgressTimeout(ctx context.Context) {
	r.progressArmed = false
	mode, view, candidate := r.mgr.Status()
	if mode == viewchange.StatusViewChanging {
		logger.Warnf("%s: view change to %s timed out", r.self, candidate)
		r.startViewChange(ctx, candidate.Next())
		return
	}
	if !r.hasWork() || r.transfer.Active() {
		return
	}
	if r.blocked() && !(r.upToDate && r.upToDateAt == r.lastDelivered) {
		logger.Infof("%s: delivery stuck after %s, fetching state", r.self, r.lastDelivered)
		r.startTransfer(ctx)
		return
	}
	logger.Warnf("%s: no progress in view %s, suspecting leader %s", r.self, view, r.log.Leader(view))
	r.startViewChange(ctx, view.Next())
}

// startViewChange abandons the current view in favour of candidate.
func (r *Replica) startViewChange(ctx context.Context, candidate ordering.ViewNo) {
	r.log.AdvanceView(candidate)
	vc, err := r.mgr.Start(candidate)
	if err != nil {
		logger.Debugf("%s: %v", r.self, err)
		return
	}
	r.restoreInflight()
	r.lastAccepted = r.lastDelivered
	r.forgetViews(candidate)
	r.metrics.ViewChanges.Inc()
	r.emit(Event{Kind: EventViewChangeStarted, Node: r.log.Leader(candidate), View: candidate})

	r.broadcast(ctx, message.KindViewChange, vc)
	r.progress.Stop()
	r.progress.Reset(r.backoff.Next())
	r.progressArmed = true

	r.replay(ctx)
	r.tryAssemble(ctx)
}

// restoreInflight hands the requests of undelivered proposals back to the
// pool, in sequence order, so the next leader can order them.
func (r *Replica) restoreInflight() {
	seqs := make([]ordering.SeqNo, 0, len(r.inflight))
	for seq := range r.inflight {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i].Less(seqs[j]) })

	var reqs []message.Request
	for _, seq := range seqs {
		for _, req := range r.inflight[seq].batch {
			if !r.executed(req) {
				reqs = append(reqs, req)
			}
		}
		delete(r.inflight, seq)
	}
	if len(reqs) > 0 {
		r.pool.Restore(reqs)
	}
}

func (r *Replica) onViewChange(ctx context.Context, vc message.ViewChange) {
	if join, ok := r.mgr.Add(vc); ok {
		logger.Infof("%s: f+1 replicas left the view, joining view change to %s", r.self, join)
		r.startViewChange(ctx, join)
	}
	r.tryAssemble(ctx)
}

// tryAssemble sends NEW-VIEW once this replica leads the candidate view and
// holds a quorum of VIEW-CHANGE messages.
func (r *Replica) tryAssemble(ctx context.Context) {
	if !r.mgr.Ready() {
		return
	}
	_, _, candidate := r.mgr.Status()
	nv, err := r.mgr.Assemble(candidate)
	if err != nil {
		logger.Warnf("%s: assemble new-view %s: %v", r.self, candidate, err)
		return
	}
	inst, err := r.mgr.ValidateNewView(nv)
	if err != nil {
		logger.Errorf("%s: own new-view %s does not validate: %v", r.self, candidate, err)
		return
	}
	r.broadcast(ctx, message.KindNewView, nv)
	r.installView(ctx, inst)
}

func (r *Replica) onNewView(ctx context.Context, inst viewchange.Installation) {
	r.installView(ctx, inst)
}

// installView enters a view announced by a validated NEW-VIEW: the stable
// checkpoint it proves is adopted and every re-proposal is accepted as if
// the new leader had just sent it.
func (r *Replica) installView(ctx context.Context, inst viewchange.Installation) {
	if !r.mgr.View().Less(inst.View) {
		return
	}
	if inst.View.Less(r.log.View()) {
		logger.Debugf("%s: ignoring new-view %s, already heading for %s", r.self, inst.View, r.log.View())
		return
	}
	if r.normal() {
		r.restoreInflight()
	}
	r.log.AdvanceView(inst.View)
	r.lastAccepted = r.lastDelivered

	if len(inst.Stable.Votes) > 0 && r.log.Stable().Seq.Less(inst.Stable.Seq) {
		if inst.Stable.Seq.LessEq(r.lastDelivered) {
			r.applyStable(ctx, inst.Stable)
		} else {
			r.log.Stabilize(inst.Stable)
			r.forget(inst.Stable.Seq)
			r.startTransfer(ctx)
		}
	}

	r.mgr.Install(inst.View)
	r.forgetViews(inst.View)
	r.emit(Event{Kind: EventViewInstalled, Node: r.log.Leader(inst.View), View: inst.View})
	logger.Infow("view installed",
		"id", r.self,
		"view", inst.View,
		"leader", r.log.Leader(inst.View),
		"stable", inst.Stable.Seq,
		"reproposals", len(inst.PrePrepares),
	)

	last := r.log.Window().Low.Max(r.lastDelivered)
	for _, pp := range inst.PrePrepares {
		h := pp.Header
		r.headers[msglog.Key{View: h.View, Seq: h.Seq}] = h
		if !r.log.Window().Contains(h.Seq) {
			continue
		}
		r.accept(ctx, pp)
		last = last.Max(h.Seq)
	}
	r.nextSeq = last

	r.restartProgress()
	r.replay(ctx)
	r.propose(ctx)
}

// startTransfer asks the other replicas for the latest agreed state.
func (r *Replica) startTransfer(ctx context.Context) {
	if r.transfer.Active() {
		return
	}
	req := r.transfer.Begin(r.lastDelivered)
	r.emit(Event{Kind: EventStateTransferStarted, View: r.mgr.View(), Seq: r.lastDelivered})
	logger.Infof("%s: state transfer from %s", r.self, r.lastDelivered)
	r.sendTransfer(ctx, req)
}

func (r *Replica) sendTransfer(ctx context.Context, req message.CstRequest) {
	req.Signer = r.self
	sig, err := r.opts.Signer.Sign(req.SigningBytes())
	if err != nil {
		logger.Errorf("%s: sign cst request: %v", r.self, err)
		return
	}
	req.Signature = sig
	r.broadcast(ctx, message.KindCstRequest, req)
	r.cstTimer.Stop()
	r.cstTimer.Reset(r.transfer.Timeout())
}

func (r *Replica) onTransferTimeout(ctx context.Context) {
	req, err := r.transfer.Retry()
	if err != nil {
		return
	}
	logger.Debugf("%s: state transfer %s timed out, asking again", r.self, req.Kind)
	r.sendTransfer(ctx, req)
}

// onTransferRequest answers a peer's state transfer query.
func (r *Replica) onTransferRequest(ctx context.Context, req message.CstRequest) {
	if req.Signer == r.self {
		return
	}
	reply := message.CstReply{Query: req.Query, Kind: req.Kind, View: r.mgr.View(), Signer: r.self}
	switch req.Kind {
	case message.CstLatestSeq:
		reply.Seq = r.lastDelivered
	case message.CstState:
		snap, encoded, err := r.stateFor(req.FromSeq)
		if err != nil {
			logger.Errorf("%s: %v", r.self, err)
			return
		}
		reply.Seq = snap.Seq
		reply.Digest = snap.Digest(r.opts.Hasher)
		reply.Snapshot = encoded
	default:
		r.reject(req.Signer, message.KindCstRequest, fmt.Errorf("%w: cst kind %d", errMalformed, req.Kind))
		return
	}
	sig, err := r.opts.Signer.Sign(reply.SigningBytes())
	if err != nil {
		logger.Errorf("%s: sign cst reply: %v", r.self, err)
		return
	}
	reply.Signature = sig
	r.send(ctx, req.Signer, message.KindCstReply, reply)
}

// stateFor picks the snapshot to serve. The current state is served when
// this replica stands exactly where the requester wants to go; otherwise
// the stable checkpoint is, since that is what a quorum agrees on.
func (r *Replica) stateFor(target ordering.SeqNo) (checkpoint.Snapshot, []byte, error) {
	if r.lastDelivered != target {
		if st, ok := r.tracker.Latest(); ok {
			return st.Snapshot, st.Encoded, nil
		}
	}
	snap, err := r.snapshot()
	if err != nil {
		return checkpoint.Snapshot{}, nil, err
	}
	encoded, err := checkpoint.Encode(snap)
	if err != nil {
		return checkpoint.Snapshot{}, nil, fmt.Errorf("encode snapshot %s: %w", snap.Seq, err)
	}
	return snap, encoded, nil
}

func (r *Replica) onTransferReply(ctx context.Context, from message.NodeID, reply message.CstReply) {
	out, err := r.transfer.Handle(reply)
	if err != nil {
		r.reject(from, message.KindCstReply, err)
		return
	}
	for _, id := range out.Faulty {
		r.reject(id, message.KindCstReply, checkpoint.ErrDigestMismatch)
	}
	switch {
	case out.Next != nil:
		r.sendTransfer(ctx, *out.Next)
	case out.UpToDate:
		r.cstTimer.Stop()
		r.upToDate = true
		r.upToDateAt = r.lastDelivered
		logger.Infof("%s: state transfer found nothing newer than %s", r.self, r.lastDelivered)
	case out.Install != nil:
		r.cstTimer.Stop()
		r.install(ctx, *out.Install)
	}
}

// install replaces the local state by a snapshot confirmed by 2f+1
// replicas.
func (r *Replica) install(ctx context.Context, res checkpoint.Result) {
	snap := res.Snapshot
	if !r.lastDelivered.Less(snap.Seq) {
		r.upToDate = true
		r.upToDateAt = r.lastDelivered
		return
	}
	if err := r.installSnapshot(snap); err != nil {
		logger.Errorf("%s: %v", r.self, err)
		return
	}

	cert, certified := r.log.CertificateFor(ordering.ViewNo{}, snap.Seq, message.PhaseCheckpoint)
	if certified && cert.Digest == res.Digest {
		r.log.Stabilize(cert)
	} else {
		cert, certified = message.Certificate{}, false
		r.keepWindow(snap.Seq)
	}
	r.tracker.Install(snap, res.Encoded, cert)
	r.forget(snap.Seq)
	r.purgeExecuted()

	mode, view, candidate := r.mgr.Status()
	if view.Less(res.View) && (mode == viewchange.StatusNormal || !res.View.Less(candidate)) {
		r.log.AdvanceView(res.View)
		r.mgr.Install(res.View)
		r.forgetViews(res.View)
		r.emit(Event{Kind: EventViewInstalled, Node: r.log.Leader(res.View), View: res.View})
	}

	r.metrics.StateInstalls.Inc()
	r.emit(Event{Kind: EventStateInstalled, View: r.mgr.View(), Seq: snap.Seq})
	logger.Infow("state installed", "id", r.self, "seq", snap.Seq, "digest", res.Digest, "view", r.mgr.View())

	if r.tracker.Due(snap.Seq) && !certified {
		r.takeCheckpoint(ctx, snap.Seq)
	}
	r.replay(ctx)
	r.deliver(ctx)
	r.restartProgress()
	r.propose(ctx)
}

// keepWindow leaves the window at the stable checkpoint after installing
// an uncertified snapshot at seq: the slots above that checkpoint stay
// admissible for view changes, and delivery skips those at or below seq.
// Only when the next checkpoint after seq would fall beyond the high
// watermark is the window moved, to the last checkpoint boundary at or
// below seq.
func (r *Replica) keepWindow(seq ordering.SeqNo) {
	period := r.opts.CheckpointPeriod
	boundary := ordering.SeqFromUint64(seq.Uint64() - seq.Uint64()%period)
	window := r.log.Window()
	if next, err := boundary.Add(period); err == nil && window.Contains(next) {
		return
	}
	logger.Warnf("%s: state %s lies beyond the window %s, moving it to %s", r.self, seq, window, boundary)
	r.log.Prune(boundary)
}

// installSnapshot loads snap as the replica's state.
func (r *Replica) installSnapshot(snap checkpoint.Snapshot) error {
	state, err := r.opts.Service.Unmarshal(snap.AppState)
	if err != nil {
		return fmt.Errorf("install state %s: %w", snap.Seq, err)
	}
	clients := maps.Clone(snap.Clients)
	if clients == nil {
		clients = make(map[uuid.UUID]checkpoint.ClientRecord)
	}
	r.clientsMu.Lock()
	r.clients = clients
	r.clientsMu.Unlock()

	r.state = state
	r.lastDelivered = snap.Seq
	r.lastAccepted = r.lastAccepted.Max(snap.Seq)
	r.nextSeq = r.nextSeq.Max(snap.Seq)
	r.upToDate = false
	return nil
}

// purgeExecuted drops pooled requests that an installed state already
// covers.
func (r *Replica) purgeExecuted() {
	for _, req := range r.pool.Peek(r.pool.Size()) {
		if r.executed(req) {
			r.pool.Remove(req.Key())
		}
	}
}
