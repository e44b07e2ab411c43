package consensus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/engine"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/msglog"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/viewchange"
)

// propose cuts batches from the pool while this replica leads a view in
// NORMAL mode and the window has room.
func (r *Replica) propose(ctx context.Context) {
	if !r.normal() || !r.leader() || r.transfer.Active() {
		return
	}
	view := r.mgr.View()
	window := r.log.Window()
	for {
		seq := r.nextSeq.Next()
		if !window.Contains(seq) {
			return
		}
		batch := r.builder.Next(len(r.inflight), time.Now())
		if batch == nil {
			return
		}
		if batch = r.fresh(batch); len(batch) == 0 {
			continue
		}

		h, err := r.sign(message.Vote{
			Phase:  message.PhasePrePrepare,
			View:   view,
			Seq:    seq,
			Digest: r.opts.Hasher.Sum(message.EncodeBatch(batch)),
		})
		if err != nil {
			logger.Errorf("%s: %v", r.self, err)
			r.pool.Restore(batch)
			return
		}
		pp := message.PrePrepare{Header: h, Batch: batch}
		r.headers[msglog.Key{View: view, Seq: seq}] = h
		if !r.accept(ctx, pp) {
			r.pool.Restore(batch)
			return
		}
		r.nextSeq = seq
		r.broadcast(ctx, message.KindPrePrepare, pp)
		r.metrics.Proposals.Inc()
		logger.Debugf("%s: proposed %s/%s with %d requests", r.self, view, seq, len(batch))
	}
}

// fresh drops requests whose client already had them executed.
func (r *Replica) fresh(batch []message.Request) []message.Request {
	out := batch[:0]
	for _, req := range batch {
		if !r.executed(req) {
			out = append(out, req)
		}
	}
	return out
}

func (r *Replica) onPrePrepare(ctx context.Context, in inbound) {
	h := in.pp.Header
	mode, view, candidate := r.mgr.Status()
	changing := mode == viewchange.StatusViewChanging
	switch {
	case h.View.Less(view), changing && h.View.Less(candidate):
		r.reject(in.from, in.kind, fmt.Errorf("%w: %s", msglog.ErrStaleView, h))
		return
	case changing, view.Less(h.View), r.log.Window().High().Less(h.Seq):
		r.postpone(in)
		return
	}
	if !r.noteHeader(ctx, h) {
		return
	}
	r.accept(ctx, in.pp)
}

// accept records a proposal of the current view, moves its requests out of
// the pool and, unless this replica proposed it, endorses it with a
// PREPARE.
func (r *Replica) accept(ctx context.Context, pp message.PrePrepare) bool {
	h := pp.Header
	if info, ok := r.log.Slot(h.View, h.Seq); ok && info.State >= msglog.StatePrePrepared {
		return info.Digest == h.Digest
	}
	if _, err := r.log.RecordPrePrepare(pp); err != nil {
		var eq *msglog.EquivocationError
		if errors.As(err, &eq) {
			r.onEquivocation(ctx, eq.First, eq.Second)
		} else {
			r.reject(h.Signer, message.KindPrePrepare, err)
		}
		return false
	}

	if r.lastDelivered.Less(h.Seq) {
		if len(pp.Batch) > 0 {
			r.pool.RemoveBatch(pp.Batch)
			r.inflight[h.Seq] = inflightBatch{batch: pp.Batch, accepted: time.Now()}
		}
		r.lastAccepted = r.lastAccepted.Max(h.Seq)
	}

	if h.Signer != r.self {
		vote, err := r.sign(message.Vote{Phase: message.PhasePrepare, View: h.View, Seq: h.Seq, Digest: h.Digest})
		if err != nil {
			logger.Errorf("%s: %v", r.self, err)
			return true
		}
		r.broadcast(ctx, message.KindPrepare, message.Prepare{Vote: vote, Proposal: h})
		if _, err := r.log.Record(vote); err != nil {
			logger.Debugf("%s: own prepare %s/%s: %v", r.self, h.View, h.Seq, err)
		}
	}
	r.inspect(ctx, h.View, h.Seq)
	return true
}

// noteHeader remembers the first proposal seen for a slot of the current or
// candidate view, whether it came directly or as the evidence of a PREPARE.
// It returns false when h conflicts with it.
func (r *Replica) noteHeader(ctx context.Context, h message.Vote) bool {
	_, view, candidate := r.mgr.Status()
	if (h.View != view && h.View != candidate) || !r.log.Window().Contains(h.Seq) {
		return true
	}
	key := msglog.Key{View: h.View, Seq: h.Seq}
	prev, ok := r.headers[key]
	if !ok {
		r.headers[key] = h
		return true
	}
	if prev.Digest == h.Digest {
		return true
	}
	r.onEquivocation(ctx, prev, h)
	return false
}

// onEquivocation reacts to two leader-signed proposals for one slot: the
// proof is relayed so that every correct replica sees it, and the view is
// abandoned.
func (r *Replica) onEquivocation(ctx context.Context, first, second message.Vote) {
	key := msglog.Key{View: first.View, Seq: first.Seq}
	if r.exposed[key] {
		return
	}
	r.exposed[key] = true

	logger.Warnf("%s: leader %s equivocated at %s/%s: %s and %s",
		r.self, first.Signer, first.View, first.Seq, first.Digest, second.Digest)
	r.metrics.Reject("equivocation")
	r.emit(Event{Kind: EventEquivocation, Node: first.Signer, View: first.View, Seq: first.Seq})
	r.suspect(first.Signer, fmt.Errorf("%w: proposals %s and %s", msglog.ErrEquivocation, first.Digest, second.Digest))
	r.broadcast(ctx, message.KindEvidence, message.Evidence{First: first, Second: second})

	mode, view, candidate := r.mgr.Status()
	switch {
	case mode == viewchange.StatusNormal && first.View == view:
		r.startViewChange(ctx, view.Next())
	case mode == viewchange.StatusViewChanging && first.View == candidate:
		r.startViewChange(ctx, candidate.Next())
	}
}

// inspect sends this replica's COMMIT once a slot is prepared and queues
// the batch for delivery once it is committed.
func (r *Replica) inspect(ctx context.Context, view ordering.ViewNo, seq ordering.SeqNo) {
	info, ok := r.log.Slot(view, seq)
	if !ok {
		return
	}
	if info.State >= msglog.StatePrepared && !r.commitSent[info.Key] {
		r.commitSent[info.Key] = true
		vote, err := r.sign(message.Vote{Phase: message.PhaseCommit, View: view, Seq: seq, Digest: info.Digest})
		if err != nil {
			logger.Errorf("%s: %v", r.self, err)
			return
		}
		r.broadcast(ctx, message.KindCommit, vote)
		if _, err := r.log.Record(vote); err != nil {
			logger.Debugf("%s: own commit %s/%s: %v", r.self, view, seq, err)
		}
		if info, ok = r.log.Slot(view, seq); !ok {
			return
		}
	}
	if info.State == msglog.StateCommitted {
		r.onCommitted(ctx, info)
	}
}

func (r *Replica) onCommitted(ctx context.Context, info msglog.SlotInfo) {
	seq := info.Key.Seq
	if seq.LessEq(r.lastDelivered) {
		return
	}
	if _, ok := r.ready[seq]; ok {
		return
	}
	r.ready[seq] = readyBatch{view: info.Key.View, digest: info.Digest, batch: info.Batch}
	r.metrics.Commits.Inc()
	r.deliver(ctx)
}

// onForward pools requests relayed by another replica.
func (r *Replica) onForward(ctx context.Context, fwd message.Forward) {
	if r.suspects.isDistrusted(fwd.Signer) {
		r.metrics.Reject("distrusted")
		return
	}
	added := 0
	for _, req := range fwd.Requests {
		if err := r.certifier.Validate(req).Err(); err != nil {
			r.reject(fwd.Signer, message.KindForward, err)
			continue
		}
		if r.executed(req) {
			continue
		}
		switch err := r.pool.Add(req); {
		case err == nil:
			added++
		case errors.Is(err, engine.ErrMempoolFull):
			r.metrics.Reject("backpressure")
		}
	}
	if added > 0 {
		r.propose(ctx)
	}
}
