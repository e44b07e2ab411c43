package consensus

import (
	"context"
	"errors"
	"fmt"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/checkpoint"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/core"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/msglog"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/network"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/viewchange"
)

var errMalformed = errors.New("malformed message")

// inbound is a decoded and checked message on its way to the event loop.
// Votes have already been recorded in the log; formed tells whether that
// completed a certificate.
type inbound struct {
	from message.NodeID
	kind message.Kind

	vote       message.Vote
	proposal   message.Vote
	proposalOK bool
	formed     bool
	// beyond marks a checkpoint vote above the window whose signature was
	// checked anyway, as a hint that this replica fell behind.
	beyond bool

	pp       message.PrePrepare
	vc       message.ViewChange
	inst     viewchange.Installation
	cstReq   message.CstRequest
	cstRep   message.CstReply
	fwd      message.Forward
	evidence message.Evidence
}

// process runs on the verification pool. It must not touch loop state.
func (r *Replica) process(_ context.Context, pkt network.Packet) (inbound, error) {
	in := inbound{from: pkt.From}
	var env message.Envelope
	if err := r.opts.Codec.Unmarshal(pkt.Data, &env); err != nil {
		return in, fmt.Errorf("%w: envelope: %v", errMalformed, err)
	}
	if env.From != pkt.From {
		return in, fmt.Errorf("%w: envelope from %s on the link of %s", errMalformed, env.From, pkt.From)
	}
	in.kind = env.Kind

	var err error
	switch env.Kind {
	case message.KindPrePrepare:
		if err = r.decode(env, &in.pp); err != nil {
			return in, err
		}
		if err = r.checkHeader(in.pp.Header); err != nil {
			return in, err
		}
		if r.opts.Hasher.Sum(message.EncodeBatch(in.pp.Batch)) != in.pp.Header.Digest {
			return in, msglog.ErrDigestMismatch
		}
		return in, nil

	case message.KindPrepare:
		var p message.Prepare
		if err = r.decode(env, &p); err != nil {
			return in, err
		}
		in.vote, in.proposal = p.Vote, p.Proposal
		if p.Vote.Phase != message.PhasePrepare {
			return in, fmt.Errorf("%w: %s in a prepare", errMalformed, p.Vote.Phase)
		}
		if err = r.checkHeader(p.Proposal); err != nil {
			return in, err
		}
		in.proposalOK = true
		if p.Proposal.View != p.Vote.View || p.Proposal.Seq != p.Vote.Seq || p.Proposal.Digest != p.Vote.Digest {
			return in, fmt.Errorf("%w: prepare %s endorses %s", errMalformed, p.Vote, p.Proposal)
		}
		in.formed, err = r.log.Record(p.Vote)
		return in, err

	case message.KindCommit, message.KindCheckpoint:
		if err = r.decode(env, &in.vote); err != nil {
			return in, err
		}
		if message.KindOfVote(in.vote.Phase) != env.Kind {
			return in, fmt.Errorf("%w: %s in a %s", errMalformed, in.vote.Phase, env.Kind)
		}
		in.formed, err = r.log.Record(in.vote)
		if errors.Is(err, msglog.ErrOutOfWindow) && in.vote.Phase == message.PhaseCheckpoint &&
			r.log.Window().High().Less(in.vote.Seq) {
			if err := crypto.VerifySigned(r.opts.Verifier, in.vote); err != nil {
				return in, fmt.Errorf("%w: %v", msglog.ErrBadSignature, err)
			}
			in.beyond = true
			return in, nil
		}
		return in, err

	case message.KindViewChange:
		if err = r.decode(env, &in.vc); err != nil {
			return in, err
		}
		return in, r.mgr.Validate(in.vc)

	case message.KindNewView:
		var nv message.NewView
		if err = r.decode(env, &nv); err != nil {
			return in, err
		}
		in.inst, err = r.mgr.ValidateNewView(nv)
		return in, err

	case message.KindCstRequest:
		if err = r.decode(env, &in.cstReq); err != nil {
			return in, err
		}
		return in, r.verify(in.cstReq)

	case message.KindCstReply:
		if err = r.decode(env, &in.cstRep); err != nil {
			return in, err
		}
		return in, r.verify(in.cstRep)

	case message.KindForward:
		if err = r.decode(env, &in.fwd); err != nil {
			return in, err
		}
		return in, r.verify(in.fwd)

	case message.KindEvidence:
		if err = r.decode(env, &in.evidence); err != nil {
			return in, err
		}
		if !in.evidence.Conflicting() {
			return in, fmt.Errorf("%w: evidence without a conflict", errMalformed)
		}
		if err = r.checkHeader(in.evidence.First); err != nil {
			return in, err
		}
		return in, r.checkHeader(in.evidence.Second)

	default:
		return in, fmt.Errorf("%w: %d", message.ErrUnknownKind, env.Kind)
	}
}

func (r *Replica) decode(env message.Envelope, v any) error {
	if err := r.opts.Codec.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", errMalformed, env.Kind, err)
	}
	return nil
}

func (r *Replica) verify(m message.Signed) error {
	if !r.log.IsMember(m.Author()) {
		return fmt.Errorf("%w: %s", msglog.ErrNotMember, m.Author())
	}
	if err := crypto.VerifySigned(r.opts.Verifier, m); err != nil {
		return fmt.Errorf("%w: %v", msglog.ErrBadSignature, err)
	}
	return nil
}

// checkHeader verifies that h is a proposal signed by the leader of its
// view.
func (r *Replica) checkHeader(h message.Vote) error {
	if h.Phase != message.PhasePrePrepare {
		return fmt.Errorf("%w: %s header", msglog.ErrWrongPhase, h.Phase)
	}
	if leader := r.log.Leader(h.View); h.Signer != leader {
		return fmt.Errorf("%w: %s signed %s/%s, leader is %s", msglog.ErrNotLeader, h.Signer, h.View, h.Seq, leader)
	}
	return r.verify(h)
}

// handle applies a verification result on the event loop.
func (r *Replica) handle(ctx context.Context, in inbound, err error) {
	if in.kind == message.KindPrepare && in.proposalOK {
		r.noteHeader(ctx, in.proposal)
	}
	if err != nil {
		if errors.Is(err, msglog.ErrFutureView) || r.ahead(in, err) {
			r.postpone(in)
			return
		}
		r.reject(in.from, in.kind, err)
		return
	}

	switch in.kind {
	case message.KindPrePrepare:
		r.onPrePrepare(ctx, in)
	case message.KindPrepare, message.KindCommit:
		if in.formed {
			r.inspect(ctx, in.vote.View, in.vote.Seq)
		}
	case message.KindCheckpoint:
		switch {
		case in.beyond:
			r.onBeyondWindow(ctx, in.vote)
			r.postpone(in)
		case in.formed:
			r.onCheckpointCert(ctx, in.vote.Seq)
		}
	case message.KindViewChange:
		r.onViewChange(ctx, in.vc)
	case message.KindNewView:
		r.onNewView(ctx, in.inst)
	case message.KindCstRequest:
		r.onTransferRequest(ctx, in.cstReq)
	case message.KindCstReply:
		r.onTransferReply(ctx, in.from, in.cstRep)
	case message.KindForward:
		r.onForward(ctx, in.fwd)
	case message.KindEvidence:
		r.onEquivocation(ctx, in.evidence.First, in.evidence.Second)
	}
}

// ahead reports whether a vote was refused only because it lies above the
// window, which happens when this replica lags behind a stable checkpoint.
func (r *Replica) ahead(in inbound, err error) bool {
	switch in.kind {
	case message.KindPrepare, message.KindCommit, message.KindCheckpoint:
		return errors.Is(err, msglog.ErrOutOfWindow) && r.log.Window().High().Less(in.vote.Seq)
	default:
		return false
	}
}

// postpone keeps a message for a view or a window this replica has not
// reached yet. The oldest one is dropped when the buffer is full.
func (r *Replica) postpone(in inbound) {
	if len(r.future) >= r.opts.FutureBuffer {
		r.future = r.future[1:]
		r.metrics.Reject("future-overflow")
	}
	r.future = append(r.future, in)
}

// replay retries postponed messages after the view or the window moved.
func (r *Replica) replay(ctx context.Context) {
	if len(r.future) == 0 {
		return
	}
	pending := r.future
	r.future = nil
	for _, in := range pending {
		switch in.kind {
		case message.KindPrePrepare:
			r.onPrePrepare(ctx, in)
		default:
			formed, err := r.log.Record(in.vote)
			in.formed = formed
			in.proposalOK = false
			in.beyond = false
			r.handle(ctx, in, err)
		}
	}
	logger.Debugf("%s: replayed %d postponed messages, %d still waiting", r.self, len(pending), len(r.future))
}

// reject counts a refused message. Anything that cannot be explained by
// timing is held against the sender.
func (r *Replica) reject(from message.NodeID, kind message.Kind, err error) {
	r.metrics.Reject(reasonOf(err))
	if benign(err) {
		logger.Debugf("%s: dropped %s from %s: %v", r.self, kind, from, err)
		return
	}
	logger.Warnf("%s: rejected %s from %s: %v", r.self, kind, from, err)
	r.emit(Event{Kind: EventRejected, Node: from, View: r.mgr.View(), Err: err})
	r.suspect(from, err)
}

func (r *Replica) suspect(id message.NodeID, err error) {
	if id == r.self {
		return
	}
	r.metrics.Suspicions.WithLabelValues(id.String()).Inc()
	r.emit(Event{Kind: EventSuspected, Node: id, View: r.mgr.View(), Err: err})
	if r.suspects.report(id) {
		logger.Warnf("%s: distrusting %s after %d offences", r.self, id, r.suspects.count(id))
		r.emit(Event{Kind: EventDistrusted, Node: id, View: r.mgr.View()})
	}
}

func benign(err error) bool {
	for _, target := range []error{
		msglog.ErrStaleView,
		msglog.ErrFutureView,
		msglog.ErrOutOfWindow,
		msglog.ErrPruned,
		msglog.ErrViewChanged,
		viewchange.ErrStaleView,
		checkpoint.ErrStaleReply,
		checkpoint.ErrTransferIdle,
		core.ErrPoolStopped,
		context.Canceled,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, msglog.ErrStaleView), errors.Is(err, viewchange.ErrStaleView):
		return "stale-view"
	case errors.Is(err, msglog.ErrOutOfWindow), errors.Is(err, msglog.ErrPruned):
		return "out-of-window"
	case errors.Is(err, msglog.ErrViewChanged):
		return "view-changed"
	case errors.Is(err, msglog.ErrBadSignature), errors.Is(err, viewchange.ErrBadSig):
		return "signature"
	case errors.Is(err, msglog.ErrEquivocation):
		return "equivocation"
	case errors.Is(err, msglog.ErrNotLeader), errors.Is(err, viewchange.ErrNotLeader), errors.Is(err, msglog.ErrLeaderPrepare):
		return "not-leader"
	case errors.Is(err, errMalformed), errors.Is(err, message.ErrUnknownKind):
		return "malformed"
	case errors.Is(err, checkpoint.ErrStaleReply), errors.Is(err, checkpoint.ErrTransferIdle):
		return "stale-reply"
	default:
		return "invalid"
	}
}

// envelope encodes payload for the wire.
func (r *Replica) envelope(kind message.Kind, payload any) ([]byte, error) {
	body, err := r.opts.Codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", kind, err)
	}
	return r.opts.Codec.Marshal(message.Envelope{Kind: kind, From: r.self, Payload: body})
}

func (r *Replica) broadcast(ctx context.Context, kind message.Kind, payload any) {
	data, err := r.envelope(kind, payload)
	if err != nil {
		logger.Errorf("%s: %v", r.self, err)
		return
	}
	if err := r.opts.Transport.Broadcast(ctx, data); err != nil {
		r.metrics.TransportErrors.Inc()
		logger.Debugf("%s: broadcast %s: %v", r.self, kind, err)
	}
}

func (r *Replica) send(ctx context.Context, to message.NodeID, kind message.Kind, payload any) {
	data, err := r.envelope(kind, payload)
	if err != nil {
		logger.Errorf("%s: %v", r.self, err)
		return
	}
	if err := r.opts.Transport.Send(ctx, to, data); err != nil {
		r.metrics.TransportErrors.Inc()
		logger.Debugf("%s: send %s to %s: %v", r.self, kind, to, err)
	}
}

// sign fills in the signer and signature of a vote of this replica.
func (r *Replica) sign(v message.Vote) (message.Vote, error) {
	v.Signer = r.self
	sig, err := r.opts.Signer.Sign(v.SigningBytes())
	if err != nil {
		return message.Vote{}, fmt.Errorf("sign %s: %w", v.Phase, err)
	}
	v.Signature = sig
	return v, nil
}
