// Package message defines the protocol messages exchanged by replicas.
package message

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

// NodeID identifies a replica in the static membership.
type NodeID uint32

func (id NodeID) String() string {
	return fmt.Sprintf("node-%d", uint32(id))
}

// Digest is a fixed size hash value.
type Digest [32]byte

func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) String() string {
	return hex.EncodeToString(d[:6])
}

// Hex returns the full hex encoding of d.
func (d Digest) Hex() string {
	return hex.EncodeToString(d[:])
}

// Phase tells which protocol step a vote belongs to.
type Phase uint8

const (
	PhaseUnknown Phase = iota
	PhasePrePrepare
	PhasePrepare
	PhaseCommit
	PhaseCheckpoint
)

func (p Phase) String() string {
	switch p {
	case PhasePrePrepare:
		return "PRE-PREPARE"
	case PhasePrepare:
		return "PREPARE"
	case PhaseCommit:
		return "COMMIT"
	case PhaseCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// Request is a client operation.
type Request struct {
	ClientID  uuid.UUID `json:"client_id" codec:"client_id"`
	Timestamp uint64    `json:"timestamp" codec:"timestamp"`
	Operation []byte    `json:"operation" codec:"operation"`
}

// RequestKey uniquely identifies a request.
type RequestKey struct {
	ClientID  uuid.UUID
	Timestamp uint64
}

func (r Request) Key() RequestKey {
	return RequestKey{ClientID: r.ClientID, Timestamp: r.Timestamp}
}

func (k RequestKey) String() string {
	return fmt.Sprintf("%s@%d", k.ClientID, k.Timestamp)
}

// Vote is a signed statement about one slot. PREPARE, COMMIT and CHECKPOINT
// messages are votes; the signed header of a PRE-PREPARE is a vote with
// PhasePrePrepare. Checkpoint votes carry the zero view.
type Vote struct {
	Phase     Phase           `json:"phase" codec:"phase"`
	View      ordering.ViewNo `json:"view" codec:"view"`
	Seq       ordering.SeqNo  `json:"seq" codec:"seq"`
	Digest    Digest          `json:"digest" codec:"digest"`
	Signer    NodeID          `json:"signer" codec:"signer"`
	Signature []byte          `json:"signature" codec:"signature"`
}

// SigningBytes is the canonical encoding covered by the signature.
func (v Vote) SigningBytes() []byte {
	var e encoder
	e.str("vote")
	e.u8(uint8(v.Phase))
	e.view(v.View)
	e.seq(v.Seq)
	e.digest(v.Digest)
	e.u32(uint32(v.Signer))
	return e.buf
}

func (v Vote) Author() NodeID { return v.Signer }
func (v Vote) Sig() []byte    { return v.Signature }

func (v Vote) String() string {
	return fmt.Sprintf("%s(%s, %s, %s) from %s", v.Phase, v.View, v.Seq, v.Digest, v.Signer)
}

// PrePrepare is the leader's proposal for a slot.
type PrePrepare struct {
	Header Vote      `json:"header" codec:"header"`
	Batch  []Request `json:"batch" codec:"batch"`
}

// Prepare is the wire form of a PREPARE vote. Proposal echoes the signed
// PRE-PREPARE header the vote endorses, so two conflicting proposals of one
// leader surface at every replica that sees both.
type Prepare struct {
	Vote     Vote `json:"vote" codec:"vote"`
	Proposal Vote `json:"proposal" codec:"proposal"`
}

// Certificate is a quorum of matching votes for one (view, seq, digest).
type Certificate struct {
	Phase  Phase           `json:"phase" codec:"phase"`
	View   ordering.ViewNo `json:"view" codec:"view"`
	Seq    ordering.SeqNo  `json:"seq" codec:"seq"`
	Digest Digest          `json:"digest" codec:"digest"`
	Votes  []Vote          `json:"votes" codec:"votes"`
}

// Signers lists the distinct signers of the certificate.
func (c Certificate) Signers() []NodeID {
	out := make([]NodeID, 0, len(c.Votes))
	seen := make(map[NodeID]struct{}, len(c.Votes))
	for _, v := range c.Votes {
		if _, ok := seen[v.Signer]; ok {
			continue
		}
		seen[v.Signer] = struct{}{}
		out = append(out, v.Signer)
	}
	return out
}

// PreparedCert proves that a proposal prepared in some view: the leader's
// PRE-PREPARE plus 2f matching PREPARE votes.
type PreparedCert struct {
	PrePrepare PrePrepare `json:"pre_prepare" codec:"pre_prepare"`
	Prepares   []Vote     `json:"prepares" codec:"prepares"`
}

func (p PreparedCert) View() ordering.ViewNo { return p.PrePrepare.Header.View }
func (p PreparedCert) Seq() ordering.SeqNo   { return p.PrePrepare.Header.Seq }
func (p PreparedCert) Digest() Digest        { return p.PrePrepare.Header.Digest }

// ViewChange announces that Signer wants to move to View.
type ViewChange struct {
	View ordering.ViewNo `json:"view" codec:"view"`
	// Stable is the checkpoint certificate of the sender's low watermark. It
	// is empty when the sender is still at genesis.
	Stable    Certificate    `json:"stable" codec:"stable"`
	Prepared  []PreparedCert `json:"prepared" codec:"prepared"`
	Signer    NodeID         `json:"signer" codec:"signer"`
	Signature []byte         `json:"signature" codec:"signature"`
}

func (vc ViewChange) SigningBytes() []byte {
	var e encoder
	e.str("view-change")
	e.view(vc.View)
	e.cert(vc.Stable)
	e.u32(uint32(len(vc.Prepared)))
	for _, p := range vc.Prepared {
		e.prepared(p)
	}
	e.u32(uint32(vc.Signer))
	return e.buf
}

func (vc ViewChange) Author() NodeID { return vc.Signer }
func (vc ViewChange) Sig() []byte    { return vc.Signature }

// NewView installs View. PrePrepares are the leader's re-proposals, justified
// by the included VIEW-CHANGE messages.
type NewView struct {
	View        ordering.ViewNo `json:"view" codec:"view"`
	ViewChanges []ViewChange    `json:"view_changes" codec:"view_changes"`
	PrePrepares []PrePrepare    `json:"pre_prepares" codec:"pre_prepares"`
	Signer      NodeID          `json:"signer" codec:"signer"`
	Signature   []byte          `json:"signature" codec:"signature"`
}

func (nv NewView) SigningBytes() []byte {
	var e encoder
	e.str("new-view")
	e.view(nv.View)
	e.u32(uint32(len(nv.ViewChanges)))
	for _, vc := range nv.ViewChanges {
		e.bytes(vc.SigningBytes())
		e.bytes(vc.Signature)
	}
	e.u32(uint32(len(nv.PrePrepares)))
	for _, pp := range nv.PrePrepares {
		e.vote(pp.Header)
	}
	e.u32(uint32(nv.Signer))
	return e.buf
}

func (nv NewView) Author() NodeID { return nv.Signer }
func (nv NewView) Sig() []byte    { return nv.Signature }

// CstKind selects the step of a state transfer exchange.
type CstKind uint8

const (
	CstLatestSeq CstKind = iota + 1
	CstState
)

func (k CstKind) String() string {
	switch k {
	case CstLatestSeq:
		return "latest-seq"
	case CstState:
		return "state"
	default:
		return "unknown"
	}
}

// CstRequest asks peers for their latest sequence number or their state.
type CstRequest struct {
	Query     uint64         `json:"query" codec:"query"`
	Kind      CstKind        `json:"kind" codec:"kind"`
	FromSeq   ordering.SeqNo `json:"from_seq" codec:"from_seq"`
	Signer    NodeID         `json:"signer" codec:"signer"`
	Signature []byte         `json:"signature" codec:"signature"`
}

func (r CstRequest) SigningBytes() []byte {
	var e encoder
	e.str("cst-request")
	e.u64(r.Query)
	e.u8(uint8(r.Kind))
	e.seq(r.FromSeq)
	e.u32(uint32(r.Signer))
	return e.buf
}

func (r CstRequest) Author() NodeID { return r.Signer }
func (r CstRequest) Sig() []byte    { return r.Signature }

// CstReply answers a CstRequest. Snapshot is only set for CstState replies;
// its integrity is checked by re-hashing it against Digest.
type CstReply struct {
	Query     uint64          `json:"query" codec:"query"`
	Kind      CstKind         `json:"kind" codec:"kind"`
	Seq       ordering.SeqNo  `json:"seq" codec:"seq"`
	View      ordering.ViewNo `json:"view" codec:"view"`
	Digest    Digest          `json:"digest" codec:"digest"`
	Snapshot  []byte          `json:"snapshot" codec:"snapshot"`
	Signer    NodeID          `json:"signer" codec:"signer"`
	Signature []byte          `json:"signature" codec:"signature"`
}

func (r CstReply) SigningBytes() []byte {
	var e encoder
	e.str("cst-reply")
	e.u64(r.Query)
	e.u8(uint8(r.Kind))
	e.seq(r.Seq)
	e.view(r.View)
	e.digest(r.Digest)
	e.u32(uint32(r.Signer))
	return e.buf
}

func (r CstReply) Author() NodeID { return r.Signer }
func (r CstReply) Sig() []byte    { return r.Signature }

// Forward relays admitted client requests to the other replicas.
type Forward struct {
	Requests  []Request `json:"requests" codec:"requests"`
	Signer    NodeID    `json:"signer" codec:"signer"`
	Signature []byte    `json:"signature" codec:"signature"`
}

func (f Forward) SigningBytes() []byte {
	var e encoder
	e.str("forward")
	e.batch(f.Requests)
	e.u32(uint32(f.Signer))
	return e.buf
}

func (f Forward) Author() NodeID { return f.Signer }
func (f Forward) Sig() []byte    { return f.Signature }

// Evidence proves that a leader signed two different proposals for one
// slot. Both headers carry the leader's signature, so it can be relayed by
// anyone.
type Evidence struct {
	First  Vote `json:"first" codec:"first"`
	Second Vote `json:"second" codec:"second"`
}

// Conflicting reports whether the two headers are proposals for the same
// slot with different digests.
func (e Evidence) Conflicting() bool {
	return e.First.Phase == PhasePrePrepare && e.Second.Phase == PhasePrePrepare &&
		e.First.View == e.Second.View && e.First.Seq == e.Second.Seq &&
		e.First.Signer == e.Second.Signer && e.First.Digest != e.Second.Digest
}

// Signed is implemented by every signed message.
type Signed interface {
	Author() NodeID
	SigningBytes() []byte
	Sig() []byte
}

// EncodeBatch returns the canonical encoding of an ordered batch. Batch
// digests are computed over it.
func EncodeBatch(batch []Request) []byte {
	var e encoder
	e.str("batch")
	e.batch(batch)
	return e.buf
}
