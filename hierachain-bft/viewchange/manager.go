// Package viewchange replaces a faulty or slow leader. Replicas that time out
// broadcast a VIEW-CHANGE carrying their stable checkpoint and every prepared
// certificate above it; the leader of the new view gathers 2f+1 of them and
// re-proposes, for every sequence, the value prepared in the highest view.
package viewchange

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	logging "github.com/ipfs/go-log/v2"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/msglog"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

var logger = logging.Logger("bft/viewchange")

var (
	ErrStaleView   = errors.New("view already installed")
	ErrNotMember   = errors.New("signer is not a member")
	ErrBadSig      = errors.New("invalid signature")
	ErrBadStable   = errors.New("invalid stable checkpoint proof")
	ErrBadPrepared = errors.New("invalid prepared certificate")
	ErrNotLeader   = errors.New("not the leader of the view")
	ErrNoQuorum    = errors.New("not enough view-change messages")
	ErrBadNewView  = errors.New("new-view re-proposals do not match")
)

// Status is the view-change state of a replica.
type Status uint8

const (
	StatusNormal Status = iota
	StatusViewChanging
)

func (s Status) String() string {
	if s == StatusViewChanging {
		return "VIEW_CHANGING"
	}
	return "NORMAL"
}

// Options configures a Manager.
type Options struct {
	Self     message.NodeID
	Log      *msglog.Log
	Signer   crypto.Signer
	Verifier crypto.Verifier
	Hasher   crypto.Hasher
	F        int
	Window   uint64
}

// Installation is what a replica needs to enter a new view: the stable
// checkpoint the quorum agreed on and the leader's re-proposals above it.
type Installation struct {
	View        ordering.ViewNo
	Stable      message.Certificate
	PrePrepares []message.PrePrepare
}

// Manager tracks the view-change protocol of one replica. Validation only
// reads the installed view, so it may run on verification workers while the
// event loop owns the state transitions.
type Manager struct {
	opts Options

	mu        sync.Mutex
	status    Status
	view      ordering.ViewNo
	candidate ordering.ViewNo
	// latest keeps the highest VIEW-CHANGE per signer. A replica that moved
	// on to a later view no longer supports the earlier one.
	latest    map[message.NodeID]message.ViewChange
	assembled bool
}

// New creates a manager in NORMAL status at view zero.
func New(opts Options) *Manager {
	return &Manager{
		opts:   opts,
		latest: make(map[message.NodeID]message.ViewChange),
	}
}

// Status returns the current status, the installed view and, while
// changing, the view being moved to.
func (m *Manager) Status() (Status, ordering.ViewNo, ordering.ViewNo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.view, m.candidate
}

// View returns the installed view.
func (m *Manager) View() ordering.ViewNo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// target is the view the replica is currently heading for. Must be called
// with m.mu held.
func (m *Manager) target() ordering.ViewNo {
	if m.status == StatusViewChanging {
		return m.candidate
	}
	return m.view
}

// Start moves the replica to VIEW_CHANGING for candidate and returns its
// signed VIEW-CHANGE. The message log must already have been advanced so
// that no further votes are accepted in the old view.
func (m *Manager) Start(candidate ordering.ViewNo) (message.ViewChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.target().Less(candidate) {
		return message.ViewChange{}, fmt.Errorf("%w: %s, heading for %s", ErrStaleView, candidate, m.target())
	}

	stable := m.opts.Log.Stable()
	vc := message.ViewChange{
		View:     candidate,
		Stable:   stable,
		Prepared: m.opts.Log.PreparedCertificatesAbove(stable.Seq),
		Signer:   m.opts.Self,
	}
	sig, err := m.opts.Signer.Sign(vc.SigningBytes())
	if err != nil {
		return message.ViewChange{}, fmt.Errorf("sign view-change: %w", err)
	}
	vc.Signature = sig

	m.status = StatusViewChanging
	m.candidate = candidate
	m.assembled = false
	m.latest[m.opts.Self] = vc
	logger.Infof("%s: view change %s -> %s, stable %s, %d prepared", m.opts.Self, m.view, candidate, stable.Seq, len(vc.Prepared))
	return vc, nil
}

// Add stores a VIEW-CHANGE that passed Validate. When f+1 distinct replicas
// asked for views above the one this replica is heading for, it returns the
// smallest of those views: at least one correct replica wants to leave, so
// waiting for the local timer only delays recovery.
func (m *Manager) Add(vc message.ViewChange) (ordering.ViewNo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.view.Less(vc.View) {
		return ordering.ViewNo{}, false
	}
	if prev, ok := m.latest[vc.Signer]; ok && !prev.View.Less(vc.View) {
		return ordering.ViewNo{}, false
	}
	m.latest[vc.Signer] = vc

	target := m.target()
	var above []ordering.ViewNo
	for id, o := range m.latest {
		if id != m.opts.Self && target.Less(o.View) {
			above = append(above, o.View)
		}
	}
	if len(above) < m.opts.F+1 {
		return ordering.ViewNo{}, false
	}
	sort.Slice(above, func(i, j int) bool { return above[i].Less(above[j]) })
	return above[0], true
}

// Ready reports whether this replica leads the candidate view and holds
// 2f+1 VIEW-CHANGE messages for it, its own included. It turns false once
// Assemble succeeded.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusViewChanging || m.assembled {
		return false
	}
	if m.opts.Log.Leader(m.candidate) != m.opts.Self {
		return false
	}
	return len(m.supporting(m.candidate)) >= m.opts.Log.Quorum()
}

// supporting must be called with m.mu held.
func (m *Manager) supporting(view ordering.ViewNo) []message.ViewChange {
	out := make([]message.ViewChange, 0, len(m.latest))
	for _, vc := range m.latest {
		if vc.View == view {
			out = append(out, vc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Signer < out[j].Signer })
	return out
}

// Assemble builds the signed NEW-VIEW for view from the stored VIEW-CHANGE
// messages.
func (m *Manager) Assemble(view ordering.ViewNo) (message.NewView, error) {
	if m.opts.Log.Leader(view) != m.opts.Self {
		return message.NewView{}, fmt.Errorf("%w: %s", ErrNotLeader, view)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	vcs := m.supporting(view)
	if len(vcs) < m.opts.Log.Quorum() {
		return message.NewView{}, fmt.Errorf("%w: %d of %d", ErrNoQuorum, len(vcs), m.opts.Log.Quorum())
	}

	p := m.plan(vcs)
	nv := message.NewView{View: view, ViewChanges: vcs, Signer: m.opts.Self}
	for _, seq := range p.seqs {
		pp := message.PrePrepare{
			Header: message.Vote{
				Phase:  message.PhasePrePrepare,
				View:   view,
				Seq:    seq,
				Signer: m.opts.Self,
			},
		}
		if pc, ok := p.certs[seq]; ok {
			pp.Batch = pc.PrePrepare.Batch
		}
		pp.Header.Digest = m.opts.Hasher.Sum(message.EncodeBatch(pp.Batch))
		sig, err := m.opts.Signer.Sign(pp.Header.SigningBytes())
		if err != nil {
			return message.NewView{}, fmt.Errorf("sign re-proposal %s: %w", seq, err)
		}
		pp.Header.Signature = sig
		nv.PrePrepares = append(nv.PrePrepares, pp)
	}

	sig, err := m.opts.Signer.Sign(nv.SigningBytes())
	if err != nil {
		return message.NewView{}, fmt.Errorf("sign new-view: %w", err)
	}
	nv.Signature = sig
	m.assembled = true
	logger.Infof("%s: new-view %s from %d view-changes, stable %s, %d re-proposals",
		m.opts.Self, view, len(vcs), p.stable.Seq, len(nv.PrePrepares))
	return nv, nil
}

// Install leaves VIEW_CHANGING and makes view the current one.
func (m *Manager) Install(view ordering.ViewNo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if view.Less(m.view) {
		return
	}
	m.status = StatusNormal
	m.view = view
	m.candidate = view
	m.assembled = false
	for id, vc := range m.latest {
		if !m.view.Less(vc.View) {
			delete(m.latest, id)
		}
	}
	logger.Infof("%s: installed view %s", m.opts.Self, view)
}

type plan struct {
	stable message.Certificate
	seqs   []ordering.SeqNo
	certs  map[ordering.SeqNo]message.PreparedCert
}

// plan picks the highest stable checkpoint among vcs and, for every
// sequence between it and the highest prepared one, the certificate of the
// highest view. Sequences nobody prepared get a null batch.
func (m *Manager) plan(vcs []message.ViewChange) plan {
	p := plan{certs: make(map[ordering.SeqNo]message.PreparedCert)}
	for _, vc := range vcs {
		if p.stable.Seq.Less(vc.Stable.Seq) {
			p.stable = vc.Stable
		}
	}

	maxS := p.stable.Seq
	for _, vc := range vcs {
		for _, pc := range vc.Prepared {
			seq := pc.Seq()
			if seq.LessEq(p.stable.Seq) {
				continue
			}
			if prev, ok := p.certs[seq]; ok && !prev.View().Less(pc.View()) {
				continue
			}
			p.certs[seq] = pc
			maxS = maxS.Max(seq)
		}
	}
	for seq := p.stable.Seq.Next(); seq.LessEq(maxS); seq = seq.Next() {
		p.seqs = append(p.seqs, seq)
	}
	return p
}

// Validate checks a VIEW-CHANGE: the signature, that it asks for a view not
// yet installed, the stable checkpoint proof and every prepared certificate.
func (m *Manager) Validate(vc message.ViewChange) error {
	if !m.opts.Log.IsMember(vc.Signer) {
		return fmt.Errorf("%w: %s", ErrNotMember, vc.Signer)
	}
	if err := crypto.VerifySigned(m.opts.Verifier, vc); err != nil {
		return fmt.Errorf("%w: view-change from %s: %v", ErrBadSig, vc.Signer, err)
	}
	if installed := m.View(); !installed.Less(vc.View) {
		return fmt.Errorf("%w: %s from %s", ErrStaleView, vc.View, vc.Signer)
	}
	return m.validateContent(vc)
}

func (m *Manager) validateContent(vc message.ViewChange) error {
	if len(vc.Stable.Votes) == 0 {
		if !vc.Stable.Seq.IsZero() || !vc.Stable.Digest.IsZero() {
			return fmt.Errorf("%w: unproven checkpoint %s", ErrBadStable, vc.Stable.Seq)
		}
	} else {
		if vc.Stable.Phase != message.PhaseCheckpoint {
			return fmt.Errorf("%w: %s certificate", ErrBadStable, vc.Stable.Phase)
		}
		if err := m.opts.Log.VerifyCertificate(vc.Stable); err != nil {
			return fmt.Errorf("%w: %v", ErrBadStable, err)
		}
	}

	window := ordering.Window{Low: vc.Stable.Seq, Size: m.opts.Window}
	seen := make(map[ordering.SeqNo]struct{}, len(vc.Prepared))
	for _, pc := range vc.Prepared {
		if _, dup := seen[pc.Seq()]; dup {
			return fmt.Errorf("%w: two certificates for %s", ErrBadPrepared, pc.Seq())
		}
		seen[pc.Seq()] = struct{}{}
		if !pc.View().Less(vc.View) {
			return fmt.Errorf("%w: %s is not below %s", ErrBadPrepared, pc.View(), vc.View)
		}
		if !window.Contains(pc.Seq()) {
			return fmt.Errorf("%w: %s outside %s", ErrBadPrepared, pc.Seq(), window)
		}
		if err := m.validatePrepared(pc); err != nil {
			return err
		}
	}
	return nil
}

// validatePrepared checks the leader's header, the batch and 2f distinct
// matching PREPARE votes from other replicas.
func (m *Manager) validatePrepared(pc message.PreparedCert) error {
	h := pc.PrePrepare.Header
	leader := m.opts.Log.Leader(h.View)
	if h.Phase != message.PhasePrePrepare || h.Signer != leader {
		return fmt.Errorf("%w: header %s", ErrBadPrepared, h)
	}
	if err := crypto.VerifySigned(m.opts.Verifier, h); err != nil {
		return fmt.Errorf("%w: header %s: %v", ErrBadPrepared, h, err)
	}
	if m.opts.Hasher.Sum(message.EncodeBatch(pc.PrePrepare.Batch)) != h.Digest {
		return fmt.Errorf("%w: batch does not hash to %s", ErrBadPrepared, h.Digest)
	}

	signers := make(map[message.NodeID]struct{}, len(pc.Prepares))
	for _, v := range pc.Prepares {
		if v.Phase != message.PhasePrepare || v.View != h.View || v.Seq != h.Seq || v.Digest != h.Digest {
			return fmt.Errorf("%w: vote %s does not match %s", ErrBadPrepared, v, h)
		}
		if v.Signer == leader || !m.opts.Log.IsMember(v.Signer) {
			return fmt.Errorf("%w: prepare from %s", ErrBadPrepared, v.Signer)
		}
		if err := crypto.VerifySigned(m.opts.Verifier, v); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadPrepared, v, err)
		}
		signers[v.Signer] = struct{}{}
	}
	if len(signers) < 2*m.opts.F {
		return fmt.Errorf("%w: %d prepares for %s, need %d", ErrBadPrepared, len(signers), h.Seq, 2*m.opts.F)
	}
	return nil
}

// ValidateNewView checks that nv comes from the leader of its view, that it
// carries 2f+1 valid VIEW-CHANGE messages for that view and that its
// re-proposals are exactly the ones those messages determine.
func (m *Manager) ValidateNewView(nv message.NewView) (Installation, error) {
	leader := m.opts.Log.Leader(nv.View)
	if nv.Signer != leader {
		return Installation{}, fmt.Errorf("%w: %s signed new-view %s", ErrNotLeader, nv.Signer, nv.View)
	}
	if err := crypto.VerifySigned(m.opts.Verifier, nv); err != nil {
		return Installation{}, fmt.Errorf("%w: new-view %s: %v", ErrBadSig, nv.View, err)
	}
	if installed := m.View(); !installed.Less(nv.View) {
		return Installation{}, fmt.Errorf("%w: new-view %s", ErrStaleView, nv.View)
	}

	var errs []error
	valid := make([]message.ViewChange, 0, len(nv.ViewChanges))
	signers := make(map[message.NodeID]struct{}, len(nv.ViewChanges))
	for _, vc := range nv.ViewChanges {
		if vc.View != nv.View {
			errs = append(errs, fmt.Errorf("view-change from %s for %s", vc.Signer, vc.View))
			continue
		}
		if _, dup := signers[vc.Signer]; dup {
			continue
		}
		if err := m.Validate(vc); err != nil {
			errs = append(errs, err)
			continue
		}
		signers[vc.Signer] = struct{}{}
		valid = append(valid, vc)
	}
	if len(errs) > 0 {
		return Installation{}, flaterrors.Join(append([]error{ErrBadNewView}, errs...)...)
	}
	if len(valid) < m.opts.Log.Quorum() {
		return Installation{}, fmt.Errorf("%w: %d of %d", ErrNoQuorum, len(valid), m.opts.Log.Quorum())
	}

	p := m.plan(valid)
	if len(nv.PrePrepares) != len(p.seqs) {
		return Installation{}, fmt.Errorf("%w: %d re-proposals, expected %d", ErrBadNewView, len(nv.PrePrepares), len(p.seqs))
	}
	null := m.opts.Hasher.Sum(message.EncodeBatch(nil))
	for i, pp := range nv.PrePrepares {
		h := pp.Header
		want := null
		if pc, ok := p.certs[p.seqs[i]]; ok {
			want = pc.Digest()
		}
		if h.Phase != message.PhasePrePrepare || h.View != nv.View || h.Seq != p.seqs[i] || h.Signer != leader {
			return Installation{}, fmt.Errorf("%w: header %s", ErrBadNewView, h)
		}
		if h.Digest != want {
			return Installation{}, fmt.Errorf("%w: %s re-proposes %s, expected %s", ErrBadNewView, h.Seq, h.Digest, want)
		}
		if m.opts.Hasher.Sum(message.EncodeBatch(pp.Batch)) != h.Digest {
			return Installation{}, fmt.Errorf("%w: batch of %s does not hash to %s", ErrBadNewView, h.Seq, h.Digest)
		}
		if err := crypto.VerifySigned(m.opts.Verifier, h); err != nil {
			return Installation{}, fmt.Errorf("%w: %s: %v", ErrBadSig, h, err)
		}
	}
	return Installation{View: nv.View, Stable: p.stable, PrePrepares: nv.PrePrepares}, nil
}
