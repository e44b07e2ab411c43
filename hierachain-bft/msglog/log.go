// Package msglog stores protocol votes per (view, seq) and turns them into
// quorum certificates.
//
// Slots live in one arena indexed by Key. The index is guarded by a
// read/write lock while every slot carries its own mutex, so inserts into
// the same slot are serialized and inserts into different slots proceed in
// parallel. Lock order is index, then slot; the carried certificate table and
// the checkpoint stripes are leaves and never take the index lock.
package msglog

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	logging "github.com/ipfs/go-log/v2"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

var logger = logging.Logger("bft/msglog")

const checkpointStripes = 16

// Options configures a Log.
type Options struct {
	Members  []message.NodeID
	F        int
	Window   uint64
	Verifier crypto.Verifier
	Hasher   crypto.Hasher
}

// Log is the message log of one replica.
type Log struct {
	members map[message.NodeID]int
	order   []message.NodeID
	quorum  int
	verify  crypto.Verifier
	hasher  crypto.Hasher

	mu     sync.RWMutex
	view   ordering.ViewNo
	window ordering.Window
	slots  map[Key]*slot
	stable message.Certificate

	stableChanged chan struct{}

	carriedMu sync.RWMutex
	carried   map[ordering.SeqNo]message.PreparedCert

	stripes [checkpointStripes]checkpointStripe
}

type checkpointStripe struct {
	mu    sync.Mutex
	votes map[ordering.SeqNo]map[message.NodeID]message.Vote
	certs map[ordering.SeqNo]*message.Certificate
}

// New creates an empty log at view zero with the low watermark at genesis.
func New(opts Options) *Log {
	order := append([]message.NodeID(nil), opts.Members...)
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	members := make(map[message.NodeID]int, len(order))
	for i, id := range order {
		members[id] = i
	}

	l := &Log{
		members:       members,
		order:         order,
		quorum:        2*opts.F + 1,
		verify:        opts.Verifier,
		hasher:        opts.Hasher,
		window:        ordering.Window{Low: ordering.ZeroSeq, Size: opts.Window},
		slots:         make(map[Key]*slot),
		stableChanged: make(chan struct{}),
		carried:       make(map[ordering.SeqNo]message.PreparedCert),
	}
	for i := range l.stripes {
		l.stripes[i].votes = make(map[ordering.SeqNo]map[message.NodeID]message.Vote)
		l.stripes[i].certs = make(map[ordering.SeqNo]*message.Certificate)
	}
	return l
}

// Quorum returns the certificate threshold 2f+1.
func (l *Log) Quorum() int { return l.quorum }

// Leader returns the leader of view v.
func (l *Log) Leader(v ordering.ViewNo) message.NodeID {
	return l.order[v.LeaderIndex(len(l.order))]
}

// IsMember reports whether id belongs to the membership.
func (l *Log) IsMember(id message.NodeID) bool {
	_, ok := l.members[id]
	return ok
}

// View returns the view the log currently accepts votes for.
func (l *Log) View() ordering.ViewNo {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.view
}

// Window returns the current watermarks.
func (l *Log) Window() ordering.Window {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.window
}

// Len returns the number of slots held by the arena.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.slots)
}

// Stable returns the certificate of the last stable checkpoint. At genesis
// it is the zero certificate.
func (l *Log) Stable() message.Certificate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stable
}

// Record stores a signed PREPARE, COMMIT or CHECKPOINT vote. It reports
// whether the vote completed a new quorum certificate.
func (l *Log) Record(v message.Vote) (bool, error) {
	if !l.IsMember(v.Signer) {
		return false, fmt.Errorf("%w: %s", ErrNotMember, v.Signer)
	}
	switch v.Phase {
	case message.PhasePrepare, message.PhaseCommit:
		return l.recordSlotVote(v)
	case message.PhaseCheckpoint:
		return l.recordCheckpoint(v)
	default:
		return false, fmt.Errorf("%w: %s", ErrWrongPhase, v.Phase)
	}
}

func (l *Log) recordSlotVote(v message.Vote) (bool, error) {
	if v.Phase == message.PhasePrepare && v.Signer == l.Leader(v.View) {
		return false, ErrLeaderPrepare
	}
	if err := l.admit(v.View, v.Seq); err != nil {
		return false, err
	}
	if err := l.checkSignature(v); err != nil {
		return false, err
	}

	s, err := l.slotFor(Key{View: v.View, Seq: v.Seq})
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	if s.abortErr != nil {
		s.mu.Unlock()
		return false, s.abortErr
	}
	formed, err := s.addVote(v, l.Leader(v.View), l.quorum)
	carry := formed && v.Phase == message.PhasePrepare
	var pc message.PreparedCert
	if carry {
		pc = s.preparedCert(l.Leader(v.View))
	}
	s.mu.Unlock()

	if carry {
		l.carry(pc)
	}
	return formed, err
}

// RecordPrePrepare stores the leader's proposal. It is the only way a slot
// leaves EMPTY. A second proposal with a different digest for the same slot
// returns an EquivocationError holding both headers.
func (l *Log) RecordPrePrepare(pp message.PrePrepare) (bool, error) {
	h := pp.Header
	if h.Phase != message.PhasePrePrepare {
		return false, fmt.Errorf("%w: %s", ErrWrongPhase, h.Phase)
	}
	leader := l.Leader(h.View)
	if h.Signer != leader {
		return false, fmt.Errorf("%w: got %s want %s", ErrNotLeader, h.Signer, leader)
	}
	if err := l.admit(h.View, h.Seq); err != nil {
		return false, err
	}
	if err := l.checkSignature(h); err != nil {
		return false, err
	}
	if l.hasher != nil && l.hasher.Sum(message.EncodeBatch(pp.Batch)) != h.Digest {
		return false, ErrDigestMismatch
	}

	s, err := l.slotFor(Key{View: h.View, Seq: h.Seq})
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	if s.abortErr != nil {
		s.mu.Unlock()
		return false, s.abortErr
	}
	if s.prePrepare != nil {
		prev := s.prePrepare.Header
		s.mu.Unlock()
		if prev.Digest == h.Digest {
			return false, nil
		}
		return false, &EquivocationError{First: prev, Second: h}
	}
	stored := clonePrePrepare(pp)
	s.prePrepare = &stored
	s.state = StatePrePrepared
	formed := s.tryPrepare(leader, l.quorum)
	var pc message.PreparedCert
	if formed {
		pc = s.preparedCert(leader)
	}
	s.mu.Unlock()

	if formed {
		l.carry(pc)
	}
	return formed, nil
}

// admit checks view eligibility and the watermark window.
func (l *Log) admit(view ordering.ViewNo, seq ordering.SeqNo) error {
	l.mu.RLock()
	current, window := l.view, l.window
	l.mu.RUnlock()

	switch c := view.Compare(current); {
	case c < 0:
		return fmt.Errorf("%w: %s < %s", ErrStaleView, view, current)
	case c > 0:
		return fmt.Errorf("%w: %s > %s", ErrFutureView, view, current)
	}
	if err := window.Check(seq); err != nil {
		return fmt.Errorf("%w: %s not in %s", ErrOutOfWindow, seq, window)
	}
	return nil
}

func (l *Log) checkSignature(v message.Vote) error {
	if l.verify == nil {
		return nil
	}
	if err := crypto.VerifySigned(l.verify, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// slotFor returns the slot for key, creating it. The admission checks are
// repeated under the index lock since a concurrent prune or view change may
// have moved the log on.
func (l *Log) slotFor(key Key) (*slot, error) {
	l.mu.RLock()
	s, ok := l.slots[key]
	l.mu.RUnlock()
	if ok {
		return s, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.slots[key]; ok {
		return s, nil
	}
	if key.View != l.view {
		return nil, fmt.Errorf("%w: %s", ErrViewChanged, key.View)
	}
	if !l.window.Contains(key.Seq) {
		return nil, fmt.Errorf("%w: %s not in %s", ErrOutOfWindow, key.Seq, l.window)
	}
	s = newSlot(key)
	l.slots[key] = s
	return s, nil
}

func (l *Log) lookup(key Key) (*slot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.slots[key]
	return s, ok
}

// carry remembers the highest-view prepared certificate of each sequence so
// that it survives the slot being discarded by a view change.
func (l *Log) carry(pc message.PreparedCert) {
	l.carriedMu.Lock()
	defer l.carriedMu.Unlock()
	if prev, ok := l.carried[pc.Seq()]; ok && !prev.View().Less(pc.View()) {
		return
	}
	l.carried[pc.Seq()] = pc
}

// CertificateFor returns the certificate of a slot in the given phase.
// Checkpoint certificates are indexed by sequence only; view is ignored.
func (l *Log) CertificateFor(view ordering.ViewNo, seq ordering.SeqNo, phase message.Phase) (message.Certificate, bool) {
	if phase == message.PhaseCheckpoint {
		st := l.stripe(seq)
		st.mu.Lock()
		defer st.mu.Unlock()
		if c, ok := st.certs[seq]; ok {
			return cloneCert(c), true
		}
		stable := l.Stable()
		if stable.Seq == seq && len(stable.Votes) > 0 {
			return stable, true
		}
		return message.Certificate{}, false
	}

	s, ok := l.lookup(Key{View: view, Seq: seq})
	if !ok {
		return message.Certificate{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var c *message.Certificate
	switch phase {
	case message.PhasePrepare:
		c = s.prepareCert
	case message.PhaseCommit:
		c = s.commitCert
	}
	if c == nil {
		return message.Certificate{}, false
	}
	return cloneCert(c), true
}

// Slot returns a copy of the slot at (view, seq).
func (l *Log) Slot(view ordering.ViewNo, seq ordering.SeqNo) (SlotInfo, bool) {
	s, ok := l.lookup(Key{View: view, Seq: seq})
	if !ok {
		return SlotInfo{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info(), true
}

// PreparedCertificatesAbove returns, per sequence above seq, the prepared
// certificate of the highest view this replica has seen prepare. Slots that
// went on to commit are included: a committed value must be carried into
// the next view like any other prepared one.
func (l *Log) PreparedCertificatesAbove(seq ordering.SeqNo) []message.PreparedCert {
	l.carriedMu.RLock()
	out := make([]message.PreparedCert, 0, len(l.carried))
	for s, pc := range l.carried {
		if seq.Less(s) {
			out = append(out, message.PreparedCert{
				PrePrepare: clonePrePrepare(pc.PrePrepare),
				Prepares:   append([]message.Vote(nil), pc.Prepares...),
			})
		}
	}
	l.carriedMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq().Less(out[j].Seq()) })
	return out
}

// Prune discards every slot, carried certificate and checkpoint vote at or
// below upTo and moves the low watermark there. Waits on pruned slots fail
// with ErrPruned.
func (l *Log) Prune(upTo ordering.SeqNo) {
	l.mu.Lock()
	if !l.window.Advance(upTo) {
		l.mu.Unlock()
		return
	}
	var dropped []*slot
	for key, s := range l.slots {
		if key.Seq.LessEq(upTo) {
			dropped = append(dropped, s)
			delete(l.slots, key)
		}
	}
	window := l.window
	l.mu.Unlock()

	for _, s := range dropped {
		s.mu.Lock()
		s.abort(ErrPruned)
		s.mu.Unlock()
	}

	l.carriedMu.Lock()
	for seq := range l.carried {
		if seq.LessEq(upTo) {
			delete(l.carried, seq)
		}
	}
	l.carriedMu.Unlock()

	for i := range l.stripes {
		st := &l.stripes[i]
		st.mu.Lock()
		for seq := range st.votes {
			if seq.LessEq(upTo) {
				delete(st.votes, seq)
			}
		}
		for seq := range st.certs {
			if seq.LessEq(upTo) {
				delete(st.certs, seq)
			}
		}
		st.mu.Unlock()
	}
	logger.Debugf("pruned log up to %s, window now %s, %d slots dropped", upTo, window, len(dropped))
}

// Stabilize records cert as the stable checkpoint and prunes up to it.
func (l *Log) Stabilize(cert message.Certificate) {
	l.mu.Lock()
	if !l.stable.Seq.Less(cert.Seq) && len(l.stable.Votes) > 0 {
		l.mu.Unlock()
		return
	}
	l.stable = cloneCert(&cert)
	close(l.stableChanged)
	l.stableChanged = make(chan struct{})
	l.mu.Unlock()

	l.Prune(cert.Seq)
}

// AdvanceView moves the log to view v. Slots of older views are discarded,
// after their prepared certificates were carried, and their waits fail with
// ErrViewChanged.
func (l *Log) AdvanceView(v ordering.ViewNo) {
	l.mu.Lock()
	if !l.view.Less(v) {
		l.mu.Unlock()
		return
	}
	l.view = v
	var dropped []*slot
	for key, s := range l.slots {
		if key.View.Less(v) {
			dropped = append(dropped, s)
			delete(l.slots, key)
		}
	}
	l.mu.Unlock()

	for _, s := range dropped {
		s.mu.Lock()
		s.abort(ErrViewChanged)
		s.mu.Unlock()
	}
}

// WaitCertificate blocks until the slot at (view, seq) holds a certificate
// for phase, the slot is abandoned or ctx is done. Commit waits resolve
// only once the slot is COMMITTED.
func (l *Log) WaitCertificate(ctx context.Context, view ordering.ViewNo, seq ordering.SeqNo, phase message.Phase) (message.Certificate, error) {
	if phase != message.PhasePrepare && phase != message.PhaseCommit {
		return message.Certificate{}, fmt.Errorf("%w: %s", ErrWrongPhase, phase)
	}
	if err := l.admit(view, seq); err != nil {
		return message.Certificate{}, err
	}
	s, err := l.slotFor(Key{View: view, Seq: seq})
	if err != nil {
		return message.Certificate{}, err
	}
	done := s.prepared
	if phase == message.PhaseCommit {
		done = s.committed
	}

	select {
	case <-done:
	case <-s.aborted:
		s.mu.Lock()
		defer s.mu.Unlock()
		return message.Certificate{}, s.abortErr
	case <-ctx.Done():
		return message.Certificate{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if phase == message.PhasePrepare {
		return cloneCert(s.prepareCert), nil
	}
	return cloneCert(s.commitCert), nil
}

// WaitStable blocks until a checkpoint at or above seq is stable.
func (l *Log) WaitStable(ctx context.Context, seq ordering.SeqNo) (message.Certificate, error) {
	for {
		l.mu.RLock()
		stable, changed := l.stable, l.stableChanged
		l.mu.RUnlock()
		if len(stable.Votes) > 0 && seq.LessEq(stable.Seq) {
			return stable, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return message.Certificate{}, ctx.Err()
		}
	}
}

func (l *Log) stripe(seq ordering.SeqNo) *checkpointStripe {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq.Uint64())
	return &l.stripes[xxhash.Sum64(b[:])%checkpointStripes]
}

// recordCheckpoint accepts checkpoint votes anywhere inside the window.
func (l *Log) recordCheckpoint(v message.Vote) (bool, error) {
	if v.View != (ordering.ViewNo{}) {
		return false, fmt.Errorf("checkpoint vote in view %s", v.View)
	}
	window := l.Window()
	if err := window.Check(v.Seq); err != nil {
		return false, fmt.Errorf("%w: checkpoint %s not in %s", ErrOutOfWindow, v.Seq, window)
	}
	if err := l.checkSignature(v); err != nil {
		return false, err
	}

	st := l.stripe(v.Seq)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.certs[v.Seq]; ok {
		return false, nil
	}
	votes, ok := st.votes[v.Seq]
	if !ok {
		votes = make(map[message.NodeID]message.Vote)
		st.votes[v.Seq] = votes
	}
	if prev, ok := votes[v.Signer]; ok {
		if prev.Digest == v.Digest {
			return false, nil
		}
		return false, &EquivocationError{First: prev, Second: v}
	}
	votes[v.Signer] = v

	matching := make([]message.Vote, 0, len(votes))
	for _, o := range votes {
		if o.Digest == v.Digest {
			matching = append(matching, o)
		}
	}
	if len(matching) < l.quorum {
		return false, nil
	}
	sortVotes(matching)
	st.certs[v.Seq] = &message.Certificate{
		Phase:  message.PhaseCheckpoint,
		Seq:    v.Seq,
		Digest: v.Digest,
		Votes:  matching,
	}
	return true, nil
}

// CheckpointVotes returns how many distinct signers voted for (seq, digest).
func (l *Log) CheckpointVotes(seq ordering.SeqNo, digest message.Digest) int {
	st := l.stripe(seq)
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, v := range st.votes[seq] {
		if v.Digest == digest {
			n++
		}
	}
	return n
}

// VerifyCertificate checks that c carries a quorum of distinct, valid
// member votes of c's phase, view, sequence and digest. Checkpoint votes
// and certificates carry the zero view.
func (l *Log) VerifyCertificate(c message.Certificate) error {
	switch c.Phase {
	case message.PhasePrepare, message.PhaseCommit:
	case message.PhaseCheckpoint:
		if c.View != (ordering.ViewNo{}) {
			return fmt.Errorf("checkpoint certificate in view %s", c.View)
		}
	default:
		return fmt.Errorf("%w: %s certificate", ErrWrongPhase, c.Phase)
	}
	seen := make(map[message.NodeID]struct{}, len(c.Votes))
	for _, v := range c.Votes {
		if v.Phase != c.Phase {
			return fmt.Errorf("%w: %s vote in a %s certificate", ErrWrongPhase, v.Phase, c.Phase)
		}
		if v.Seq != c.Seq || v.Digest != c.Digest {
			return fmt.Errorf("certificate vote %s does not match", v)
		}
		if v.View != c.View {
			return fmt.Errorf("certificate vote %s from another view", v)
		}
		if !l.IsMember(v.Signer) {
			return fmt.Errorf("%w: %s", ErrNotMember, v.Signer)
		}
		if err := l.checkSignature(v); err != nil {
			return err
		}
		seen[v.Signer] = struct{}{}
	}
	if len(seen) < l.quorum {
		return fmt.Errorf("certificate has %d signers, need %d", len(seen), l.quorum)
	}
	return nil
}
