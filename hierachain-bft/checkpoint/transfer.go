package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

var (
	ErrTransferIdle   = errors.New("no state transfer in progress")
	ErrStaleReply     = errors.New("reply to another query")
	ErrUnexpectedPeer = errors.New("reply from a non-member")
	ErrDigestMismatch = errors.New("snapshot does not match reply digest")
)

// Step is the stage of a state transfer.
type Step uint8

const (
	StepIdle Step = iota
	StepLatestSeq
	StepState
)

func (s Step) String() string {
	switch s {
	case StepIdle:
		return "idle"
	case StepLatestSeq:
		return "latest-seq"
	case StepState:
		return "state"
	default:
		return "unknown"
	}
}

// TransferOptions configures a StateTransfer.
type TransferOptions struct {
	Self        message.NodeID
	Members     []message.NodeID
	F           int
	BaseTimeout time.Duration
	MaxTimeout  time.Duration
	Hasher      crypto.Hasher
}

// Result is a snapshot confirmed by 2f+1 distinct replicas.
type Result struct {
	Snapshot Snapshot
	Encoded  []byte
	Digest   message.Digest
	// View is the highest view reported by at least f+1 of the confirming
	// replicas, so at least one correct replica reached it.
	View ordering.ViewNo
}

// Outcome tells the caller what to do after a reply was handled. At most
// one of Next, Install and UpToDate is set. Faulty lists the replicas whose
// snapshot did not match the digest they vouched for.
type Outcome struct {
	Next     *message.CstRequest
	Install  *Result
	UpToDate bool
	Faulty   []message.NodeID
}

// StateTransfer runs the two-step recovery exchange. First it asks every
// peer for its latest delivered sequence and settles on a value reported by
// f+1 of them. Then it asks for the state at that sequence and accepts a
// snapshot only once 2f+1 distinct replicas vouch for the same (seq,
// digest) and the snapshot re-hashes to that digest. Snapshots are only
// decoded once their (seq, digest) has a quorum, so a faulty peer cannot
// make the replica decode arbitrary data. Every request carries a fresh
// query id; replies to older queries and repeated replies from one peer are
// ignored.
type StateTransfer struct {
	opts    TransferOptions
	members map[message.NodeID]struct{}

	mu      sync.Mutex
	step    Step
	query   uint64
	from    ordering.SeqNo
	target  ordering.SeqNo
	timeout time.Duration
	latest  map[message.NodeID]message.CstReply
	states  map[message.NodeID]message.CstReply
	spoiled map[message.NodeID]bool
}

// NewStateTransfer creates an idle state transfer.
func NewStateTransfer(opts TransferOptions) *StateTransfer {
	members := make(map[message.NodeID]struct{}, len(opts.Members))
	for _, id := range opts.Members {
		members[id] = struct{}{}
	}
	if opts.MaxTimeout < opts.BaseTimeout {
		opts.MaxTimeout = opts.BaseTimeout
	}
	return &StateTransfer{opts: opts, members: members, timeout: opts.BaseTimeout}
}

// Active reports whether a transfer is in progress.
func (st *StateTransfer) Active() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.step != StepIdle
}

// Timeout returns how long to wait for replies before retrying.
func (st *StateTransfer) Timeout() time.Duration {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.timeout
}

// Begin starts a transfer for a replica that delivered up to from. A
// transfer already in progress is restarted.
func (st *StateTransfer) Begin(from ordering.SeqNo) message.CstRequest {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.from = from
	return st.enter(StepLatestSeq)
}

// Retry re-issues the current step under a new query id and doubles the
// timeout, so that a different set of peers gets the chance to answer.
func (st *StateTransfer) Retry() (message.CstRequest, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.step == StepIdle {
		return message.CstRequest{}, ErrTransferIdle
	}
	st.timeout *= 2
	if st.timeout > st.opts.MaxTimeout {
		st.timeout = st.opts.MaxTimeout
	}
	logger.Debugf("state transfer %s retry, timeout now %s", st.step, st.timeout)
	return st.enter(st.step), nil
}

// Abort drops the transfer in progress.
func (st *StateTransfer) Abort() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.finish()
}

// enter must be called with st.mu held.
func (st *StateTransfer) enter(step Step) message.CstRequest {
	st.step = step
	st.query++
	st.latest = make(map[message.NodeID]message.CstReply)
	st.states = make(map[message.NodeID]message.CstReply)
	st.spoiled = make(map[message.NodeID]bool)

	req := message.CstRequest{Query: st.query, Signer: st.opts.Self}
	switch step {
	case StepLatestSeq:
		req.Kind = message.CstLatestSeq
		req.FromSeq = st.from
	case StepState:
		req.Kind = message.CstState
		req.FromSeq = st.target
	}
	return req
}

// finish must be called with st.mu held.
func (st *StateTransfer) finish() {
	st.step = StepIdle
	st.latest = nil
	st.states = nil
	st.spoiled = nil
	st.timeout = st.opts.BaseTimeout
}

// Handle processes a reply whose signature was already verified.
func (st *StateTransfer) Handle(r message.CstReply) (Outcome, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.step == StepIdle {
		return Outcome{}, ErrTransferIdle
	}
	if r.Query != st.query {
		return Outcome{}, fmt.Errorf("%w: query %d, current %d", ErrStaleReply, r.Query, st.query)
	}
	if _, ok := st.members[r.Signer]; !ok || r.Signer == st.opts.Self {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnexpectedPeer, r.Signer)
	}

	switch {
	case st.step == StepLatestSeq && r.Kind == message.CstLatestSeq:
		return st.handleLatest(r), nil
	case st.step == StepState && r.Kind == message.CstState:
		return st.handleState(r)
	default:
		return Outcome{}, fmt.Errorf("%w: %s reply during %s", ErrStaleReply, r.Kind, st.step)
	}
}

func (st *StateTransfer) handleLatest(r message.CstReply) Outcome {
	if _, dup := st.latest[r.Signer]; dup {
		return Outcome{}
	}
	st.latest[r.Signer] = r
	if len(st.latest) < st.opts.F+1 {
		return Outcome{}
	}

	seqs := make([]ordering.SeqNo, 0, len(st.latest))
	for _, rep := range st.latest {
		seqs = append(seqs, rep.Seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[j].Less(seqs[i]) })
	target := seqs[st.opts.F]

	if target.LessEq(st.from) {
		logger.Debugf("state transfer: peers at %s, local at %s, nothing to fetch", target, st.from)
		st.finish()
		return Outcome{UpToDate: true}
	}
	st.target = target
	next := st.enter(StepState)
	return Outcome{Next: &next}
}

func (st *StateTransfer) handleState(r message.CstReply) (Outcome, error) {
	if _, dup := st.states[r.Signer]; dup || st.spoiled[r.Signer] {
		return Outcome{}, nil
	}
	st.states[r.Signer] = r

	var group []message.CstReply
	for _, s := range st.states {
		if s.Seq == r.Seq && s.Digest == r.Digest {
			group = append(group, s)
		}
	}
	if len(group) < 2*st.opts.F+1 {
		return Outcome{}, nil
	}
	sort.Slice(group, func(i, j int) bool { return group[i].Signer < group[j].Signer })

	// The digest has a quorum, so at least f+1 correct replicas hold this
	// state; any snapshot that re-hashes to it will do.
	var out Outcome
	for _, cand := range group {
		snap, err := Decode(cand.Snapshot)
		if err == nil && (snap.Seq != cand.Seq || snap.Digest(st.opts.Hasher) != cand.Digest) {
			err = ErrDigestMismatch
		}
		if err != nil {
			logger.Warnf("state transfer: snapshot from %s at %s: %v", cand.Signer, cand.Seq, err)
			delete(st.states, cand.Signer)
			st.spoiled[cand.Signer] = true
			out.Faulty = append(out.Faulty, cand.Signer)
			continue
		}

		views := make([]ordering.ViewNo, 0, len(group))
		for _, s := range group {
			views = append(views, s.View)
		}
		sort.Slice(views, func(i, j int) bool { return views[j].Less(views[i]) })

		st.finish()
		if snap.Seq.LessEq(st.from) {
			out.UpToDate = true
			return out, nil
		}
		out.Install = &Result{
			Snapshot: snap,
			Encoded:  cand.Snapshot,
			Digest:   cand.Digest,
			View:     views[st.opts.F],
		}
		return out, nil
	}
	return out, nil
}
