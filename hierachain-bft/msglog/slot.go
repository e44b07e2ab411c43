package msglog

import (
	"sort"
	"sync"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

// State is the agreement state of a slot.
type State uint8

const (
	StateEmpty State = iota
	StatePrePrepared
	StatePrepared
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "EMPTY"
	case StatePrePrepared:
		return "PRE_PREPARED"
	case StatePrepared:
		return "PREPARED"
	case StateCommitted:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// Key indexes slots in the log arena.
type Key struct {
	View ordering.ViewNo
	Seq  ordering.SeqNo
}

// SlotInfo is a read-only copy of a slot.
type SlotInfo struct {
	Key    Key
	State  State
	Digest message.Digest
	Batch  []message.Request
}

// slot is guarded by its own mutex; the log index only hands out pointers.
type slot struct {
	mu    sync.Mutex
	key   Key
	state State

	prePrepare *message.PrePrepare
	prepares   map[message.NodeID]message.Vote
	commits    map[message.NodeID]message.Vote

	prepareCert *message.Certificate
	commitCert  *message.Certificate

	prepared  chan struct{}
	committed chan struct{}
	aborted   chan struct{}
	abortErr  error
}

func newSlot(key Key) *slot {
	return &slot{
		key:       key,
		prepares:  make(map[message.NodeID]message.Vote),
		commits:   make(map[message.NodeID]message.Vote),
		prepared:  make(chan struct{}),
		committed: make(chan struct{}),
		aborted:   make(chan struct{}),
	}
}

// abort must be called with s.mu held.
func (s *slot) abort(err error) {
	if s.abortErr != nil {
		return
	}
	s.abortErr = err
	close(s.aborted)
}

// addVote must be called with s.mu held. It reports whether a certificate
// formed because of this vote.
func (s *slot) addVote(v message.Vote, leader message.NodeID, quorum int) (bool, error) {
	votes := s.prepares
	if v.Phase == message.PhaseCommit {
		votes = s.commits
	}
	if prev, ok := votes[v.Signer]; ok {
		if prev.Digest == v.Digest {
			return false, nil
		}
		return false, &EquivocationError{First: prev, Second: v}
	}
	votes[v.Signer] = v

	if v.Phase == message.PhasePrepare {
		return s.tryPrepare(leader, quorum), nil
	}
	return s.tryCommit(quorum), nil
}

// tryPrepare forms the prepare certificate once the proposal and 2f
// matching prepares from other replicas are present.
func (s *slot) tryPrepare(leader message.NodeID, quorum int) bool {
	if s.prepareCert != nil || s.prePrepare == nil {
		return false
	}
	digest := s.prePrepare.Header.Digest
	matching := make([]message.Vote, 0, len(s.prepares))
	for id, v := range s.prepares {
		if id != leader && v.Digest == digest {
			matching = append(matching, v)
		}
	}
	if len(matching)+1 < quorum {
		return false
	}
	sortVotes(matching)
	votes := make([]message.Vote, 0, len(matching)+1)
	votes = append(votes, s.prePrepare.Header)
	votes = append(votes, matching...)
	s.prepareCert = &message.Certificate{
		Phase:  message.PhasePrepare,
		View:   s.key.View,
		Seq:    s.key.Seq,
		Digest: digest,
		Votes:  votes,
	}
	s.state = StatePrepared
	close(s.prepared)
	s.promote()
	return true
}

func (s *slot) tryCommit(quorum int) bool {
	if s.commitCert != nil {
		return false
	}
	byDigest := make(map[message.Digest][]message.Vote)
	for _, v := range s.commits {
		byDigest[v.Digest] = append(byDigest[v.Digest], v)
	}
	for digest, votes := range byDigest {
		if len(votes) < quorum {
			continue
		}
		sortVotes(votes)
		s.commitCert = &message.Certificate{
			Phase:  message.PhaseCommit,
			View:   s.key.View,
			Seq:    s.key.Seq,
			Digest: digest,
			Votes:  votes,
		}
		s.promote()
		return true
	}
	return false
}

// promote moves a prepared slot to COMMITTED when a matching commit
// certificate exists.
func (s *slot) promote() {
	if s.state != StatePrepared || s.commitCert == nil {
		return
	}
	if s.commitCert.Digest != s.prepareCert.Digest {
		return
	}
	s.state = StateCommitted
	close(s.committed)
}

func (s *slot) preparedCert(leader message.NodeID) message.PreparedCert {
	prepares := make([]message.Vote, 0, len(s.prepareCert.Votes)-1)
	for _, v := range s.prepareCert.Votes {
		if v.Phase == message.PhasePrepare && v.Signer != leader {
			prepares = append(prepares, v)
		}
	}
	return message.PreparedCert{PrePrepare: clonePrePrepare(*s.prePrepare), Prepares: prepares}
}

func (s *slot) info() SlotInfo {
	info := SlotInfo{Key: s.key, State: s.state}
	if s.prePrepare != nil {
		info.Digest = s.prePrepare.Header.Digest
		info.Batch = append([]message.Request(nil), s.prePrepare.Batch...)
	}
	return info
}

func sortVotes(votes []message.Vote) {
	sort.Slice(votes, func(i, j int) bool { return votes[i].Signer < votes[j].Signer })
}

func cloneCert(c *message.Certificate) message.Certificate {
	out := *c
	out.Votes = append([]message.Vote(nil), c.Votes...)
	return out
}

func clonePrePrepare(pp message.PrePrepare) message.PrePrepare {
	pp.Batch = append([]message.Request(nil), pp.Batch...)
	return pp
}
