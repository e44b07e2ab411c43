package consensus

import (
	"sync"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// suspicion counts provable misbehaviour per peer. A peer reaching the
// threshold is distrusted: requests it forwards are ignored. Its votes still
// count, since signatures make them attributable.
type suspicion struct {
	threshold int

	mu         sync.Mutex
	counts     map[message.NodeID]int
	distrusted map[message.NodeID]bool
}

func newSuspicion(threshold int) *suspicion {
	return &suspicion{
		threshold:  threshold,
		counts:     make(map[message.NodeID]int),
		distrusted: make(map[message.NodeID]bool),
	}
}

// report adds one offence and tells whether id just became distrusted.
func (s *suspicion) report(id message.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[id]++
	if s.distrusted[id] || s.counts[id] < s.threshold {
		return false
	}
	s.distrusted[id] = true
	return true
}

func (s *suspicion) isDistrusted(id message.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.distrusted[id]
}

func (s *suspicion) count(id message.NodeID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[id]
}
