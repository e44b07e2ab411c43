// Package engine holds the pending client requests of a replica.
package engine

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// Common errors for mempool operations
var (
	ErrMempoolFull     = errors.New("mempool is full")
	ErrRequestExists   = errors.New("request already pending")
	ErrRequestNotFound = errors.New("request not found")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Priorities of pooled requests. Requests handed back after an abandoned
// proposal are ordered before fresh ones so they keep their place.
const (
	PriorityNormal   = 0
	PriorityRestored = 1
)

// entry is a pooled request.
type entry struct {
	req      message.Request
	priority int
	arrival  uint64
	added    time.Time
	index    int
}

// priorityQueue implements heap.Interface: higher priority first, then
// arrival order.
type priorityQueue []*entry

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].arrival < pq[j].arrival
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*pq)
	*pq = append(*pq, e)
}

func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil // avoid memory leak
	e.index = -1
	*pq = old[0 : n-1]
	return e
}

// Mempool keeps admitted requests until they are delivered. It is safe for
// concurrent use.
type Mempool struct {
	pending map[message.RequestKey]*entry
	queue   priorityQueue
	maxSize int
	arrival uint64
	mu      sync.RWMutex
}

// NewMempool creates a Mempool holding at most maxSize requests.
func NewMempool(maxSize int) *Mempool {
	m := &Mempool{
		pending: make(map[message.RequestKey]*entry),
		queue:   make(priorityQueue, 0),
		maxSize: maxSize,
	}
	heap.Init(&m.queue)
	return m
}

// Validate checks the fields every request must carry.
func Validate(req message.Request) error {
	if req.ClientID == [16]byte{} {
		return errors.New("client id is required")
	}
	if req.Timestamp == 0 {
		return errors.New("client timestamp is required")
	}
	return nil
}

// Add pools a request. It fails when the pool is full or the request is
// already pending.
func (m *Mempool) Add(req message.Request) error {
	if err := Validate(req); err != nil {
		return flaterrors.Join(ErrInvalidRequest, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.pending[req.Key()]; exists {
		return ErrRequestExists
	}
	if len(m.pending) >= m.maxSize {
		return ErrMempoolFull
	}
	m.push(req, PriorityNormal)
	return nil
}

// Restore hands requests back to the pool ahead of fresh ones. Capacity is
// not enforced since the requests were admitted before.
func (m *Mempool) Restore(reqs []message.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range reqs {
		if _, exists := m.pending[req.Key()]; exists {
			continue
		}
		m.push(req, PriorityRestored)
	}
}

// push must be called with m.mu held.
func (m *Mempool) push(req message.Request, priority int) {
	m.arrival++
	e := &entry{req: req, priority: priority, arrival: m.arrival, added: time.Now()}
	m.pending[req.Key()] = e
	heap.Push(&m.queue, e)
}

// Get returns a pending request without removing it.
func (m *Mempool) Get(key message.RequestKey) (message.Request, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pending[key]
	if !ok {
		return message.Request{}, false
	}
	return e.req, true
}

// Remove drops a request. It reports whether it was pending.
func (m *Mempool) Remove(key message.RequestKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(key)
}

// RemoveBatch drops every request of a batch.
func (m *Mempool) RemoveBatch(reqs []message.Request) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, req := range reqs {
		if m.remove(req.Key()) {
			n++
		}
	}
	return n
}

func (m *Mempool) remove(key message.RequestKey) bool {
	e, exists := m.pending[key]
	if !exists {
		return false
	}
	delete(m.pending, key)
	heap.Remove(&m.queue, e.index)
	return true
}

// PopBatch removes and returns up to n requests in proposal order.
func (m *Mempool) PopBatch(n int) []message.Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || len(m.queue) == 0 {
		return nil
	}
	if n > len(m.queue) {
		n = len(m.queue)
	}

	batch := make([]message.Request, 0, n)
	for i := 0; i < n; i++ {
		e := heap.Pop(&m.queue).(*entry)
		delete(m.pending, e.req.Key())
		batch = append(batch, e.req)
	}
	return batch
}

// Peek returns up to n requests in proposal order without removing them.
func (m *Mempool) Peek(n int) []message.Request {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if n <= 0 || len(m.queue) == 0 {
		return nil
	}
	if n > len(m.queue) {
		n = len(m.queue)
	}

	sorted := make(priorityQueue, len(m.queue))
	for i, e := range m.queue {
		c := *e
		sorted[i] = &c
	}
	heap.Init(&sorted)

	batch := make([]message.Request, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, heap.Pop(&sorted).(*entry).req)
	}
	return batch
}

// Oldest returns when the longest waiting request was added.
func (m *Mempool) Oldest() (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest time.Time
	for _, e := range m.queue {
		if oldest.IsZero() || e.added.Before(oldest) {
			oldest = e.added
		}
	}
	return oldest, !oldest.IsZero()
}

// Size returns the current number of pending requests.
func (m *Mempool) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// IsFull returns true if the mempool has reached its maximum size.
func (m *Mempool) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending) >= m.maxSize
}

// Clear removes all requests from the mempool.
func (m *Mempool) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pending = make(map[message.RequestKey]*entry)
	m.queue = make(priorityQueue, 0)
	heap.Init(&m.queue)
}

// MempoolStats contains mempool statistics.
type MempoolStats struct {
	Size      int `json:"size"`
	MaxSize   int `json:"max_size"`
	Available int `json:"available"`
}

func (m *Mempool) Stats() MempoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	available := m.maxSize - len(m.pending)
	if available < 0 {
		available = 0
	}
	return MempoolStats{
		Size:      len(m.pending),
		MaxSize:   m.maxSize,
		Available: available,
	}
}

// Contains checks if a request is pending.
func (m *Mempool) Contains(key message.RequestKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.pending[key]
	return exists
}
