package engine

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

func newRequest(ts uint64) message.Request {
	return message.Request{ClientID: uuid.New(), Timestamp: ts, Operation: []byte("op")}
}

func TestNewMempool(t *testing.T) {
	m := NewMempool(100)
	if m == nil {
		t.Fatal("NewMempool returned nil")
	}
	if m.Size() != 0 {
		t.Errorf("Expected size 0, got %d", m.Size())
	}
	if m.maxSize != 100 {
		t.Errorf("Expected maxSize 100, got %d", m.maxSize)
	}
}

func TestMempoolAdd(t *testing.T) {
	m := NewMempool(10)

	if err := m.Add(newRequest(1)); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if m.Size() != 1 {
		t.Errorf("Expected size 1, got %d", m.Size())
	}
}

func TestMempoolAddInvalid(t *testing.T) {
	m := NewMempool(10)

	err := m.Add(message.Request{Timestamp: 1})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", err)
	}
	err = m.Add(message.Request{ClientID: uuid.New()})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest for zero timestamp, got %v", err)
	}
}

func TestMempoolAddDuplicate(t *testing.T) {
	m := NewMempool(10)
	req := newRequest(1)

	_ = m.Add(req)
	if err := m.Add(req); err != ErrRequestExists {
		t.Errorf("Expected ErrRequestExists, got %v", err)
	}
}

func TestMempoolFull(t *testing.T) {
	m := NewMempool(2)
	for i := 0; i < 2; i++ {
		_ = m.Add(newRequest(uint64(i + 1)))
	}

	if err := m.Add(newRequest(9)); err != ErrMempoolFull {
		t.Errorf("Expected ErrMempoolFull, got %v", err)
	}
	if !m.IsFull() {
		t.Error("Expected IsFull")
	}
	if m.Stats().Available != 0 {
		t.Errorf("Expected no room left, got %d", m.Stats().Available)
	}
}

func TestMempoolGetAndRemove(t *testing.T) {
	m := NewMempool(10)
	req := newRequest(1)
	_ = m.Add(req)

	got, ok := m.Get(req.Key())
	if !ok || got.ClientID != req.ClientID {
		t.Fatal("Get did not return the pooled request")
	}
	if !m.Remove(req.Key()) {
		t.Error("Remove should return true")
	}
	if m.Remove(req.Key()) {
		t.Error("Second remove should return false")
	}
	if m.Size() != 0 {
		t.Errorf("Expected size 0, got %d", m.Size())
	}
}

func TestMempoolPopBatchKeepsArrivalOrder(t *testing.T) {
	m := NewMempool(10)
	reqs := make([]message.Request, 5)
	for i := range reqs {
		reqs[i] = newRequest(uint64(i + 1))
		_ = m.Add(reqs[i])
	}

	batch := m.PopBatch(3)
	if len(batch) != 3 {
		t.Fatalf("Expected batch of 3, got %d", len(batch))
	}
	for i, req := range batch {
		if req.Key() != reqs[i].Key() {
			t.Errorf("Position %d: expected %s, got %s", i, reqs[i].Key(), req.Key())
		}
	}
	if m.Size() != 2 {
		t.Errorf("Expected 2 remaining, got %d", m.Size())
	}
}

func TestMempoolRestoreGoesFirst(t *testing.T) {
	m := NewMempool(1)
	fresh := newRequest(1)
	_ = m.Add(fresh)

	restored := []message.Request{newRequest(2), newRequest(3)}
	m.Restore(restored)

	if m.Size() != 3 {
		t.Fatalf("Restore must ignore capacity, size %d", m.Size())
	}
	peek := m.Peek(3)
	if peek[0].Key() != restored[0].Key() || peek[1].Key() != restored[1].Key() {
		t.Error("Restored requests should be proposed before fresh ones")
	}
	if peek[2].Key() != fresh.Key() {
		t.Error("Fresh request should come last")
	}
	if m.Size() != 3 {
		t.Error("Peek must not remove requests")
	}
}

func TestMempoolRemoveBatch(t *testing.T) {
	m := NewMempool(10)
	a, b, c := newRequest(1), newRequest(2), newRequest(3)
	_ = m.Add(a)
	_ = m.Add(b)
	_ = m.Add(c)

	if n := m.RemoveBatch([]message.Request{a, c, newRequest(4)}); n != 2 {
		t.Errorf("Expected 2 removed, got %d", n)
	}
	if !m.Contains(b.Key()) || m.Contains(a.Key()) {
		t.Error("Wrong requests removed")
	}
	if _, ok := m.Oldest(); !ok {
		t.Error("Oldest should report the remaining request")
	}
	m.Clear()
	if _, ok := m.Oldest(); ok {
		t.Error("Oldest of an empty pool")
	}
}

func TestMempoolConcurrency(t *testing.T) {
	m := NewMempool(1000)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.Add(newRequest(uint64(base*100 + j + 1)))
			}
		}(i)
	}
	wg.Wait()

	if m.Size() != 500 {
		t.Errorf("Expected 500 requests, got %d", m.Size())
	}

	var popped sync.Map
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, req := range m.PopBatch(100) {
				if _, dup := popped.LoadOrStore(req.Key(), true); dup {
					t.Errorf("Request %s popped twice", req.Key())
				}
			}
		}()
	}
	wg.Wait()
	if m.Size() != 0 {
		t.Errorf("Expected empty pool, got %d", m.Size())
	}
}

func BenchmarkMempoolAdd(b *testing.B) {
	m := NewMempool(b.N + 1)
	reqs := make([]message.Request, b.N)
	for i := range reqs {
		reqs[i] = newRequest(uint64(i + 1))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = m.Add(reqs[i])
	}
}

func BenchmarkMempoolPopBatch(b *testing.B) {
	m := NewMempool(b.N*10 + 10)
	for i := 0; i < b.N*10; i++ {
		_ = m.Add(newRequest(uint64(i + 1)))
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.PopBatch(10)
	}
}
