package core

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/VanDung-dev/HieraChain-BFT/engine"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

func request(ts uint64, op string) message.Request {
	return message.Request{ClientID: uuid.New(), Timestamp: ts, Operation: []byte(op)}
}

func TestRequestCertifierValidate(t *testing.T) {
	c := NewRequestCertifier(16)

	cert := c.Validate(request(1, "set a 1"))
	if !cert.Valid {
		t.Errorf("Expected valid, got errors: %v", cert.Errors)
	}
	if cert.Err() != nil {
		t.Errorf("Valid certification should fold to nil, got %v", cert.Err())
	}
}

func TestRequestCertifierRejects(t *testing.T) {
	c := NewRequestCertifier(4)

	cert := c.Validate(message.Request{})
	if cert.Valid {
		t.Fatal("Expected invalid for empty request")
	}
	if len(cert.Errors) != 2 {
		t.Errorf("Expected 2 errors, got %d: %v", len(cert.Errors), cert.Errors)
	}
	if !errors.Is(cert.Err(), ErrInvalidRequest) {
		t.Errorf("Expected ErrInvalidRequest, got %v", cert.Err())
	}

	cert = c.Validate(request(1, "too long"))
	if cert.Valid || !strings.Contains(cert.Errors[0], "exceeds") {
		t.Errorf("Expected size rejection, got %v", cert.Errors)
	}
}

func TestRequestCertifierCustomRule(t *testing.T) {
	c := NewRequestCertifier(0)
	c.AddRule(func(req message.Request) error {
		if strings.HasPrefix(string(req.Operation), "drop") {
			return errors.New("forbidden")
		}
		return nil
	})

	if c.Validate(request(1, "drop table")).Valid {
		t.Error("Custom rule should reject")
	}
	if !c.Validate(request(1, "get a")).Valid {
		t.Error("Custom rule should accept")
	}
}

func TestBatchBuilderCutsFullBatch(t *testing.T) {
	pool := engine.NewMempool(100)
	b := NewBatchBuilder(pool, 3, time.Hour)
	for i := 0; i < 4; i++ {
		_ = pool.Add(request(uint64(i+1), "op"))
	}

	batch := b.Next(5, time.Now())
	if len(batch) != 3 {
		t.Fatalf("Expected full batch of 3, got %d", len(batch))
	}
	if got := b.Next(5, time.Now()); got != nil {
		t.Errorf("Partial batch should wait while proposals are in flight, got %d", len(got))
	}
}

func TestBatchBuilderIdleLeaderProposesAtOnce(t *testing.T) {
	pool := engine.NewMempool(100)
	b := NewBatchBuilder(pool, 10, time.Hour)
	_ = pool.Add(request(1, "op"))

	if batch := b.Next(0, time.Now()); len(batch) != 1 {
		t.Errorf("Expected immediate batch with nothing in flight, got %d", len(batch))
	}
	if b.Next(0, time.Now()) != nil {
		t.Error("Empty pool must not produce a batch")
	}
}

func TestBatchBuilderTimeout(t *testing.T) {
	pool := engine.NewMempool(100)
	b := NewBatchBuilder(pool, 10, 50*time.Millisecond)
	_ = pool.Add(request(1, "op"))

	if b.Next(1, time.Now()) != nil {
		t.Error("Batch should not be cut before the timeout")
	}
	if batch := b.Next(1, time.Now().Add(time.Second)); len(batch) != 1 {
		t.Errorf("Expected batch after timeout, got %d", len(batch))
	}
}
