package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/engine"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// ErrInvalidRequest wraps every certification failure.
var ErrInvalidRequest = errors.New("request rejected by certifier")

// ValidationRule inspects a request and returns an error to reject it.
type ValidationRule func(req message.Request) error

// Certification is the verdict on one request.
type Certification struct {
	Key    message.RequestKey
	Valid  bool
	Errors []string
	CertAt time.Time
}

// Err folds the certification into an error, nil when valid.
func (c Certification) Err() error {
	if c.Valid {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidRequest, c.Errors)
}

// RequestCertifier validates requests before they are admitted.
type RequestCertifier struct {
	rules []ValidationRule
	mu    sync.RWMutex
}

// NewRequestCertifier creates a certifier with the standard rules: a client
// id, a non-zero timestamp and an operation no larger than maxOperation
// bytes.
func NewRequestCertifier(maxOperation int) *RequestCertifier {
	c := &RequestCertifier{}
	c.AddRule(engine.Validate)
	c.AddRule(func(req message.Request) error {
		if len(req.Operation) == 0 {
			return errors.New("empty operation")
		}
		if maxOperation > 0 && len(req.Operation) > maxOperation {
			return fmt.Errorf("operation of %d bytes exceeds %d", len(req.Operation), maxOperation)
		}
		return nil
	})
	return c
}

// AddRule registers a validation rule.
func (c *RequestCertifier) AddRule(rule ValidationRule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rules = append(c.rules, rule)
}

// Validate applies every rule to req.
func (c *RequestCertifier) Validate(req message.Request) Certification {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cert := Certification{Key: req.Key(), Valid: true, CertAt: time.Now()}
	for _, rule := range c.rules {
		if err := rule(req); err != nil {
			cert.Valid = false
			cert.Errors = append(cert.Errors, err.Error())
		}
	}
	return cert
}

// BatchBuilder decides when the leader cuts the next proposal out of the
// mempool. A batch is cut when it is full, when nothing is in flight, or
// when the oldest pending request has waited batchTimeout.
type BatchBuilder struct {
	batchSize    int
	batchTimeout time.Duration
	pool         *engine.Mempool
}

// NewBatchBuilder creates a builder over pool.
func NewBatchBuilder(pool *engine.Mempool, batchSize int, timeout time.Duration) *BatchBuilder {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &BatchBuilder{batchSize: batchSize, batchTimeout: timeout, pool: pool}
}

// Next returns the next batch or nil when the leader should keep waiting.
func (b *BatchBuilder) Next(inflight int, now time.Time) []message.Request {
	if !b.isReady(inflight, now) {
		return nil
	}
	if batch := b.pool.PopBatch(b.batchSize); len(batch) > 0 {
		return batch
	}
	return nil
}

func (b *BatchBuilder) isReady(inflight int, now time.Time) bool {
	size := b.pool.Size()
	if size == 0 {
		return false
	}
	if size >= b.batchSize || inflight == 0 {
		return true
	}
	oldest, ok := b.pool.Oldest()
	return ok && now.Sub(oldest) >= b.batchTimeout
}
