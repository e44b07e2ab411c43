package cache

import (
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

var (
	ErrReplayed = errors.New("nonce already seen")
	ErrExpired  = errors.New("frame older than replay tolerance")
	ErrNoNonce  = errors.New("frame without nonce")
)

// DefaultReplaySize is the number of nonces remembered by default.
const DefaultReplaySize = 1 << 16

// ReplayCache remembers recently seen nonces. A frame is accepted once: a
// repeated nonce is refused, and so is a frame older than the tolerance,
// whose nonce may already have been evicted.
type ReplayCache struct {
	seen      *lru.Cache
	tolerance time.Duration
	now       func() time.Time
}

// NewReplayCache creates a cache holding up to size nonces.
func NewReplayCache(size int, tolerance time.Duration) (*ReplayCache, error) {
	if size <= 0 {
		size = DefaultReplaySize
	}
	seen, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("replay cache: %w", err)
	}
	return &ReplayCache{seen: seen, tolerance: tolerance, now: time.Now}, nil
}

// Check records nonce and reports whether the frame must be dropped.
func (c *ReplayCache) Check(nonce string, sent time.Time) error {
	if nonce == "" {
		return ErrNoNonce
	}
	if c.tolerance > 0 && c.now().Sub(sent) > c.tolerance {
		return fmt.Errorf("%w: sent %s", ErrExpired, sent.Format(time.RFC3339Nano))
	}
	if found, _ := c.seen.ContainsOrAdd(nonce, sent); found {
		return fmt.Errorf("%w: %s", ErrReplayed, nonce)
	}
	return nil
}

// Len returns the number of remembered nonces.
func (c *ReplayCache) Len() int {
	return c.seen.Len()
}

// Purge forgets every nonce.
func (c *ReplayCache) Purge() {
	c.seen.Purge()
}
