// Package cache provides bounded caches shared by the transport layer.
// This package implements:
// - Replay protection keyed by message nonce
// - LRU eviction policy
// - Age-based rejection of old frames
package cache
