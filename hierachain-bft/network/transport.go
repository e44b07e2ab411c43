// Package network moves encoded protocol messages between replicas.
//
// This package implements:
//   - Transport: the capability the consensus core sends and receives through
//   - LocalHub: in-memory transport for in-process clusters and fault injection
//   - ZmqTransport: ZeroMQ transport with ROUTER/DEALER pattern
//   - NetworkService: a ZmqTransport bound to a static membership
package network

import (
	"context"
	"errors"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// MaxNetworkMessageSize bounds a single frame on the wire (16MB).
const MaxNetworkMessageSize = 16 * 1024 * 1024

// Common errors for network operations
var (
	ErrNodeNotRunning = errors.New("node is not running")
	ErrPeerNotFound   = errors.New("peer not found")
	ErrSendFailed     = errors.New("failed to send message")
	ErrPeerBusy       = errors.New("peer inbox is full")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
)

// Packet is an encoded message together with the replica it came from.
// From is what the link reports; authenticity is established by the
// signatures inside Data.
type Packet struct {
	From message.NodeID
	Data []byte
}

// Transport delivers opaque payloads between members. Broadcast reaches
// every member except the sender. Errors are reported, never retried.
type Transport interface {
	Send(ctx context.Context, to message.NodeID, data []byte) error
	Broadcast(ctx context.Context, data []byte) error
	Recv() <-chan Packet
	Close() error
}
