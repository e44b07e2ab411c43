package network

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// Filter decides whether a payload travels from one replica to another.
// Returning false drops it silently, as a lossy link would.
type Filter func(from, to message.NodeID, data []byte) bool

// LocalHub connects in-process replicas through bounded channels.
type LocalHub struct {
	buffer int

	mu     sync.RWMutex
	nodes  map[message.NodeID]*LocalTransport
	filter Filter
}

// NewLocalHub creates a hub whose inboxes hold buffer packets each.
func NewLocalHub(buffer int) *LocalHub {
	if buffer <= 0 {
		buffer = 1024
	}
	return &LocalHub{buffer: buffer, nodes: make(map[message.NodeID]*LocalTransport)}
}

// Join attaches replica id to the hub and returns its transport.
func (h *LocalHub) Join(id message.NodeID) *LocalTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &LocalTransport{hub: h, id: id, inbox: make(chan Packet, h.buffer)}
	h.nodes[id] = t
	return t
}

// SetFilter installs f for every later send. A nil filter lets everything
// through.
func (h *LocalHub) SetFilter(f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// Members returns the joined replicas in id order.
func (h *LocalHub) Members() []message.NodeID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]message.NodeID, 0, len(h.nodes))
	for id := range h.nodes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (h *LocalHub) deliver(from, to message.NodeID, data []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dst, ok := h.nodes[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, to)
	}
	if h.filter != nil && !h.filter(from, to, data) {
		return nil
	}
	pkt := Packet{From: from, Data: append([]byte(nil), data...)}
	select {
	case dst.inbox <- pkt:
		return nil
	default:
		dst.dropped.Add(1)
		return fmt.Errorf("%w: %s", ErrPeerBusy, to)
	}
}

// LocalTransport is one replica's endpoint on a LocalHub.
type LocalTransport struct {
	hub     *LocalHub
	id      message.NodeID
	inbox   chan Packet
	closed  bool
	dropped atomic.Uint64
}

func (t *LocalTransport) Send(ctx context.Context, to message.NodeID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrNodeNotRunning
	}
	return t.hub.deliver(t.id, to, data)
}

func (t *LocalTransport) Broadcast(ctx context.Context, data []byte) error {
	var errs []error
	for _, id := range t.hub.Members() {
		if id == t.id {
			continue
		}
		if err := t.Send(ctx, id, data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return flaterrors.Join(errs...)
	}
	return nil
}

func (t *LocalTransport) Recv() <-chan Packet { return t.inbox }

// Close detaches the transport from the hub and closes its inbox.
func (t *LocalTransport) Close() error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	delete(t.hub.nodes, t.id)
	close(t.inbox)
	return nil
}

// Dropped returns how many packets for this replica were lost to a full
// inbox.
func (t *LocalTransport) Dropped() uint64 { return t.dropped.Load() }

func (t *LocalTransport) isClosed() bool {
	t.hub.mu.RLock()
	defer t.hub.mu.RUnlock()
	return t.closed
}
