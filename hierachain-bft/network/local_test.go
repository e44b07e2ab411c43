package network

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

func recvWithin(t *testing.T, tr Transport, d time.Duration) (Packet, bool) {
	t.Helper()
	select {
	case p, ok := <-tr.Recv():
		return p, ok
	case <-time.After(d):
		return Packet{}, false
	}
}

func TestLocalHubSendAndBroadcast(t *testing.T) {
	hub := NewLocalHub(8)
	a, b, c := hub.Join(1), hub.Join(2), hub.Join(3)
	ctx := context.Background()

	if err := a.Send(ctx, 2, []byte("direct")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	p, ok := recvWithin(t, b, time.Second)
	if !ok || p.From != 1 || !bytes.Equal(p.Data, []byte("direct")) {
		t.Fatalf("Unexpected packet %+v", p)
	}

	if err := a.Broadcast(ctx, []byte("all")); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	for _, tr := range []*LocalTransport{b, c} {
		if p, ok := recvWithin(t, tr, time.Second); !ok || string(p.Data) != "all" {
			t.Errorf("Broadcast not received: %+v", p)
		}
	}
	if _, ok := recvWithin(t, a, 20*time.Millisecond); ok {
		t.Error("Broadcast must not loop back to the sender")
	}

	if err := a.Send(ctx, 9, nil); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("Expected ErrPeerNotFound, got %v", err)
	}
}

func TestLocalHubFilter(t *testing.T) {
	hub := NewLocalHub(8)
	a, b := hub.Join(1), hub.Join(2)
	hub.SetFilter(func(from, to message.NodeID, _ []byte) bool { return to != 2 })

	if err := a.Send(context.Background(), 2, []byte("lost")); err != nil {
		t.Fatalf("Filtered send must look successful, got %v", err)
	}
	if _, ok := recvWithin(t, b, 20*time.Millisecond); ok {
		t.Error("Filtered packet was delivered")
	}

	hub.SetFilter(nil)
	_ = a.Send(context.Background(), 2, []byte("back"))
	if _, ok := recvWithin(t, b, time.Second); !ok {
		t.Error("Packet lost after filter removal")
	}
}

func TestLocalHubFullInboxAndClose(t *testing.T) {
	hub := NewLocalHub(1)
	a, b := hub.Join(1), hub.Join(2)
	ctx := context.Background()

	_ = a.Send(ctx, 2, []byte("1"))
	if err := a.Send(ctx, 2, []byte("2")); !errors.Is(err, ErrPeerBusy) {
		t.Errorf("Expected ErrPeerBusy, got %v", err)
	}
	if b.Dropped() != 1 {
		t.Errorf("Expected 1 drop, got %d", b.Dropped())
	}

	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if err := b.Send(ctx, 1, nil); err != ErrNodeNotRunning {
		t.Errorf("Expected ErrNodeNotRunning, got %v", err)
	}
	if err := a.Send(ctx, 2, nil); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("Expected ErrPeerNotFound after close, got %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := a.Send(canceled, 1, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
