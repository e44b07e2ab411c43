package network

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"github.com/go-zeromq/zmq4"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/VanDung-dev/HieraChain-BFT/cache"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

var logger = logging.Logger("bft/network")

// PeerInfo contains information about a network peer.
type PeerInfo struct {
	ID       message.NodeID `json:"id"`
	Address  string         `json:"address"`
	LastSeen time.Time      `json:"last_seen"`
}

// Frame is the unit sent over a ZeroMQ link. Nonce and Timestamp feed the
// replay cache.
type Frame struct {
	From      message.NodeID `json:"from"`
	Nonce     string         `json:"nonce"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   []byte         `json:"payload"`
}

// ZmqOptions tunes a ZmqTransport.
type ZmqOptions struct {
	InboxSize       int
	ReplayCacheSize int
	ReplayTolerance time.Duration
}

// DefaultZmqOptions returns the options used by NetworkService.
func DefaultZmqOptions() ZmqOptions {
	return ZmqOptions{
		InboxSize:       4096,
		ReplayCacheSize: cache.DefaultReplaySize,
		ReplayTolerance: 60 * time.Second,
	}
}

// ZmqTransport is a ZeroMQ-based Transport. It listens on a ROUTER socket
// and keeps one DEALER socket per peer, dialed lazily.
type ZmqTransport struct {
	self    message.NodeID
	address string
	opts    ZmqOptions

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket                    // ROUTER socket for receiving
	dealers map[message.NodeID]zmq4.Socket // DEALER sockets for sending (per peer)

	peers map[message.NodeID]*PeerInfo
	mu    sync.RWMutex

	inbox  chan Packet
	replay *cache.ReplayCache

	sent     atomic.Uint64
	received atomic.Uint64
	dropped  atomic.Uint64

	running bool
	wg      sync.WaitGroup
}

// NewZmqTransport creates a transport for self listening on address. peers
// maps every other member to its address.
func NewZmqTransport(self message.NodeID, address string, peers map[message.NodeID]string, opts ZmqOptions) (*ZmqTransport, error) {
	if opts.InboxSize <= 0 {
		opts.InboxSize = DefaultZmqOptions().InboxSize
	}
	replay, err := cache.NewReplayCache(opts.ReplayCacheSize, opts.ReplayTolerance)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &ZmqTransport{
		self:    self,
		address: address,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		dealers: make(map[message.NodeID]zmq4.Socket),
		peers:   make(map[message.NodeID]*PeerInfo),
		inbox:   make(chan Packet, opts.InboxSize),
		replay:  replay,
	}
	for id, addr := range peers {
		if id != self {
			t.peers[id] = &PeerInfo{ID: id, Address: addr}
		}
	}
	return t, nil
}

// Start binds the ROUTER socket and starts receiving.
func (t *ZmqTransport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("transport already running")
	}

	t.router = zmq4.NewRouter(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.self.String())))
	if err := t.router.Listen(t.address); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}

	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receiverLoop()
	logger.Infof("%s listening on %s with %d peers", t.self, t.address, len(t.peers))
	return nil
}

// Close shuts the sockets down and closes the inbox.
func (t *ZmqTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()

	var errs []error
	if t.router != nil {
		if err := t.router.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close router: %w", err))
		}
	}
	t.mu.Lock()
	for id, dealer := range t.dealers {
		if err := dealer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close dealer %s: %w", id, err))
		}
		delete(t.dealers, id)
	}
	t.mu.Unlock()

	t.wg.Wait()
	close(t.inbox)

	if len(errs) > 0 {
		return flaterrors.Join(errs...)
	}
	return nil
}

// Send delivers data to one peer.
func (t *ZmqTransport) Send(ctx context.Context, to message.NodeID, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) > MaxNetworkMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrNodeNotRunning
	}
	peer, ok := t.peers[to]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrPeerNotFound, to)
	}

	dealer, err := t.dealer(to, peer.Address)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(Frame{
		From:      t.self,
		Nonce:     uuid.NewString(),
		Timestamp: time.Now(),
		Payload:   data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if err := dealer.Send(zmq4.NewMsg(raw)); err != nil {
		t.dropDealer(to)
		return fmt.Errorf("%w to %s: %v", ErrSendFailed, to, err)
	}
	t.sent.Add(1)
	return nil
}

// Broadcast sends data to every peer and reports all failures together.
func (t *ZmqTransport) Broadcast(ctx context.Context, data []byte) error {
	var errs []error
	for _, id := range t.peerIDs() {
		if err := t.Send(ctx, id, data); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return flaterrors.Join(errs...)
	}
	return nil
}

// Recv returns the channel of received packets. It is closed by Close.
func (t *ZmqTransport) Recv() <-chan Packet {
	return t.inbox
}

// Peers returns a copy of all configured peers.
func (t *ZmqTransport) Peers() []PeerInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *ZmqTransport) peerIDs() []message.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]message.NodeID, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// dealer gets or creates a DEALER socket for a peer.
func (t *ZmqTransport) dealer(id message.NodeID, address string) (zmq4.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dealer, ok := t.dealers[id]; ok {
		return dealer, nil
	}
	dealer := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.self.String())))
	if err := dealer.Dial(address); err != nil {
		return nil, fmt.Errorf("failed to connect to %s at %s: %w", id, address, err)
	}
	t.dealers[id] = dealer
	return dealer, nil
}

// dropDealer forgets a broken socket so the next send dials again.
func (t *ZmqTransport) dropDealer(id message.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dealer, ok := t.dealers[id]; ok {
		_ = dealer.Close()
		delete(t.dealers, id)
	}
}

// receiverLoop continuously receives frames from the ROUTER socket. A
// ROUTER prefixes every message with the identity of the sending DEALER, so
// the payload is the last frame.
func (t *ZmqTransport) receiverLoop() {
	defer t.wg.Done()

	for {
		msg, err := t.router.Recv()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				logger.Debugf("%s: recv: %v", t.self, err)
				continue
			}
		}
		if len(msg.Frames) == 0 {
			continue
		}
		raw := msg.Frames[len(msg.Frames)-1]
		pkt, err := t.accept(raw)
		if err != nil {
			logger.Debugf("%s: dropping frame: %v", t.self, err)
			continue
		}

		select {
		case t.inbox <- pkt:
			t.received.Add(1)
		case <-t.ctx.Done():
			return
		default:
			t.dropped.Add(1)
		}
	}
}

// accept decodes a frame and applies the size, membership and replay
// checks.
func (t *ZmqTransport) accept(raw []byte) (Packet, error) {
	if len(raw) > MaxNetworkMessageSize+4096 {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(raw))
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Packet{}, fmt.Errorf("decode frame: %w", err)
	}

	t.mu.Lock()
	peer, ok := t.peers[f.From]
	if ok {
		peer.LastSeen = time.Now()
	}
	t.mu.Unlock()
	if !ok {
		return Packet{}, fmt.Errorf("%w: %s", ErrPeerNotFound, f.From)
	}

	if err := t.replay.Check(f.Nonce, f.Timestamp); err != nil {
		return Packet{}, err
	}
	return Packet{From: f.From, Data: f.Payload}, nil
}

// TransportStats contains transport statistics.
type TransportStats struct {
	NodeID    message.NodeID `json:"node_id"`
	Address   string         `json:"address"`
	PeerCount int            `json:"peer_count"`
	IsRunning bool           `json:"is_running"`
	QueueSize int            `json:"queue_size"`
	Sent      uint64         `json:"sent"`
	Received  uint64         `json:"received"`
	Dropped   uint64         `json:"dropped"`
}

// Stats returns current transport statistics.
func (t *ZmqTransport) Stats() TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return TransportStats{
		NodeID:    t.self,
		Address:   t.address,
		PeerCount: len(t.peers),
		IsRunning: t.running,
		QueueSize: len(t.inbox),
		Sent:      t.sent.Load(),
		Received:  t.received.Load(),
		Dropped:   t.dropped.Load(),
	}
}
