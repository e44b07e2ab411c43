package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// NetworkConfig defines configuration for the network service.
type NetworkConfig struct {
	NodeID  message.NodeID            `json:"node_id"`
	Listen  string                    `json:"listen"`
	Members map[message.NodeID]string `json:"members"`
	// HealthyWindow is how recently a peer must have been heard from to
	// count as healthy.
	HealthyWindow time.Duration `json:"healthy_window"`
	Zmq           ZmqOptions    `json:"zmq"`
}

// DefaultNetworkConfig returns a configuration with sensible defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		NodeID:        1,
		Listen:        "tcp://127.0.0.1:5555",
		Members:       map[message.NodeID]string{},
		HealthyWindow: 30 * time.Second,
		Zmq:           DefaultZmqOptions(),
	}
}

// NetworkStatus represents the current status of the network service.
type NetworkStatus struct {
	NodeID       message.NodeID `json:"node_id"`
	Address      string         `json:"address"`
	IsRunning    bool           `json:"is_running"`
	PeerCount    int            `json:"peer_count"`
	HealthyPeers int            `json:"healthy_peers"`
	Transport    TransportStats `json:"transport"`
}

// NetworkService binds a ZmqTransport to the static membership of the
// cluster. It is itself a Transport.
type NetworkService struct {
	config    NetworkConfig
	transport *ZmqTransport

	mu      sync.RWMutex
	running bool
}

// NewNetworkService creates a new network service with the given configuration.
func NewNetworkService(config NetworkConfig) (*NetworkService, error) {
	if config.Listen == "" {
		addr, ok := config.Members[config.NodeID]
		if !ok {
			return nil, fmt.Errorf("%w: no address for %s", ErrPeerNotFound, config.NodeID)
		}
		config.Listen = addr
	}
	transport, err := NewZmqTransport(config.NodeID, config.Listen, config.Members, config.Zmq)
	if err != nil {
		return nil, err
	}
	return &NetworkService{config: config, transport: transport}, nil
}

// Start binds the listening socket.
func (ns *NetworkService) Start() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.running {
		return nil
	}
	if err := ns.transport.Start(); err != nil {
		return fmt.Errorf("failed to start ZMQ transport: %w", err)
	}
	ns.running = true
	logger.Infow("network service started", "node", ns.config.NodeID, "listen", ns.config.Listen, "members", len(ns.config.Members))
	return nil
}

// Stop gracefully shuts down the network service.
func (ns *NetworkService) Stop() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if !ns.running {
		return nil
	}
	ns.running = false
	logger.Infow("network service stopped", "node", ns.config.NodeID)
	return ns.transport.Close()
}

func (ns *NetworkService) Send(ctx context.Context, to message.NodeID, data []byte) error {
	if !ns.IsRunning() {
		return ErrNodeNotRunning
	}
	return ns.transport.Send(ctx, to, data)
}

func (ns *NetworkService) Broadcast(ctx context.Context, data []byte) error {
	if !ns.IsRunning() {
		return ErrNodeNotRunning
	}
	return ns.transport.Broadcast(ctx, data)
}

func (ns *NetworkService) Recv() <-chan Packet { return ns.transport.Recv() }

func (ns *NetworkService) Close() error { return ns.Stop() }

// GetStatus returns the current status of the network service.
func (ns *NetworkService) GetStatus() NetworkStatus {
	ns.mu.RLock()
	running := ns.running
	ns.mu.RUnlock()

	peers := ns.transport.Peers()
	return NetworkStatus{
		NodeID:       ns.config.NodeID,
		Address:      ns.config.Listen,
		IsRunning:    running,
		PeerCount:    len(peers),
		HealthyPeers: len(ns.GetHealthyPeers()),
		Transport:    ns.transport.Stats(),
	}
}

// GetPeers returns all configured peers.
func (ns *NetworkService) GetPeers() []PeerInfo {
	return ns.transport.Peers()
}

// GetHealthyPeers returns the peers heard from within the healthy window.
func (ns *NetworkService) GetHealthyPeers() []PeerInfo {
	cutoff := time.Now().Add(-ns.config.HealthyWindow)
	var out []PeerInfo
	for _, p := range ns.transport.Peers() {
		if p.LastSeen.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// IsRunning returns whether the service is currently running.
func (ns *NetworkService) IsRunning() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.running
}
