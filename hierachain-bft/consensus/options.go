package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/alexandremahdhaoui/tooling/pkg/flaterrors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/checkpoint"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/codec"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/config"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/network"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/service"
)

var (
	// ErrBackpressure is returned by Submit when the request pool is full.
	ErrBackpressure = errors.New("replica is at capacity")
	// ErrDuplicate is returned by Submit for a request that is pending or
	// counts as executed for its client.
	ErrDuplicate = errors.New("duplicate request")
	// ErrInvalidOptions is returned by New for an unusable configuration.
	ErrInvalidOptions = errors.New("invalid replica options")
	// ErrRunning is returned when an operation needs a stopped replica.
	ErrRunning = errors.New("replica is running")
	// ErrTransportClosed is returned by Run when the transport went away.
	ErrTransportClosed = errors.New("transport closed")
)

// Options configures a Replica.
type Options struct {
	ID       message.NodeID
	Members  []message.NodeID
	Signer   crypto.Signer
	Verifier crypto.Verifier
	Hasher   crypto.Hasher
	Codec    codec.Codec

	Transport network.Transport
	Service   service.Service
	// Registry receives the replica's metrics. A private registry is
	// created when nil.
	Registry *prometheus.Registry

	Window           uint64
	CheckpointPeriod uint64
	BatchSize        int
	BatchTimeout     time.Duration
	MaxOperation     int

	// BaseTimeout is the progress timeout; view changes double it up to
	// MaxTimeout.
	BaseTimeout time.Duration
	MaxTimeout  time.Duration
	CstTimeout  time.Duration

	SuspicionThreshold int
	VerifyWorkers      int
	ChannelBuffer      int
	FutureBuffer       int

	// ClientHistory bounds the executed timestamps remembered per client
	// above its floor. It feeds the replicated state, so every member must
	// use the same value.
	ClientHistory int
}

// FromConfig fills the protocol parameters and the crypto and codec
// components from cfg. Transport and Service are left to the caller.
func FromConfig(cfg config.Config) (Options, error) {
	ring, err := cfg.Keyring()
	if err != nil {
		return Options{}, err
	}
	h, err := crypto.NewHasher(cfg.Hash)
	if err != nil {
		return Options{}, err
	}
	c, err := codec.New(cfg.Codec)
	if err != nil {
		return Options{}, err
	}
	return Options{
		ID:                 cfg.NodeID,
		Members:            cfg.MemberIDs(),
		Signer:             ring,
		Verifier:           ring,
		Hasher:             h,
		Codec:              c,
		Window:             cfg.Window,
		CheckpointPeriod:   cfg.CheckpointPeriod,
		BatchSize:          cfg.BatchSize,
		BatchTimeout:       cfg.BatchTimeout.Std(),
		MaxOperation:       cfg.MaxOperation,
		BaseTimeout:        cfg.BaseTimeout.Std(),
		MaxTimeout:         cfg.MaxTimeout.Std(),
		CstTimeout:         cfg.CstTimeout.Std(),
		SuspicionThreshold: cfg.SuspicionThreshold,
		VerifyWorkers:      cfg.VerifyWorkers,
		ChannelBuffer:      cfg.ChannelBuffer,
		FutureBuffer:       cfg.FutureBuffer,
	}, nil
}

// F returns the number of tolerated faults.
func (o Options) F() int { return (len(o.Members) - 1) / 3 }

func (o *Options) withDefaults() {
	d := config.DefaultConfig()
	if o.Window == 0 {
		o.Window = d.Window
	}
	if o.CheckpointPeriod == 0 {
		o.CheckpointPeriod = d.CheckpointPeriod
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = d.BatchTimeout.Std()
	}
	if o.MaxOperation <= 0 {
		o.MaxOperation = d.MaxOperation
	}
	if o.BaseTimeout <= 0 {
		o.BaseTimeout = d.BaseTimeout.Std()
	}
	if o.MaxTimeout < o.BaseTimeout {
		o.MaxTimeout = 16 * o.BaseTimeout
	}
	if o.CstTimeout <= 0 {
		o.CstTimeout = d.CstTimeout.Std()
	}
	if o.SuspicionThreshold <= 0 {
		o.SuspicionThreshold = d.SuspicionThreshold
	}
	if o.VerifyWorkers <= 0 {
		o.VerifyWorkers = d.VerifyWorkers
	}
	if o.ChannelBuffer <= 0 {
		o.ChannelBuffer = d.ChannelBuffer
	}
	if o.FutureBuffer <= 0 {
		o.FutureBuffer = d.FutureBuffer
	}
	if o.ClientHistory <= 0 {
		o.ClientHistory = checkpoint.DefaultClientHistory
	}
	if o.Codec == nil {
		o.Codec = codec.NewMsgpack()
	}
}

func (o Options) validate() error {
	var errs []error
	if len(o.Members) < 4 {
		errs = append(errs, fmt.Errorf("%d members, need at least 4", len(o.Members)))
	}
	member := false
	for _, id := range o.Members {
		if id == o.ID {
			member = true
		}
	}
	if !member {
		errs = append(errs, fmt.Errorf("%s is not a member", o.ID))
	}
	if o.Signer == nil || o.Verifier == nil || o.Hasher == nil {
		errs = append(errs, errors.New("signer, verifier and hasher are required"))
	}
	if o.Transport == nil {
		errs = append(errs, errors.New("transport is required"))
	}
	if o.Service == nil {
		errs = append(errs, errors.New("service is required"))
	}
	if o.CheckpointPeriod > o.Window {
		errs = append(errs, fmt.Errorf("checkpoint period %d exceeds window %d", o.CheckpointPeriod, o.Window))
	}
	if len(errs) > 0 {
		return flaterrors.Join(append([]error{ErrInvalidOptions}, errs...)...)
	}
	return nil
}
