package consensus

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-BFT/api"
	"github.com/VanDung-dev/HieraChain-BFT/engine"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/checkpoint"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/core"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/msglog"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/network"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/service"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/viewchange"
)

var logger = logging.Logger("bft/consensus")

// verifierShutdown bounds how long Run waits for verifications in flight.
const verifierShutdown = 5 * time.Second

// Status is a point-in-time view of a replica.
type Status struct {
	ID            message.NodeID    `json:"id"`
	Mode          viewchange.Status `json:"mode"`
	View          ordering.ViewNo   `json:"view"`
	Candidate     ordering.ViewNo   `json:"candidate"`
	Leader        message.NodeID    `json:"leader"`
	LastDelivered ordering.SeqNo    `json:"last_delivered"`
	LastAccepted  ordering.SeqNo    `json:"last_accepted"`
	Stable        ordering.SeqNo    `json:"stable"`
	Window        ordering.Window   `json:"window"`
	Pending       int               `json:"pending"`
	Transferring  bool              `json:"transferring"`
}

type readyBatch struct {
	view   ordering.ViewNo
	digest message.Digest
	batch  []message.Request
}

type inflightBatch struct {
	batch    []message.Request
	accepted time.Time
}

// Replica is one member of a replicated state machine.
type Replica struct {
	opts Options
	self message.NodeID

	log       *msglog.Log
	mgr       *viewchange.Manager
	backoff   *viewchange.Backoff
	tracker   *checkpoint.Tracker
	transfer  *checkpoint.StateTransfer
	pool      *engine.Mempool
	builder   *core.BatchBuilder
	certifier *core.RequestCertifier
	verifiers *core.WorkerPool[network.Packet, inbound]
	suspects  *suspicion

	registry *prometheus.Registry
	metrics  *api.Metrics

	committed             chan CommittedBatch
	checkpoints           chan StableCheckpoint
	events                chan Event
	committedSubscribed   atomic.Bool
	checkpointsSubscribed atomic.Bool

	kick    chan struct{}
	cmds    chan func(context.Context)
	running atomic.Bool

	// The fields below belong to the event loop.
	state         service.State
	clientsMu     sync.RWMutex
	clients       map[uuid.UUID]checkpoint.ClientRecord
	lastDelivered ordering.SeqNo
	lastAccepted  ordering.SeqNo
	nextSeq       ordering.SeqNo
	headers       map[msglog.Key]message.Vote
	commitSent    map[msglog.Key]bool
	exposed       map[msglog.Key]bool
	ready         map[ordering.SeqNo]readyBatch
	inflight      map[ordering.SeqNo]inflightBatch
	pendingStable map[ordering.SeqNo]message.Certificate
	beyond        map[message.NodeID]ordering.SeqNo
	future        []inbound
	upToDate      bool
	upToDateAt    ordering.SeqNo

	progress      *time.Timer
	progressArmed bool
	cstTimer      *time.Timer

	statusMu sync.RWMutex
	status   Status
}

// New creates a replica. Nothing runs until Run is called.
func New(opts Options) (*Replica, error) {
	opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	lg := msglog.New(msglog.Options{
		Members:  opts.Members,
		F:        opts.F(),
		Window:   opts.Window,
		Verifier: opts.Verifier,
		Hasher:   opts.Hasher,
	})
	pool := engine.NewMempool(int(opts.Window) * opts.BatchSize)

	r := &Replica{
		opts: opts,
		self: opts.ID,
		log:  lg,
		mgr: viewchange.New(viewchange.Options{
			Self:     opts.ID,
			Log:      lg,
			Signer:   opts.Signer,
			Verifier: opts.Verifier,
			Hasher:   opts.Hasher,
			F:        opts.F(),
			Window:   opts.Window,
		}),
		backoff: viewchange.NewBackoff(opts.BaseTimeout, opts.MaxTimeout),
		tracker: checkpoint.NewTracker(opts.CheckpointPeriod, opts.Hasher),
		transfer: checkpoint.NewStateTransfer(checkpoint.TransferOptions{
			Self:        opts.ID,
			Members:     opts.Members,
			F:           opts.F(),
			BaseTimeout: opts.CstTimeout,
			MaxTimeout:  opts.MaxTimeout,
			Hasher:      opts.Hasher,
		}),
		pool:      pool,
		builder:   core.NewBatchBuilder(pool, opts.BatchSize, opts.BatchTimeout),
		certifier: core.NewRequestCertifier(opts.MaxOperation),
		suspects:  newSuspicion(opts.SuspicionThreshold),
		registry:  reg,
		metrics:   api.NewMetrics(reg, opts.ID.String()),

		committed:   make(chan CommittedBatch, opts.ChannelBuffer),
		checkpoints: make(chan StableCheckpoint, opts.ChannelBuffer),
		events:      make(chan Event, opts.ChannelBuffer),
		kick:        make(chan struct{}, 1),
		cmds:        make(chan func(context.Context), 16),

		state:         opts.Service.InitialState(),
		clients:       make(map[uuid.UUID]checkpoint.ClientRecord),
		headers:       make(map[msglog.Key]message.Vote),
		commitSent:    make(map[msglog.Key]bool),
		exposed:       make(map[msglog.Key]bool),
		ready:         make(map[ordering.SeqNo]readyBatch),
		inflight:      make(map[ordering.SeqNo]inflightBatch),
		pendingStable: make(map[ordering.SeqNo]message.Certificate),
		beyond:        make(map[message.NodeID]ordering.SeqNo),
	}
	r.progress = newStoppedTimer()
	r.cstTimer = newStoppedTimer()
	r.publishStatus()
	return r, nil
}

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}

// ID returns the replica's id.
func (r *Replica) ID() message.NodeID { return r.self }

// Registry returns the registry holding the replica's metrics.
func (r *Replica) Registry() *prometheus.Registry { return r.registry }

// Run drives the replica until ctx is done or the transport closes.
func (r *Replica) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer r.running.Store(false)

	r.verifiers = core.NewWorkerPool(fmt.Sprintf("verify-%s", r.self), r.opts.VerifyWorkers, r.opts.ChannelBuffer, r.process)
	defer func() {
		if err := r.verifiers.ShutdownWithTimeout(verifierShutdown); err != nil {
			logger.Warnf("%s: verifiers: %v", r.self, err)
		}
	}()

	logger.Infow("replica starting",
		"id", r.self,
		"members", len(r.opts.Members),
		"f", r.opts.F(),
		"window", r.opts.Window,
		"checkpoint_period", r.opts.CheckpointPeriod,
		"view", r.mgr.View(),
		"last_delivered", r.lastDelivered,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.receive(gctx) })
	g.Go(func() error { return r.loop(gctx) })
	g.Go(func() error { return r.sample(gctx) })
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// receive feeds inbound packets to the verification pool.
func (r *Replica) receive(ctx context.Context) error {
	in := r.opts.Transport.Recv()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt, ok := <-in:
			if !ok {
				return ErrTransportClosed
			}
			if _, err := r.verifiers.SubmitWait(ctx, pkt); err != nil {
				return err
			}
		}
	}
}

// loop is the only goroutine that changes the replica's protocol state.
func (r *Replica) loop(ctx context.Context) error {
	tick := time.NewTicker(r.opts.BatchTimeout)
	defer tick.Stop()
	defer r.progress.Stop()
	defer r.cstTimer.Stop()

	results := r.verifiers.Results()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case res := <-results:
			r.handle(ctx, res.Output, res.Err)
		case <-r.kick:
			r.propose(ctx)
		case <-tick.C:
			r.propose(ctx)
		case <-r.progress.C:
			r.onProgressTimeout(ctx)
		case <-r.cstTimer.C:
			r.onTransferTimeout(ctx)
		case cmd := <-r.cmds:
			cmd(ctx)
		}
		r.armProgress()
		r.publishStatus()
	}
}

// sample refreshes the gauges that are not updated on the hot path.
func (r *Replica) sample(ctx context.Context) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			r.metrics.MempoolSize.Set(float64(r.pool.Size()))
			r.metrics.VerifyPending.Set(float64(r.verifiers.Stats().Pending))
		}
	}
}

// Submit admits a client request. It is pooled locally and forwarded to the
// other replicas so that whichever replica leads can order it.
func (r *Replica) Submit(ctx context.Context, req message.Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.certifier.Validate(req).Err(); err != nil {
		r.metrics.Reject("invalid")
		return err
	}
	if r.executed(req) {
		r.metrics.Reject("duplicate")
		return fmt.Errorf("%w: %s already executed", ErrDuplicate, req.Key())
	}
	if err := r.pool.Add(req); err != nil {
		switch {
		case errors.Is(err, engine.ErrMempoolFull):
			r.metrics.Reject("backpressure")
			return fmt.Errorf("%w: %d requests pending", ErrBackpressure, r.pool.Size())
		case errors.Is(err, engine.ErrRequestExists):
			r.metrics.Reject("duplicate")
			return fmt.Errorf("%w: %s pending", ErrDuplicate, req.Key())
		default:
			r.metrics.Reject("invalid")
			return err
		}
	}
	r.metrics.Requests.Inc()

	fwd := message.Forward{Requests: []message.Request{req}, Signer: r.self}
	sig, err := r.opts.Signer.Sign(fwd.SigningBytes())
	if err != nil {
		return fmt.Errorf("sign forward: %w", err)
	}
	fwd.Signature = sig
	r.broadcast(ctx, message.KindForward, fwd)
	r.poke()
	return nil
}

// Capacity returns how many more requests the replica can take right now:
// the room left in the pool, bounded by what the free watermark slots above
// the last accepted sequence can order once the pooled requests are placed.
func (r *Replica) Capacity() int {
	st := r.Status()
	slots := st.LastAccepted.Distance(st.Window.High())
	room := int(min(slots, uint64(math.MaxInt32)))*r.opts.BatchSize - r.pool.Size()
	return max(0, min(r.pool.Stats().Available, room))
}

// Drain waits until the batches this replica accepted so far are committed
// and the last checkpoint they complete is stable. A node calls it before
// stopping so that its peers hold a stable checkpoint covering the
// accepted work.
func (r *Replica) Drain(ctx context.Context) error {
	st := r.Status()
	if st.LastAccepted.IsZero() {
		return nil
	}
	if err := r.waitCommitted(ctx, st.LastAccepted); err != nil {
		return fmt.Errorf("drain %s: %w", st.LastAccepted, err)
	}
	period := r.opts.CheckpointPeriod
	due := ordering.SeqFromUint64(st.LastAccepted.Uint64() - st.LastAccepted.Uint64()%period)
	if due.IsZero() {
		return nil
	}
	if _, err := r.log.WaitStable(ctx, due); err != nil {
		return fmt.Errorf("drain checkpoint %s: %w", due, err)
	}
	return nil
}

// waitCommitted blocks until seq is committed. A wait cut short by a view
// change moves on to the next view.
func (r *Replica) waitCommitted(ctx context.Context, seq ordering.SeqNo) error {
	for {
		if seq.LessEq(r.Status().LastDelivered) || seq.LessEq(r.log.Window().Low) {
			return nil
		}
		_, err := r.log.WaitCertificate(ctx, r.log.View(), seq, message.PhaseCommit)
		switch {
		case err == nil, errors.Is(err, msglog.ErrPruned):
			return nil
		case errors.Is(err, msglog.ErrViewChanged), errors.Is(err, msglog.ErrStaleView):
		case errors.Is(err, msglog.ErrOutOfWindow) && seq.LessEq(r.log.Window().Low):
			return nil
		default:
			return err
		}
	}
}

// Committed returns the stream of executed batches in sequence order. Once
// called, delivery waits for the reader.
func (r *Replica) Committed() <-chan CommittedBatch {
	r.committedSubscribed.Store(true)
	return r.committed
}

// Checkpoints returns the stream of stable checkpoints.
func (r *Replica) Checkpoints() <-chan StableCheckpoint {
	r.checkpointsSubscribed.Store(true)
	return r.checkpoints
}

// Events returns protocol events. Events are dropped when the reader lags.
func (r *Replica) Events() <-chan Event {
	return r.events
}

// Recover asks the replica to fetch the latest agreed state from its peers.
func (r *Replica) Recover(ctx context.Context) error {
	return r.do(ctx, func(ctx context.Context) { r.startTransfer(ctx) })
}

// do runs fn on the event loop.
func (r *Replica) do(ctx context.Context, fn func(context.Context)) error {
	select {
	case r.cmds <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restore installs a stable checkpoint read from storage. It must be called
// before Run.
func (r *Replica) Restore(encoded []byte, cert message.Certificate) error {
	if r.running.Load() {
		return ErrRunning
	}
	if err := r.log.VerifyCertificate(cert); err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", cert.Seq, err)
	}
	snap, err := checkpoint.Decode(encoded)
	if err != nil {
		return fmt.Errorf("restore checkpoint %s: %w", cert.Seq, err)
	}
	if snap.Seq != cert.Seq || snap.Digest(r.opts.Hasher) != cert.Digest {
		return fmt.Errorf("restore checkpoint %s: %w", cert.Seq, checkpoint.ErrDiverged)
	}
	if err := r.installSnapshot(snap); err != nil {
		return err
	}
	r.log.Stabilize(cert)
	r.tracker.Install(snap, encoded, cert)
	r.publishStatus()
	logger.Infof("%s: restored checkpoint %s (%s)", r.self, cert.Seq, cert.Digest)
	return nil
}

// Status returns the latest published status.
func (r *Replica) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

func (r *Replica) publishStatus() {
	mode, view, candidate := r.mgr.Status()
	window := r.log.Window()
	s := Status{
		ID:            r.self,
		Mode:          mode,
		View:          view,
		Candidate:     candidate,
		Leader:        r.log.Leader(view),
		LastDelivered: r.lastDelivered,
		LastAccepted:  r.lastAccepted,
		Stable:        r.log.Stable().Seq,
		Window:        window,
		Pending:       r.pool.Size(),
		Transferring:  r.transfer.Active(),
	}
	r.statusMu.Lock()
	r.status = s
	r.statusMu.Unlock()
	r.metrics.View.Set(float64(view.Uint64()))
	r.metrics.UpdateLog(window.Low.Uint64(), r.log.Len())
}

func (r *Replica) poke() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// executed reports whether req counts as executed for its client.
func (r *Replica) executed(req message.Request) bool {
	r.clientsMu.RLock()
	defer r.clientsMu.RUnlock()
	return r.clients[req.ClientID].Has(req.Timestamp)
}

func (r *Replica) leader() bool {
	return r.log.Leader(r.mgr.View()) == r.self
}

func (r *Replica) normal() bool {
	mode, _, _ := r.mgr.Status()
	return mode == viewchange.StatusNormal
}
