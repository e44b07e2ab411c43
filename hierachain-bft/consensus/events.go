package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

// CommittedBatch is a batch executed at Seq. Replies holds one entry per
// request; it is nil for requests skipped as already executed.
type CommittedBatch struct {
	Seq      ordering.SeqNo
	View     ordering.ViewNo
	Digest   message.Digest
	Requests []message.Request
	Replies  [][]byte
}

// StableCheckpoint is emitted once a checkpoint gathered 2f+1 matching
// votes and matches the local state. Snapshot is the encoded snapshot, ready
// to be persisted.
type StableCheckpoint struct {
	Seq      ordering.SeqNo
	Digest   message.Digest
	Cert     message.Certificate
	Snapshot []byte
}

// EventKind classifies protocol events.
type EventKind uint8

const (
	EventRejected EventKind = iota + 1
	EventSuspected
	EventDistrusted
	EventEquivocation
	EventViewChangeStarted
	EventViewInstalled
	EventCheckpointStable
	EventStateTransferStarted
	EventStateInstalled
)

func (k EventKind) String() string {
	switch k {
	case EventRejected:
		return "rejected"
	case EventSuspected:
		return "suspected"
	case EventDistrusted:
		return "distrusted"
	case EventEquivocation:
		return "equivocation"
	case EventViewChangeStarted:
		return "view-change-started"
	case EventViewInstalled:
		return "view-installed"
	case EventCheckpointStable:
		return "checkpoint-stable"
	case EventStateTransferStarted:
		return "state-transfer-started"
	case EventStateInstalled:
		return "state-installed"
	default:
		return "unknown"
	}
}

// Event reports something the replica observed or did. Node is the peer
// concerned, if any.
type Event struct {
	Kind EventKind
	Time time.Time
	Node message.NodeID
	View ordering.ViewNo
	Seq  ordering.SeqNo
	Err  error
}

func (e Event) String() string {
	s := fmt.Sprintf("%s view=%s seq=%s", e.Kind, e.View, e.Seq)
	if e.Node != 0 {
		s += fmt.Sprintf(" node=%s", e.Node)
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// emit publishes ev without blocking. Events nobody reads are counted and
// dropped.
func (r *Replica) emit(ev Event) {
	ev.Time = time.Now()
	select {
	case r.events <- ev:
	default:
		r.metrics.DroppedEvents.Inc()
	}
}

// publishCommitted hands cb to the Committed subscriber. Once somebody
// subscribed, delivery waits for the reader; before that, batches are only
// buffered.
func (r *Replica) publishCommitted(ctx context.Context, cb CommittedBatch) {
	if !r.committedSubscribed.Load() {
		select {
		case r.committed <- cb:
		default:
			r.metrics.DroppedEvents.Inc()
		}
		return
	}
	select {
	case r.committed <- cb:
	case <-ctx.Done():
	}
}

func (r *Replica) publishCheckpoint(ctx context.Context, sc StableCheckpoint) {
	if !r.checkpointsSubscribed.Load() {
		select {
		case r.checkpoints <- sc:
		default:
			r.metrics.DroppedEvents.Inc()
		}
		return
	}
	select {
	case r.checkpoints <- sc:
	case <-ctx.Done():
	}
}
