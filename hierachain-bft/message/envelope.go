package message

import "errors"

// ErrUnknownKind is returned for envelopes with an unrecognized kind.
var ErrUnknownKind = errors.New("unknown message kind")

// Kind tags the payload carried by an Envelope.
type Kind uint8

const (
	KindPrePrepare Kind = iota + 1
	KindPrepare
	KindCommit
	KindCheckpoint
	KindViewChange
	KindNewView
	KindCstRequest
	KindCstReply
	KindForward
	KindEvidence
)

func (k Kind) String() string {
	switch k {
	case KindPrePrepare:
		return "pre-prepare"
	case KindPrepare:
		return "prepare"
	case KindCommit:
		return "commit"
	case KindCheckpoint:
		return "checkpoint"
	case KindViewChange:
		return "view-change"
	case KindNewView:
		return "new-view"
	case KindCstRequest:
		return "cst-request"
	case KindCstReply:
		return "cst-reply"
	case KindForward:
		return "forward"
	case KindEvidence:
		return "evidence"
	default:
		return "unknown"
	}
}

// Envelope is the unit handed to the transport. Payload holds the codec
// encoding of the message selected by Kind.
type Envelope struct {
	Kind    Kind   `json:"kind" codec:"kind"`
	From    NodeID `json:"from" codec:"from"`
	Payload []byte `json:"payload" codec:"payload"`
}

// KindOfVote maps a vote phase to the envelope kind that carries it.
func KindOfVote(p Phase) Kind {
	switch p {
	case PhasePrepare:
		return KindPrepare
	case PhaseCommit:
		return KindCommit
	case PhaseCheckpoint:
		return KindCheckpoint
	default:
		return 0
	}
}
