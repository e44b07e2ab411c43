package msglog

import (
	"errors"
	"fmt"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

var (
	ErrNotMember      = errors.New("signer is not a member")
	ErrNotLeader      = errors.New("proposal not signed by the view leader")
	ErrLeaderPrepare  = errors.New("leader must not send prepare")
	ErrWrongPhase     = errors.New("unexpected vote phase")
	ErrBadSignature   = errors.New("invalid signature")
	ErrDigestMismatch = errors.New("batch does not match digest")
	ErrStaleView      = errors.New("vote for an older view")
	ErrFutureView     = errors.New("vote for a future view")
	ErrOutOfWindow    = errors.New("sequence outside watermark window")
	ErrEquivocation   = errors.New("conflicting votes from the same signer")
	ErrPruned         = errors.New("slot pruned by stable checkpoint")
	ErrViewChanged    = errors.New("slot abandoned by view change")
)

// EquivocationError carries the two conflicting statements of a signer.
type EquivocationError struct {
	First  message.Vote
	Second message.Vote
}

func (e *EquivocationError) Error() string {
	return fmt.Sprintf("%s: %s signed %s and %s for %s/%s",
		ErrEquivocation, e.First.Signer, e.First.Digest, e.Second.Digest, e.First.View, e.First.Seq)
}

func (e *EquivocationError) Is(target error) bool {
	return target == ErrEquivocation
}
