// Package service defines the replicated state machine driven by the
// consensus core and provides a key-value implementation of it.
package service

import (
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// State is the application state of one replica. Marshal must be
// deterministic: replicas that executed the same requests produce the same
// bytes, since checkpoints compare their digests.
type State interface {
	Marshal() ([]byte, error)
}

// Service executes ordered requests. Update may modify state in place and
// must be deterministic.
type Service interface {
	InitialState() State
	Update(state State, req message.Request) []byte
	Unmarshal(data []byte) (State, error)
}
