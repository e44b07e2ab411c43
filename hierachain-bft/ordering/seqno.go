// Package ordering provides wrap-safe sequence and view numbers.
//
// Numbers are (epoch, counter) pairs compared lexicographically. When the
// counter overflows the epoch is incremented and the counter restarts at
// zero, so a counter that is driven to wrap can never alias an older value.
package ordering

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrTooSmall is returned when a number lies at or below a window base.
	ErrTooSmall = errors.New("sequence number below window")
	// ErrTooBig is returned when a number lies beyond a window's end.
	ErrTooBig = errors.New("sequence number beyond window")
	// ErrExhausted is returned when the epoch itself would overflow.
	ErrExhausted = errors.New("sequence space exhausted")
)

// SeqNo is a consensus sequence number.
type SeqNo struct {
	Epoch   uint32 `json:"epoch" codec:"epoch"`
	Counter uint32 `json:"counter" codec:"counter"`
}

// ZeroSeq is the genesis sequence number. No batch is ever ordered at it.
var ZeroSeq = SeqNo{}

// Seq builds a sequence number in epoch zero.
func Seq(counter uint32) SeqNo {
	return SeqNo{Counter: counter}
}

// SeqFromUint64 is the inverse of SeqNo.Uint64.
func SeqFromUint64(v uint64) SeqNo {
	return SeqNo{Epoch: uint32(v >> 32), Counter: uint32(v)}
}

// Uint64 packs the pair into a single value preserving the total order.
func (s SeqNo) Uint64() uint64 {
	return uint64(s.Epoch)<<32 | uint64(s.Counter)
}

// Next returns the successor of s.
func (s SeqNo) Next() SeqNo {
	if s.Counter == math.MaxUint32 {
		return SeqNo{Epoch: s.Epoch + 1}
	}
	return SeqNo{Epoch: s.Epoch, Counter: s.Counter + 1}
}

// Add returns s advanced by n positions.
func (s SeqNo) Add(n uint64) (SeqNo, error) {
	v := s.Uint64()
	if math.MaxUint64-v < n {
		return SeqNo{}, ErrExhausted
	}
	return SeqFromUint64(v + n), nil
}

// Compare returns -1, 0 or +1.
func (s SeqNo) Compare(o SeqNo) int {
	return compare(s.Epoch, s.Counter, o.Epoch, o.Counter)
}

func (s SeqNo) Less(o SeqNo) bool { return s.Compare(o) < 0 }

func (s SeqNo) LessEq(o SeqNo) bool { return s.Compare(o) <= 0 }

func (s SeqNo) IsZero() bool { return s == ZeroSeq }

// Distance returns how many positions o lies after s, or zero when o is not
// after s.
func (s SeqNo) Distance(o SeqNo) uint64 {
	if o.LessEq(s) {
		return 0
	}
	return o.Uint64() - s.Uint64()
}

// Max returns the larger of s and o.
func (s SeqNo) Max(o SeqNo) SeqNo {
	if s.Less(o) {
		return o
	}
	return s
}

func (s SeqNo) String() string {
	if s.Epoch == 0 {
		return fmt.Sprintf("%d", s.Counter)
	}
	return fmt.Sprintf("%d:%d", s.Epoch, s.Counter)
}

// Index classifies seq relative to the half-open range (base, base+size].
// The returned offset starts at zero for base.Next().
func Index(base, seq SeqNo, size uint64) (uint64, error) {
	if seq.LessEq(base) {
		return 0, ErrTooSmall
	}
	d := base.Distance(seq)
	if d > size {
		return 0, ErrTooBig
	}
	return d - 1, nil
}

func compare(ae, ac, be, bc uint32) int {
	switch {
	case ae < be:
		return -1
	case ae > be:
		return 1
	case ac < bc:
		return -1
	case ac > bc:
		return 1
	default:
		return 0
	}
}
