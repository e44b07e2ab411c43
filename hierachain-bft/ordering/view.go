package ordering

import (
	"fmt"
	"math"
)

// ViewNo identifies an epoch of leadership.
type ViewNo struct {
	Epoch   uint32 `json:"epoch" codec:"epoch"`
	Counter uint32 `json:"counter" codec:"counter"`
}

// View builds a view number in epoch zero.
func View(counter uint32) ViewNo {
	return ViewNo{Counter: counter}
}

func (v ViewNo) Uint64() uint64 {
	return uint64(v.Epoch)<<32 | uint64(v.Counter)
}

// Next returns the following view.
func (v ViewNo) Next() ViewNo {
	if v.Counter == math.MaxUint32 {
		return ViewNo{Epoch: v.Epoch + 1}
	}
	return ViewNo{Epoch: v.Epoch, Counter: v.Counter + 1}
}

func (v ViewNo) Compare(o ViewNo) int {
	return compare(v.Epoch, v.Counter, o.Epoch, o.Counter)
}

func (v ViewNo) Less(o ViewNo) bool { return v.Compare(o) < 0 }

// LeaderIndex returns the position of the leader of view v in a membership
// of size n, rotating round-robin.
func (v ViewNo) LeaderIndex(n int) int {
	if n <= 0 {
		return 0
	}
	return int(v.Uint64() % uint64(n))
}

func (v ViewNo) String() string {
	if v.Epoch == 0 {
		return fmt.Sprintf("v%d", v.Counter)
	}
	return fmt.Sprintf("v%d:%d", v.Epoch, v.Counter)
}
