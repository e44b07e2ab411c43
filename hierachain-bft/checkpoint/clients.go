package checkpoint

import "sort"

// DefaultClientHistory bounds how many executed timestamps a ClientRecord
// keeps above its floor.
const DefaultClientHistory = 1024

// ClientRecord tells which requests of one client were executed: every
// timestamp at or below Floor, and the ones listed in Executed. Executed is
// ascending and only holds timestamps above Floor.
//
// Requests of one client may commit out of timestamp order, so the record
// keeps exact timestamps rather than the highest one. The floor moves up
// over timestamps that became contiguous, and, once more than the history
// limit are kept, over the oldest ones. A request below a floor moved by
// the limit counts as executed even if it never ran; Submit refuses such
// requests as duplicates.
type ClientRecord struct {
	Floor    uint64
	Executed []uint64
}

// Has reports whether ts counts as executed.
func (c ClientRecord) Has(ts uint64) bool {
	if ts <= c.Floor {
		return true
	}
	i := sort.Search(len(c.Executed), func(i int) bool { return c.Executed[i] >= ts })
	return i < len(c.Executed) && c.Executed[i] == ts
}

// With returns a copy of c with ts marked executed, keeping at most limit
// timestamps above the floor. c itself is not modified, so records may be
// shared with snapshots.
func (c ClientRecord) With(ts uint64, limit int) ClientRecord {
	if c.Has(ts) {
		return c
	}
	if limit <= 0 {
		limit = DefaultClientHistory
	}
	i := sort.Search(len(c.Executed), func(i int) bool { return c.Executed[i] >= ts })
	executed := make([]uint64, 0, len(c.Executed)+1)
	executed = append(executed, c.Executed[:i]...)
	executed = append(executed, ts)
	executed = append(executed, c.Executed[i:]...)

	floor := c.Floor
	for len(executed) > 0 && executed[0] == floor+1 {
		floor++
		executed = executed[1:]
	}
	if over := len(executed) - limit; over > 0 {
		floor = executed[over-1]
		executed = executed[over:]
	}
	if len(executed) == 0 {
		executed = nil
	}
	return ClientRecord{Floor: floor, Executed: executed}
}
