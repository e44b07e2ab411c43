package checkpoint

import (
	"errors"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

var logger = logging.Logger("bft/checkpoint")

var (
	// ErrMissingState is returned when a checkpoint became stable at a
	// sequence this replica has not delivered yet.
	ErrMissingState = errors.New("stable checkpoint ahead of local state")
	// ErrDiverged is returned when the quorum agreed on a digest different
	// from the local one.
	ErrDiverged = errors.New("local state diverged from stable checkpoint")
)

// Stable is a checkpoint confirmed by a quorum, together with the local
// snapshot it certifies.
type Stable struct {
	Cert     message.Certificate
	Snapshot Snapshot
	Encoded  []byte
}

func (s Stable) Seq() ordering.SeqNo { return s.Cert.Seq }

type taken struct {
	snap    Snapshot
	digest  message.Digest
	encoded []byte
}

// Tracker keeps the snapshots this replica took until they become stable,
// and the latest stable one for serving state transfers.
type Tracker struct {
	period uint64
	hasher crypto.Hasher

	mu        sync.Mutex
	own       map[ordering.SeqNo]taken
	stable    Stable
	hasStable bool
}

// NewTracker creates a tracker taking a checkpoint every period sequences.
func NewTracker(period uint64, h crypto.Hasher) *Tracker {
	return &Tracker{
		period: period,
		hasher: h,
		own:    make(map[ordering.SeqNo]taken),
	}
}

// Due reports whether delivering seq completes a checkpoint period.
func (t *Tracker) Due(seq ordering.SeqNo) bool {
	return t.period > 0 && !seq.IsZero() && seq.Uint64()%t.period == 0
}

// Take stores the local snapshot at s.Seq and returns its digest.
func (t *Tracker) Take(s Snapshot) (message.Digest, error) {
	encoded, err := Encode(s)
	if err != nil {
		return message.Digest{}, err
	}
	d := s.Digest(t.hasher)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.own[s.Seq] = taken{snap: s, digest: d, encoded: encoded}
	return d, nil
}

// Own returns the digest of the local snapshot at seq.
func (t *Tracker) Own(seq ordering.SeqNo) (message.Digest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tk, ok := t.own[seq]
	return tk.digest, ok
}

// Stabilize marks the checkpoint certified by cert as stable. It fails with
// ErrMissingState or ErrDiverged when the local snapshot cannot back the
// certificate; the caller must then fetch state from its peers.
func (t *Tracker) Stabilize(cert message.Certificate) (Stable, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for seq := range t.own {
		if seq.Less(cert.Seq) {
			delete(t.own, seq)
		}
	}
	tk, ok := t.own[cert.Seq]
	if !ok {
		return Stable{}, fmt.Errorf("%w: %s", ErrMissingState, cert.Seq)
	}
	delete(t.own, cert.Seq)
	if tk.digest != cert.Digest {
		logger.Errorf("checkpoint %s: local digest %s, quorum %s", cert.Seq, tk.digest, cert.Digest)
		return Stable{}, fmt.Errorf("%w: %s", ErrDiverged, cert.Seq)
	}

	if t.hasStable && !t.stable.Seq().Less(cert.Seq) {
		return t.stable, nil
	}
	t.stable = Stable{Cert: cert, Snapshot: tk.snap, Encoded: tk.encoded}
	t.hasStable = true
	return t.stable, nil
}

// Latest returns the newest stable checkpoint.
func (t *Tracker) Latest() (Stable, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stable, t.hasStable
}

// Install replaces the local history by a snapshot obtained through state
// transfer. Pending local snapshots at or below it are dropped.
func (t *Tracker) Install(s Snapshot, encoded []byte, cert message.Certificate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for seq := range t.own {
		if seq.LessEq(s.Seq) {
			delete(t.own, seq)
		}
	}
	if len(cert.Votes) == 0 || cert.Seq != s.Seq {
		return
	}
	if t.hasStable && !t.stable.Seq().Less(s.Seq) {
		return
	}
	t.stable = Stable{Cert: cert, Snapshot: s, Encoded: encoded}
	t.hasStable = true
}
