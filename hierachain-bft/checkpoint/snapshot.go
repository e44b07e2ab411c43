// Package checkpoint turns delivered sequence numbers into stable
// checkpoints and brings lagging replicas up to date through state
// transfer.
package checkpoint

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"

	bftarrow "github.com/VanDung-dev/HieraChain-BFT/arrow"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/crypto"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/data"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

// Snapshot is the replicated state after delivering Seq: the service state
// and the executed requests of every client.
type Snapshot struct {
	Seq      ordering.SeqNo
	View     ordering.ViewNo
	AppState []byte
	Clients  map[uuid.UUID]ClientRecord
}

// Digest hashes the canonical content of the snapshot. The view is not
// covered: replicas may deliver the same sequence in different views.
func (s Snapshot) Digest(h crypto.Hasher) message.Digest {
	ids := make([]uuid.UUID, 0, len(s.Clients))
	for id := range s.Clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return string(ids[i][:]) < string(ids[j][:])
	})

	buf := make([]byte, 0, 32+len(s.AppState)+32*len(ids))
	buf = append(buf, "snapshot"...)
	buf = binary.BigEndian.AppendUint64(buf, s.Seq.Uint64())
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(s.AppState)))
	buf = append(buf, s.AppState...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(ids)))
	for _, id := range ids {
		rec := s.Clients[id]
		buf = append(buf, id[:]...)
		buf = binary.BigEndian.AppendUint64(buf, rec.Floor)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec.Executed)))
		for _, ts := range rec.Executed {
			buf = binary.BigEndian.AppendUint64(buf, ts)
		}
	}
	return h.Sum(buf)
}

var (
	converter = data.NewConverter()
	ipcCodec  = bftarrow.NewIPCCodec(0)
)

// Encode serializes s as an Arrow IPC stream: the client table is the
// record batch, the scalars travel in the schema metadata.
func Encode(s Snapshot) ([]byte, error) {
	meta := data.SnapshotMeta{
		Seq:      s.Seq.Uint64(),
		View:     s.View.Uint64(),
		AppState: base64.StdEncoding.EncodeToString(s.AppState),
	}
	entries := make([]data.ClientEntry, 0, len(s.Clients))
	for id, rec := range s.Clients {
		entries = append(entries, data.ClientEntry{ClientID: id, Floor: rec.Floor, Executed: rec.Executed})
	}
	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].ClientID[:]) < string(entries[j].ClientID[:])
	})

	record := converter.ClientTableToRecord(meta, entries)
	defer record.Release()
	return ipcCodec.Encode(record.Schema(), record)
}

// Decode is the inverse of Encode. raw may come from a faulty peer: the
// stream is size checked before anything is allocated for it.
func Decode(raw []byte) (Snapshot, error) {
	record, err := ipcCodec.DecodeOne(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	defer record.Release()

	meta, entries, err := converter.RecordToClientTable(record)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	app, err := base64.StdEncoding.DecodeString(meta.AppState)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot state: %w", err)
	}

	s := Snapshot{
		Seq:      ordering.SeqFromUint64(meta.Seq),
		View:     viewFromUint64(meta.View),
		AppState: app,
		Clients:  make(map[uuid.UUID]ClientRecord, len(entries)),
	}
	for _, e := range entries {
		if !sort.SliceIsSorted(e.Executed, func(i, j int) bool { return e.Executed[i] < e.Executed[j] }) {
			return Snapshot{}, fmt.Errorf("decode snapshot: client %s timestamps out of order", e.ClientID)
		}
		s.Clients[e.ClientID] = ClientRecord{Floor: e.Floor, Executed: e.Executed}
	}
	return s, nil
}

func viewFromUint64(v uint64) ordering.ViewNo {
	return ordering.ViewNo{Epoch: uint32(v >> 32), Counter: uint32(v)}
}
