package message

import (
	"encoding/binary"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

// encoder builds the canonical byte strings that signatures and digests are
// computed over. It is independent of the configured wire codec, so two
// replicas using different codecs still agree on what was signed.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }

func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) str(s string) { e.bytes([]byte(s)) }

func (e *encoder) digest(d Digest) { e.buf = append(e.buf, d[:]...) }

func (e *encoder) seq(s ordering.SeqNo) {
	e.u32(s.Epoch)
	e.u32(s.Counter)
}

func (e *encoder) view(v ordering.ViewNo) {
	e.u32(v.Epoch)
	e.u32(v.Counter)
}

func (e *encoder) vote(v Vote) {
	e.bytes(v.SigningBytes())
	e.bytes(v.Signature)
}

func (e *encoder) cert(c Certificate) {
	e.u8(uint8(c.Phase))
	e.view(c.View)
	e.seq(c.Seq)
	e.digest(c.Digest)
	e.u32(uint32(len(c.Votes)))
	for _, v := range c.Votes {
		e.vote(v)
	}
}

func (e *encoder) prepared(p PreparedCert) {
	e.vote(p.PrePrepare.Header)
	e.batch(p.PrePrepare.Batch)
	e.u32(uint32(len(p.Prepares)))
	for _, v := range p.Prepares {
		e.vote(v)
	}
}

func (e *encoder) batch(reqs []Request) {
	e.u32(uint32(len(reqs)))
	for _, r := range reqs {
		e.buf = append(e.buf, r.ClientID[:]...)
		e.u64(r.Timestamp)
		e.bytes(r.Operation)
	}
}
