package codec

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/ordering"
)

func samplePrePrepare() message.PrePrepare {
	return message.PrePrepare{
		Header: message.Vote{
			Phase:     message.PhasePrePrepare,
			View:      ordering.ViewNo{Epoch: 1, Counter: 2},
			Seq:       ordering.SeqNo{Epoch: 0, Counter: 42},
			Digest:    message.Digest{0xde, 0xad},
			Signer:    3,
			Signature: []byte{1, 2, 3},
		},
		Batch: []message.Request{
			{ClientID: uuid.New(), Timestamp: 9, Operation: []byte("set a 1")},
		},
	}
}

func TestCodecsPreserveMessages(t *testing.T) {
	for _, name := range []string{"msgpack", "json"} {
		t.Run(name, func(t *testing.T) {
			c, err := New(name)
			require.NoError(t, err)
			assert.Equal(t, name, c.Name())

			in := samplePrePrepare()
			data, err := c.Marshal(in)
			require.NoError(t, err)

			var out message.PrePrepare
			require.NoError(t, c.Unmarshal(data, &out))
			assert.Equal(t, in.Header.SigningBytes(), out.Header.SigningBytes())
			assert.Equal(t, in.Header.Signature, out.Header.Signature)
			assert.Equal(t, message.EncodeBatch(in.Batch), message.EncodeBatch(out.Batch))
		})
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	for _, name := range []string{"msgpack", "json"} {
		c, err := New(name)
		require.NoError(t, err)
		var env message.Envelope
		assert.Error(t, c.Unmarshal([]byte{0xc1, 0xff, 0x00}, &env), name)
	}
}

func TestUnknownCodec(t *testing.T) {
	_, err := New("gob")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func FuzzMsgpackEnvelope(f *testing.F) {
	c := NewMsgpack()
	seed, _ := c.Marshal(message.Envelope{Kind: message.KindCommit, From: 1, Payload: []byte("x")})
	f.Add(seed)
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		var env message.Envelope
		_ = c.Unmarshal(data, &env)
	})
}
