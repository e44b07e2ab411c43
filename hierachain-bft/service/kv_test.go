package service

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

func apply(svc KV, s State, ops ...[]byte) [][]byte {
	client := uuid.New()
	out := make([][]byte, 0, len(ops))
	for i, op := range ops {
		out = append(out, svc.Update(s, message.Request{ClientID: client, Timestamp: uint64(i + 1), Operation: op}))
	}
	return out
}

func TestKVOperations(t *testing.T) {
	svc := NewKV()
	s := svc.InitialState()

	replies := apply(svc, s,
		Set("a", "hello world"),
		Get("a"),
		Get("missing"),
		Incr("n"),
		Incr("n"),
		Incr("a"),
		Del("a"),
		Get("a"),
		[]byte("drop table"),
	)
	assert.Equal(t, [][]byte{
		ReplyOK,
		[]byte("hello world"),
		ReplyNotFound,
		[]byte("1"),
		[]byte("2"),
		[]byte("ERR not an integer"),
		ReplyOK,
		ReplyNotFound,
		[]byte("ERR unknown operation"),
	}, replies)
}

func TestKVMarshalDeterministic(t *testing.T) {
	svc := NewKV()
	a, b := svc.InitialState(), svc.InitialState()
	apply(svc, a, Set("x", "1"), Set("y", "2"), Set("z", "3"))
	apply(svc, b, Set("z", "3"), Set("x", "1"), Set("y", "2"))

	ra, err := a.Marshal()
	require.NoError(t, err)
	rb, err := b.Marshal()
	require.NoError(t, err)
	assert.Equal(t, ra, rb)

	restored, err := svc.Unmarshal(ra)
	require.NoError(t, err)
	v, ok := restored.(*KVState).Get("y")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	empty, err := svc.Unmarshal([]byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, ReplyNotFound, apply(svc, empty, Get("x"))[0])
}
