// Package codec provides the wire serialization capability. Exactly one
// codec is active per deployment; replicas of a cluster must agree on it.
package codec

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	ugorji "github.com/ugorji/go/codec"
)

var ErrUnknownCodec = errors.New("unknown codec")

// Codec serializes protocol messages for the transport.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// New returns the codec registered under name.
func New(name string) (Codec, error) {
	switch name {
	case "", "msgpack":
		return NewMsgpack(), nil
	case "json":
		return JSON{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Msgpack encodes values as MessagePack.
type Msgpack struct {
	handle *ugorji.MsgpackHandle
}

func NewMsgpack() *Msgpack {
	h := &ugorji.MsgpackHandle{}
	h.WriteExt = true
	return &Msgpack{handle: h}
}

func (m *Msgpack) Name() string { return "msgpack" }

func (m *Msgpack) Marshal(v any) ([]byte, error) {
	var buf []byte
	enc := ugorji.NewEncoderBytes(&buf, m.handle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("msgpack encode: %w", err)
	}
	return buf, nil
}

func (m *Msgpack) Unmarshal(data []byte, v any) error {
	dec := ugorji.NewDecoderBytes(data, m.handle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("msgpack decode: %w", err)
	}
	return nil
}

// JSON encodes values as JSON. Mostly useful when debugging a cluster.
type JSON struct{}

func (JSON) Name() string { return "json" }

func (JSON) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}
