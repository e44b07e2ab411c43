package service

import (
	"bytes"
	"fmt"
	"strconv"

	json "github.com/goccy/go-json"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// Replies of the key-value service.
var (
	ReplyOK       = []byte("OK")
	ReplyNotFound = []byte("NOT_FOUND")
)

// KVState is a string map. Its JSON encoding sorts keys, which makes
// Marshal deterministic.
type KVState struct {
	Data map[string]string `json:"data"`
}

func (s *KVState) Marshal() ([]byte, error) {
	return json.Marshal(s)
}

// Get returns the value stored under key.
func (s *KVState) Get(key string) (string, bool) {
	v, ok := s.Data[key]
	return v, ok
}

// KV executes text operations:
//
//	set <key> <value>
//	get <key>
//	incr <key>
//	del <key>
type KV struct{}

func NewKV() KV { return KV{} }

func (KV) InitialState() State {
	return &KVState{Data: make(map[string]string)}
}

func (KV) Unmarshal(data []byte) (State, error) {
	s := &KVState{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("kv state: %w", err)
	}
	if s.Data == nil {
		s.Data = make(map[string]string)
	}
	return s, nil
}

func (KV) Update(state State, req message.Request) []byte {
	s, ok := state.(*KVState)
	if !ok {
		return []byte("ERR state type")
	}
	fields := bytes.SplitN(req.Operation, []byte(" "), 3)
	op := string(fields[0])

	switch {
	case op == "set" && len(fields) == 3:
		s.Data[string(fields[1])] = string(fields[2])
		return ReplyOK
	case op == "get" && len(fields) == 2:
		v, ok := s.Data[string(fields[1])]
		if !ok {
			return ReplyNotFound
		}
		return []byte(v)
	case op == "incr" && len(fields) == 2:
		key := string(fields[1])
		n, err := strconv.ParseInt(s.Data[key], 10, 64)
		if err != nil && s.Data[key] != "" {
			return []byte("ERR not an integer")
		}
		n++
		s.Data[key] = strconv.FormatInt(n, 10)
		return []byte(s.Data[key])
	case op == "del" && len(fields) == 2:
		delete(s.Data, string(fields[1]))
		return ReplyOK
	default:
		return []byte("ERR unknown operation")
	}
}

// Set builds a set operation.
func Set(key, value string) []byte { return []byte("set " + key + " " + value) }

// Get builds a get operation.
func Get(key string) []byte { return []byte("get " + key) }

// Incr builds an incr operation.
func Incr(key string) []byte { return []byte("incr " + key) }

// Del builds a del operation.
func Del(key string) []byte { return []byte("del " + key) }
