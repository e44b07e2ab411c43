package data

import (
	"testing"

	"github.com/google/uuid"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// FuzzJSONToRequests tests the JSON request parser with random inputs.
// Run with: go test -fuzz=FuzzJSONToRequests -fuzztime=30s ./hierachain-bft/data/
func FuzzJSONToRequests(f *testing.F) {
	f.Add([]byte(`[{"client_id":"6ba7b810-9dad-11d1-80b4-00c04fd430c8","timestamp":1,"operation":"set a 1"}]`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`[{}]`))

	// Add some malformed inputs
	f.Add([]byte(`{}`))
	f.Add([]byte(`null`))
	f.Add([]byte(`[null]`))
	f.Add([]byte(`[1,2,3]`))

	c := NewConverter()

	f.Fuzz(func(t *testing.T, data []byte) {
		reqs, err := JSONToRequests(data)
		if err != nil || len(reqs) == 0 {
			return
		}
		record, err := c.RequestsToRecord(reqs)
		if err != nil {
			t.Fatalf("valid requests failed to convert: %v", err)
		}
		defer record.Release()
		back, err := c.RecordToRequests(record)
		if err != nil {
			t.Fatalf("round trip failed: %v", err)
		}
		if len(back) != len(reqs) {
			t.Fatalf("round trip lost rows: %d != %d", len(back), len(reqs))
		}
	})
}

// FuzzRequestsToRecord tests request conversion with edge cases.
// Run with: go test -fuzz=FuzzRequestsToRecord -fuzztime=30s ./hierachain-bft/data/
func FuzzRequestsToRecord(f *testing.F) {
	f.Add(uint64(1), []byte("op"))
	f.Add(uint64(0), []byte{})
	f.Add(^uint64(0), []byte("very-long-operation-that-exceeds-normal-expectations"))

	c := NewConverter()

	f.Fuzz(func(t *testing.T, ts uint64, op []byte) {
		req := message.Request{ClientID: uuid.New(), Timestamp: ts, Operation: op}
		record, err := c.RequestsToRecord([]message.Request{req})
		if err != nil {
			t.Fatalf("conversion failed: %v", err)
		}
		defer record.Release()
		back, err := c.RecordToRequests(record)
		if err != nil {
			t.Fatalf("round trip failed: %v", err)
		}
		if back[0].Key() != req.Key() || string(back[0].Operation) != string(op) {
			t.Fatalf("round trip mismatch")
		}
	})
}
