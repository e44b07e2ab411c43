package data

import (
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// RequestJSON is the JSON form of a request read by tooling.
type RequestJSON struct {
	ClientID  string `json:"client_id"`
	Timestamp uint64 `json:"timestamp"`
	Operation string `json:"operation"`
}

// ClientEntry is one row of a snapshot client table.
type ClientEntry struct {
	ClientID uuid.UUID
	Floor    uint64
	Executed []uint64
}

// Converter turns protocol values into Arrow records and back.
type Converter struct {
	allocator memory.Allocator
}

// NewConverter creates a new Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{allocator: memory.DefaultAllocator}
}

// RequestsToRecord converts a batch of requests to an Arrow record.
func (c *Converter) RequestsToRecord(reqs []message.Request) (arrow.Record, error) {
	if len(reqs) == 0 {
		return nil, errors.New("empty request batch")
	}

	builder := array.NewRecordBuilder(c.allocator, RequestSchema())
	defer builder.Release()

	idBuilder := builder.Field(0).(*array.FixedSizeBinaryBuilder)
	tsBuilder := builder.Field(1).(*array.Uint64Builder)
	opBuilder := builder.Field(2).(*array.BinaryBuilder)

	for _, req := range reqs {
		id := req.ClientID
		idBuilder.Append(id[:])
		tsBuilder.Append(req.Timestamp)
		opBuilder.Append(req.Operation)
	}

	return builder.NewRecord(), nil
}

// RecordToRequests converts an Arrow record back to requests.
func (c *Converter) RecordToRequests(record arrow.Record) (reqs []message.Request, err error) {
	if record == nil {
		return nil, errors.New("record is nil")
	}
	defer recoverMalformed(&err)
	if err := ValidateSchema(record.Schema(), RequestSchema()); err != nil {
		return nil, err
	}

	ids, ok := record.Column(0).(*array.FixedSizeBinary)
	if !ok {
		return nil, errors.New("column 0 (client_id) is not a FixedSizeBinary array")
	}
	timestamps, ok := record.Column(1).(*array.Uint64)
	if !ok {
		return nil, errors.New("column 1 (timestamp) is not a Uint64 array")
	}
	ops, ok := record.Column(2).(*array.Binary)
	if !ok {
		return nil, errors.New("column 2 (operation) is not a Binary array")
	}

	n := int(record.NumRows())
	if ids.Len() < n || timestamps.Len() < n || ops.Len() < n {
		return nil, fmt.Errorf("request columns shorter than %d rows", n)
	}
	reqs = make([]message.Request, n)
	for i := 0; i < n; i++ {
		if ids.IsNull(i) || timestamps.IsNull(i) {
			return nil, fmt.Errorf("row %d has null fields", i)
		}
		id, err := uuid.FromBytes(ids.Value(i))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		reqs[i] = message.Request{
			ClientID:  id,
			Timestamp: timestamps.Value(i),
			Operation: append([]byte(nil), ops.Value(i)...),
		}
	}
	return reqs, nil
}

// ClientTableToRecord builds the client table record of a snapshot.
func (c *Converter) ClientTableToRecord(meta SnapshotMeta, entries []ClientEntry) arrow.Record {
	builder := array.NewRecordBuilder(c.allocator, ClientTableSchema(meta))
	defer builder.Release()

	idBuilder := builder.Field(0).(*array.FixedSizeBinaryBuilder)
	floorBuilder := builder.Field(1).(*array.Uint64Builder)
	listBuilder := builder.Field(2).(*array.ListBuilder)
	tsBuilder := listBuilder.ValueBuilder().(*array.Uint64Builder)
	for _, e := range entries {
		id := e.ClientID
		idBuilder.Append(id[:])
		floorBuilder.Append(e.Floor)
		listBuilder.Append(true)
		tsBuilder.AppendValues(e.Executed, nil)
	}
	return builder.NewRecord()
}

// RecordToClientTable reads a client table record. Records decoded from
// the network are untrusted, so offsets are checked before use.
func (c *Converter) RecordToClientTable(record arrow.Record) (meta SnapshotMeta, entries []ClientEntry, err error) {
	if record == nil {
		return SnapshotMeta{}, nil, errors.New("record is nil")
	}
	defer recoverMalformed(&err)

	meta, err = ReadSnapshotMeta(record.Schema())
	if err != nil {
		return meta, nil, err
	}
	if err := ValidateSchema(record.Schema(), ClientTableSchema(meta)); err != nil {
		return meta, nil, err
	}

	ids, ok := record.Column(0).(*array.FixedSizeBinary)
	if !ok {
		return meta, nil, errors.New("column 0 (client_id) is not a FixedSizeBinary array")
	}
	floors, ok := record.Column(1).(*array.Uint64)
	if !ok {
		return meta, nil, errors.New("column 1 (floor) is not a Uint64 array")
	}
	lists, ok := record.Column(2).(*array.List)
	if !ok {
		return meta, nil, errors.New("column 2 (executed) is not a List array")
	}
	values, ok := lists.ListValues().(*array.Uint64)
	if !ok {
		return meta, nil, errors.New("column 2 (executed) does not hold Uint64 values")
	}

	n := int(record.NumRows())
	if ids.Len() < n || floors.Len() < n || lists.Len() < n {
		return meta, nil, fmt.Errorf("client table columns shorter than %d rows", n)
	}
	entries = make([]ClientEntry, n)
	for i := 0; i < n; i++ {
		id, err := uuid.FromBytes(ids.Value(i))
		if err != nil {
			return meta, nil, fmt.Errorf("row %d: %w", i, err)
		}
		start, end := lists.ValueOffsets(i)
		if start < 0 || end < start || end > int64(values.Len()) {
			return meta, nil, fmt.Errorf("row %d: executed offsets [%d, %d) out of range", i, start, end)
		}
		e := ClientEntry{ClientID: id, Floor: floors.Value(i)}
		if end > start {
			e.Executed = append([]uint64(nil), values.Uint64Values()[start:end]...)
		}
		entries[i] = e
	}
	return meta, entries, nil
}

// recoverMalformed turns a panic raised while reading an inconsistent
// record into an error.
func recoverMalformed(err *error) {
	if p := recover(); p != nil {
		*err = fmt.Errorf("malformed record: %v", p)
	}
}

// JSONToRequests parses a JSON array of requests.
func JSONToRequests(jsonData []byte) ([]message.Request, error) {
	var in []RequestJSON
	if err := json.Unmarshal(jsonData, &in); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	reqs := make([]message.Request, 0, len(in))
	for i, r := range in {
		id, err := uuid.Parse(r.ClientID)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		reqs = append(reqs, message.Request{ClientID: id, Timestamp: r.Timestamp, Operation: []byte(r.Operation)})
	}
	return reqs, nil
}
