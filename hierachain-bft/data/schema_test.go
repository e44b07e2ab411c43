package data

import (
	"reflect"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/google/uuid"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

func TestRequestSchema(t *testing.T) {
	schema := RequestSchema()

	if schema.NumFields() != 3 {
		t.Errorf("Expected 3 fields, got %d", schema.NumFields())
	}

	expectedNames := []string{"client_id", "timestamp", "operation"}
	for i, name := range expectedNames {
		if schema.Field(i).Name != name {
			t.Errorf("Field %d: expected %s, got %s", i, name, schema.Field(i).Name)
		}
	}
	if schema.Field(0).Type.ID() != arrow.FIXED_SIZE_BINARY {
		t.Errorf("Expected client_id to be fixed size binary, got %s", schema.Field(0).Type)
	}
}

func TestClientTableSchemaMetadata(t *testing.T) {
	meta := SnapshotMeta{Seq: 42, View: 3, AppState: "c3RhdGU="}
	schema := ClientTableSchema(meta)

	got, err := ReadSnapshotMeta(schema)
	if err != nil {
		t.Fatalf("ReadSnapshotMeta failed: %v", err)
	}
	if got != meta {
		t.Errorf("Expected %+v, got %+v", meta, got)
	}

	if _, err := ReadSnapshotMeta(RequestSchema()); err == nil {
		t.Error("Request schema carries no snapshot metadata")
	}
}

func TestConverterRequestsRoundTrip(t *testing.T) {
	converter := NewConverter()

	reqs := []message.Request{
		{ClientID: uuid.New(), Timestamp: 1, Operation: []byte("set a 1")},
		{ClientID: uuid.New(), Timestamp: 7, Operation: nil},
	}

	record, err := converter.RequestsToRecord(reqs)
	if err != nil {
		t.Fatalf("Failed to convert to Arrow: %v", err)
	}
	defer record.Release()

	if record.NumRows() != 2 {
		t.Errorf("Expected 2 rows, got %d", record.NumRows())
	}

	back, err := converter.RecordToRequests(record)
	if err != nil {
		t.Fatalf("Failed to convert back: %v", err)
	}
	for i := range reqs {
		if back[i].Key() != reqs[i].Key() {
			t.Errorf("Row %d: expected %s, got %s", i, reqs[i].Key(), back[i].Key())
		}
		if string(back[i].Operation) != string(reqs[i].Operation) {
			t.Errorf("Row %d: operation mismatch", i)
		}
	}
}

func TestConverterClientTable(t *testing.T) {
	converter := NewConverter()
	meta := SnapshotMeta{Seq: 10, View: 1, AppState: "e30="}
	entries := []ClientEntry{
		{ClientID: uuid.New(), Floor: 5, Executed: []uint64{7, 9}},
		{ClientID: uuid.New(), Floor: 2},
	}

	record := converter.ClientTableToRecord(meta, entries)
	defer record.Release()

	gotMeta, gotEntries, err := converter.RecordToClientTable(record)
	if err != nil {
		t.Fatalf("RecordToClientTable failed: %v", err)
	}
	if gotMeta != meta {
		t.Errorf("Expected %+v, got %+v", meta, gotMeta)
	}
	if !reflect.DeepEqual(gotEntries, entries) {
		t.Errorf("Expected entries %+v, got %+v", entries, gotEntries)
	}
}

func TestValidateSchema(t *testing.T) {
	converter := NewConverter()

	record, err := converter.RequestsToRecord([]message.Request{{ClientID: uuid.New(), Timestamp: 1}})
	if err != nil {
		t.Fatalf("Failed to create record: %v", err)
	}
	defer record.Release()

	if err := ValidateSchema(record.Schema(), RequestSchema()); err != nil {
		t.Errorf("Validation should pass: %v", err)
	}
	if err := ValidateSchema(record.Schema(), ClientTableSchema(SnapshotMeta{})); err == nil {
		t.Error("Validation should fail with wrong schema")
	}
	if _, _, err := converter.RecordToClientTable(record); err == nil {
		t.Error("Request record is not a client table")
	}
}

func TestJSONToRequests(t *testing.T) {
	id := uuid.New()
	reqs, err := JSONToRequests([]byte(`[{"client_id":"` + id.String() + `","timestamp":3,"operation":"get a"}]`))
	if err != nil {
		t.Fatalf("JSONToRequests failed: %v", err)
	}
	if len(reqs) != 1 || reqs[0].ClientID != id || reqs[0].Timestamp != 3 {
		t.Errorf("Unexpected requests %+v", reqs)
	}

	if _, err := JSONToRequests([]byte(`[{"client_id":"nope"}]`)); err == nil {
		t.Error("Expected error for malformed client id")
	}
}
