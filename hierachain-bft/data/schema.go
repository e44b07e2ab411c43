package data

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
)

// Schema metadata keys carried by snapshot client tables.
const (
	MetaSeq      = "bft.seq"
	MetaView     = "bft.view"
	MetaAppState = "bft.app_state"
)

// uuidType stores client ids as their 16 raw bytes.
var uuidType = &arrow.FixedSizeBinaryType{ByteWidth: 16}

var timestampList = arrow.ListOf(arrow.PrimitiveTypes.Uint64)

// RequestSchema returns the Arrow schema for a batch of client requests.
//
// Fields:
//   - client_id: fixed_size_binary(16) - Client UUID
//   - timestamp: uint64 - Client timestamp, unique per client
//   - operation: binary - Opaque operation payload
func RequestSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "client_id", Type: uuidType},
			{Name: "timestamp", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "operation", Type: arrow.BinaryTypes.Binary},
		},
		nil,
	)
}

// ClientTableSchema returns the Arrow schema of a snapshot's client table.
// Snapshot scalars travel in the schema metadata.
//
// Fields:
//   - client_id: fixed_size_binary(16) - Client UUID
//   - floor: uint64 - Every timestamp at or below it counts as executed
//   - executed: list<uint64> - Executed timestamps above floor, ascending
func ClientTableSchema(meta SnapshotMeta) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{MetaSeq, MetaView, MetaAppState},
		[]string{
			strconv.FormatUint(meta.Seq, 10),
			strconv.FormatUint(meta.View, 10),
			meta.AppState,
		},
	)
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "client_id", Type: uuidType},
			{Name: "floor", Type: arrow.PrimitiveTypes.Uint64},
			{Name: "executed", Type: timestampList},
		},
		&md,
	)
}

// SnapshotMeta holds the scalars of a snapshot. AppState is base64.
type SnapshotMeta struct {
	Seq      uint64
	View     uint64
	AppState string
}

// ReadSnapshotMeta extracts SnapshotMeta from a client table schema.
func ReadSnapshotMeta(schema *arrow.Schema) (SnapshotMeta, error) {
	md := schema.Metadata()
	get := func(key string) (string, error) {
		i := md.FindKey(key)
		if i < 0 {
			return "", fmt.Errorf("schema metadata %q missing", key)
		}
		return md.Values()[i], nil
	}

	var meta SnapshotMeta
	seq, err := get(MetaSeq)
	if err != nil {
		return meta, err
	}
	if meta.Seq, err = strconv.ParseUint(seq, 10, 64); err != nil {
		return meta, fmt.Errorf("bad %s: %w", MetaSeq, err)
	}
	view, err := get(MetaView)
	if err != nil {
		return meta, err
	}
	if meta.View, err = strconv.ParseUint(view, 10, 64); err != nil {
		return meta, fmt.Errorf("bad %s: %w", MetaView, err)
	}
	if meta.AppState, err = get(MetaAppState); err != nil {
		return meta, err
	}
	return meta, nil
}

// ValidateSchema checks that actual carries the fields of expected.
func ValidateSchema(actual, expected *arrow.Schema) error {
	if actual == nil {
		return fmt.Errorf("schema is nil")
	}
	if actual.NumFields() != expected.NumFields() {
		return fmt.Errorf("field count mismatch: got %d, expected %d",
			actual.NumFields(), expected.NumFields())
	}

	for i := 0; i < actual.NumFields(); i++ {
		actualField := actual.Field(i)
		expectedField := expected.Field(i)

		if actualField.Name != expectedField.Name {
			return fmt.Errorf("field %d name mismatch: got %s, expected %s",
				i, actualField.Name, expectedField.Name)
		}

		if !arrow.TypeEqual(actualField.Type, expectedField.Type) {
			return fmt.Errorf("field %s type mismatch: got %s, expected %s",
				actualField.Name, actualField.Type, expectedField.Type)
		}
	}

	return nil
}
