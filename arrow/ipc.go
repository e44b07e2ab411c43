package arrow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	flatbuffers "github.com/google/flatbuffers/go"
)

// DefaultMaxBytes bounds the IPC streams accepted by Decode.
const DefaultMaxBytes = 64 * 1024 * 1024

var (
	ErrEmptyStream = errors.New("no records in IPC data")
	ErrTooLarge    = errors.New("IPC data exceeds size limit")
	ErrMalformed   = errors.New("malformed IPC stream")
)

const (
	continuationMarker = 0xFFFFFFFF
	// allocSlack covers the padding the reader adds to every buffer.
	allocSlack = 64 * 1024
	// maxFieldDepth bounds the nesting of schema fields.
	maxFieldDepth = 64
)

// vtable offsets of the flatbuffer tables in Arrow's Message.fbs and
// Schema.fbs that the reader sizes slices from.
const (
	messageHeaderTypeField     = 6
	messageHeaderField         = 8
	bodyLengthField            = 10
	messageCustomMetadataField = 12

	schemaFieldsField         = 6
	schemaCustomMetadataField = 8
	schemaFeaturesField       = 10

	fieldChildrenField       = 14
	fieldCustomMetadataField = 16

	batchNodesField    = 6
	batchBuffersField  = 8
	batchVariadicField = 12

	dictionaryDataField = 6
)

// Message header union tags.
const (
	headerSchema          = 1
	headerDictionaryBatch = 2
	headerRecordBatch     = 3
)

// IPCCodec writes and reads Arrow IPC streams.
type IPCCodec struct {
	allocator memory.Allocator
	maxBytes  int
}

// NewIPCCodec creates a codec accepting streams of up to maxBytes. A
// non-positive limit selects DefaultMaxBytes.
func NewIPCCodec(maxBytes int) *IPCCodec {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &IPCCodec{
		allocator: memory.NewGoAllocator(),
		maxBytes:  maxBytes,
	}
}

// Encode serializes records sharing schema into one IPC stream. The schema,
// including its metadata, is written even when there are no records.
func (c *IPCCodec) Encode(schema *arrow.Schema, records ...arrow.Record) ([]byte, error) {
	var buf bytes.Buffer

	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema), ipc.WithAllocator(c.allocator))
	defer writer.Close()

	for i, record := range records {
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reads every record of an IPC stream. Callers must Release the
// returned records.
//
// data may come from a faulty peer. Before the Arrow reader sees it, every
// message length and every metadata vector length is checked against the
// bytes actually present, and the reader allocates from a budget
// proportional to len(data), so length fields cannot make it allocate more
// than the stream could hold.
func (c *IPCCodec) Decode(data []byte) (schema *arrow.Schema, records []arrow.Record, err error) {
	if len(data) > c.maxBytes {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, len(data), c.maxBytes)
	}
	if err := checkFraming(data); err != nil {
		return nil, nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			for _, r := range records {
				r.Release()
			}
			schema, records = nil, nil
			if e, ok := p.(error); ok && errors.Is(e, ErrTooLarge) {
				err = e
				return
			}
			err = fmt.Errorf("%w: %v", ErrMalformed, p)
		}
	}()

	mem := &budgetAllocator{mem: c.allocator, budget: 2*int64(len(data)) + allocSlack}
	reader, err := ipc.NewReader(bytes.NewReader(data), ipc.WithAllocator(mem))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	for reader.Next() {
		record := reader.Record()
		record.Retain()
		records = append(records, record)
	}

	if reader.Err() != nil {
		for _, r := range records {
			r.Release()
		}
		return nil, nil, reader.Err()
	}

	return reader.Schema(), records, nil
}

// DecodeOne reads a stream expected to hold exactly one record.
func (c *IPCCodec) DecodeOne(data []byte) (arrow.Record, error) {
	_, records, err := c.Decode(data)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrEmptyStream
	}
	for _, r := range records[1:] {
		r.Release()
	}
	return records[0], nil
}

// checkFraming walks the messages of an IPC stream and fails when a
// metadata or body length runs past the end of data, or when the metadata
// itself is inconsistent.
func checkFraming(data []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrMalformed, p)
		}
	}()

	rest := data
	for len(rest) >= 4 {
		n := binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
		if n == continuationMarker {
			if len(rest) < 4 {
				return fmt.Errorf("%w: truncated message length", ErrMalformed)
			}
			n = binary.LittleEndian.Uint32(rest)
			rest = rest[4:]
		}
		if n == 0 {
			return nil
		}
		if uint64(n) > uint64(len(rest)) {
			return fmt.Errorf("%w: metadata of %d bytes, %d left", ErrMalformed, n, len(rest))
		}
		meta := rest[:n]
		rest = rest[n:]
		if err := checkMessage(meta); err != nil {
			return err
		}

		body := bodyLength(meta)
		if body < 0 || body > int64(len(rest)) {
			return fmt.Errorf("%w: body of %d bytes, %d left", ErrMalformed, body, len(rest))
		}
		rest = rest[body:]
	}
	return nil
}

// bodyLength reads Message.bodyLength from a flatbuffer message header.
func bodyLength(meta []byte) int64 {
	tab := flatbuffers.Table{Bytes: meta, Pos: flatbuffers.GetUOffsetT(meta)}
	if o := flatbuffers.UOffsetT(tab.Offset(bodyLengthField)); o != 0 {
		return tab.GetInt64(o + tab.Pos)
	}
	return 0
}

// metaWalker checks that the vectors of one flatbuffer message fit in its
// bytes. The Arrow reader makes slices as long as these vectors claim.
type metaWalker struct {
	meta []byte
	// fields left to visit; children may share tables, so the walk is
	// bounded by size rather than by structure.
	fields int
}

func checkMessage(meta []byte) error {
	w := &metaWalker{meta: meta, fields: len(meta) / 4}
	msg := w.root()
	if err := w.vector(msg, messageCustomMetadataField, flatbuffers.SizeUOffsetT); err != nil {
		return err
	}
	o := flatbuffers.UOffsetT(msg.Offset(messageHeaderField))
	if o == 0 {
		return nil
	}
	var header flatbuffers.Table
	msg.Union(&header, o)

	switch msg.GetByteSlot(messageHeaderTypeField, 0) {
	case headerSchema:
		return w.schema(header)
	case headerRecordBatch:
		return w.batch(header)
	case headerDictionaryBatch:
		if o := flatbuffers.UOffsetT(header.Offset(dictionaryDataField)); o != 0 {
			return w.batch(w.table(o + header.Pos))
		}
	}
	return nil
}

func (w *metaWalker) root() flatbuffers.Table {
	return flatbuffers.Table{Bytes: w.meta, Pos: flatbuffers.GetUOffsetT(w.meta)}
}

// table follows the offset stored at pos.
func (w *metaWalker) table(pos flatbuffers.UOffsetT) flatbuffers.Table {
	return flatbuffers.Table{Bytes: w.meta, Pos: pos + flatbuffers.GetUOffsetT(w.meta[pos:])}
}

// vector fails when the vector in slot holds more elements of size bytes
// than the metadata has room for.
func (w *metaWalker) vector(tab flatbuffers.Table, slot flatbuffers.VOffsetT, size uint64) error {
	o := flatbuffers.UOffsetT(tab.Offset(slot))
	if o == 0 {
		return nil
	}
	start, n := uint64(tab.Vector(o)), uint64(tab.VectorLen(o))
	if start+n*size > uint64(len(w.meta)) {
		return fmt.Errorf("%w: vector of %d elements in %d bytes of metadata", ErrMalformed, n, len(w.meta))
	}
	return nil
}

// tables calls fn for every table of the offset vector in slot.
func (w *metaWalker) tables(tab flatbuffers.Table, slot flatbuffers.VOffsetT, fn func(flatbuffers.Table) error) error {
	if err := w.vector(tab, slot, flatbuffers.SizeUOffsetT); err != nil {
		return err
	}
	o := flatbuffers.UOffsetT(tab.Offset(slot))
	if o == 0 {
		return nil
	}
	start, n := tab.Vector(o), tab.VectorLen(o)
	for i := 0; i < n; i++ {
		if err := fn(w.table(start + flatbuffers.UOffsetT(i*flatbuffers.SizeUOffsetT))); err != nil {
			return err
		}
	}
	return nil
}

func (w *metaWalker) schema(tab flatbuffers.Table) error {
	if err := w.vector(tab, schemaCustomMetadataField, flatbuffers.SizeUOffsetT); err != nil {
		return err
	}
	if err := w.vector(tab, schemaFeaturesField, flatbuffers.SizeInt64); err != nil {
		return err
	}
	return w.tables(tab, schemaFieldsField, func(f flatbuffers.Table) error { return w.field(f, 0) })
}

func (w *metaWalker) field(tab flatbuffers.Table, depth int) error {
	w.fields--
	if w.fields < 0 || depth > maxFieldDepth {
		return fmt.Errorf("%w: schema fields nested too deep", ErrMalformed)
	}
	if err := w.vector(tab, fieldCustomMetadataField, flatbuffers.SizeUOffsetT); err != nil {
		return err
	}
	return w.tables(tab, fieldChildrenField, func(c flatbuffers.Table) error { return w.field(c, depth+1) })
}

// batch checks a RecordBatch; FieldNode and Buffer are 16-byte structs.
func (w *metaWalker) batch(tab flatbuffers.Table) error {
	if err := w.vector(tab, batchNodesField, 16); err != nil {
		return err
	}
	if err := w.vector(tab, batchBuffersField, 16); err != nil {
		return err
	}
	return w.vector(tab, batchVariadicField, flatbuffers.SizeInt64)
}

// budgetAllocator fails, by panicking with ErrTooLarge, once more than
// budget bytes are live. Decode recovers the panic.
type budgetAllocator struct {
	mem    memory.Allocator
	budget int64
	live   atomic.Int64
}

func (a *budgetAllocator) reserve(n int) {
	if a.live.Add(int64(n)) > a.budget {
		a.live.Add(-int64(n))
		panic(fmt.Errorf("%w: allocation of %d bytes exceeds budget of %d", ErrTooLarge, n, a.budget))
	}
}

func (a *budgetAllocator) Allocate(size int) []byte {
	a.reserve(size)
	return a.mem.Allocate(size)
}

func (a *budgetAllocator) Reallocate(size int, b []byte) []byte {
	a.reserve(size - len(b))
	return a.mem.Reallocate(size, b)
}

func (a *budgetAllocator) Free(b []byte) {
	a.live.Add(-int64(len(b)))
	a.mem.Free(b)
}
