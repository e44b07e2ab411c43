package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/ipc"

	bftarrow "github.com/VanDung-dev/HieraChain-BFT/arrow"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/core"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/data"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-bft/message"
)

// Rejection reasons reported to clients.
const (
	ReasonMalformed    = "malformed"
	ReasonInvalid      = "invalid"
	ReasonBackpressure = "backpressure"
	ReasonUnavailable  = "unavailable"
)

// Admitter takes client requests into the replicated log. *consensus.Replica
// implements it.
type Admitter interface {
	Submit(ctx context.Context, req message.Request) error
}

// capacityReporter is implemented by admitters that can tell how many more
// requests they would take right now.
type capacityReporter interface {
	Capacity() int
}

// ArrowHandler turns Arrow IPC request batches into admitted requests.
type ArrowHandler struct {
	codec     *bftarrow.IPCCodec
	converter *data.Converter
	admitter  Admitter
}

// NewArrowHandler creates a handler submitting to admitter.
func NewArrowHandler(admitter Admitter) *ArrowHandler {
	return &ArrowHandler{
		codec:     bftarrow.NewIPCCodec(MaxMessageSize),
		converter: data.NewConverter(),
		admitter:  admitter,
	}
}

// DecodeBatch reads every request of an Arrow IPC stream.
func (h *ArrowHandler) DecodeBatch(raw []byte) ([]message.Request, error) {
	if len(raw) == 0 {
		return nil, errors.New("received empty data")
	}
	_, records, err := h.codec.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("error reading Arrow stream: %w", err)
	}
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()

	var reqs []message.Request
	for _, rec := range records {
		batch, err := h.converter.RecordToRequests(rec)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, batch...)
	}
	if len(reqs) == 0 {
		return nil, errors.New("stream holds no requests")
	}
	return reqs, nil
}

// ProcessBatch admits every request of raw and returns the reply frame. A
// batch is answered OK once all of its requests are pending or executed; a
// client resending a batch after backpressure therefore does no harm.
func (h *ArrowHandler) ProcessBatch(ctx context.Context, raw []byte) []byte {
	if cr, ok := h.admitter.(capacityReporter); ok && cr.Capacity() <= 0 {
		return Reject(ReasonBackpressure)
	}
	reqs, err := h.DecodeBatch(raw)
	if err != nil {
		logger.Debugf("malformed batch: %v", err)
		return Reject(ReasonMalformed)
	}
	for _, req := range reqs {
		err := h.admitter.Submit(ctx, req)
		switch {
		case err == nil, errors.Is(err, consensus.ErrDuplicate):
		case errors.Is(err, consensus.ErrBackpressure):
			return Reject(ReasonBackpressure)
		case errors.Is(err, core.ErrInvalidRequest):
			logger.Debugf("invalid request %s: %v", req.Key(), err)
			return Reject(ReasonInvalid)
		default:
			logger.Warnf("submit %s: %v", req.Key(), err)
			return Reject(ReasonUnavailable)
		}
	}
	return []byte(ReplyOK)
}

// EncodeBatch writes reqs as an Arrow IPC stream, the body of a request
// frame.
func EncodeBatch(reqs []message.Request) ([]byte, error) {
	rec, err := data.NewConverter().RequestsToRecord(reqs)
	if err != nil {
		return nil, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()))
	if err := w.Write(rec); err != nil {
		return nil, fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to close writer: %w", err)
	}
	return buf.Bytes(), nil
}
