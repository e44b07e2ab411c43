package ordering

import "fmt"

// Window is the watermark range (Low, Low+Size] in which a replica accepts
// protocol work. Low is the sequence of the last stable checkpoint.
type Window struct {
	Low  SeqNo
	Size uint64
}

// High returns the high watermark. It saturates at the end of the sequence
// space.
func (w Window) High() SeqNo {
	h, err := w.Low.Add(w.Size)
	if err != nil {
		return SeqFromUint64(^uint64(0))
	}
	return h
}

// Contains reports whether seq is admitted by the window.
func (w Window) Contains(seq SeqNo) bool {
	_, err := Index(w.Low, seq, w.Size)
	return err == nil
}

// Check is like Contains but reports which side seq falls out on.
func (w Window) Check(seq SeqNo) error {
	_, err := Index(w.Low, seq, w.Size)
	return err
}

// Advance moves the low watermark forward. Moving it backwards is a no-op.
func (w *Window) Advance(low SeqNo) bool {
	if low.LessEq(w.Low) {
		return false
	}
	w.Low = low
	return true
}

func (w Window) String() string {
	return fmt.Sprintf("(%s, %s]", w.Low, w.High())
}
