package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// MaxMessageSize bounds one frame. A batch of requests of the largest
// admissible operation size fits comfortably.
const MaxMessageSize = 16 * 1024 * 1024

// ErrMessageTooLarge is returned when a frame exceeds MaxMessageSize.
var ErrMessageTooLarge = errors.New("message size exceeds maximum allowed size")

// Replies sent back for a request batch.
const (
	ReplyOK     = "OK"
	replyReject = "REJECT:"
)

// Reject builds the reply for a refused batch.
func Reject(reason string) []byte {
	return []byte(replyReject + reason)
}

// ParseReply splits a reply into its verdict and, for rejections, the
// reason.
func ParseReply(b []byte) (ok bool, reason string, err error) {
	s := string(b)
	switch {
	case s == ReplyOK:
		return true, "", nil
	case len(s) > len(replyReject) && s[:len(replyReject)] == replyReject:
		return false, s[len(replyReject):], nil
	default:
		return false, "", fmt.Errorf("unexpected reply %q", s)
	}
}

// ReadMessage reads a length-prefixed frame.
// Format: [4 bytes length (BigEndian)] [N bytes payload]
func ReadMessage(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	if length > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, length, MaxMessageSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	return buf, nil
}

// WriteMessage writes a length-prefixed frame.
func WriteMessage(w io.Writer, data []byte) error {
	if len(data) > math.MaxUint32 || len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes (max: %d)", ErrMessageTooLarge, len(data), MaxMessageSize)
	}

	length := uint32(len(data)) // #nosec G115 - bounds checked above
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return fmt.Errorf("failed to write message length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message body: %w", err)
	}
	return nil
}
