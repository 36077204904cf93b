// Package frame implements the binary wire framing shared by both peers:
// a one-byte frame type, an 8-byte big-endian message id, and an opaque
// payload.
package frame

import (
	"encoding/binary"
	"fmt"
)

// Type identifies the kind of a wire frame.
type Type uint8

const (
	Data       Type = 0x00 // application payload
	Ack        Type = 0x01 // QoS 1 acknowledgement
	Prepare    Type = 0x02 // QoS 2 phase 1
	PrepareAck Type = 0x03 // QoS 2 phase 1 acknowledgement
	Commit     Type = 0x04 // QoS 2 phase 2
	Complete   Type = 0x05 // QoS 2 phase 2 acknowledgement
)

func (t Type) String() string {
	switch t {
	case Data:
		return "DATA"
	case Ack:
		return "ACK"
	case Prepare:
		return "PREPARE"
	case PrepareAck:
		return "PREPARE_ACK"
	case Commit:
		return "COMMIT"
	case Complete:
		return "COMPLETE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// HeaderSize is the fixed length of the frame header: type byte plus id.
const HeaderSize = 1 + 8

// ErrTooShort is returned when a buffer is shorter than the frame header.
var ErrTooShort = fmt.Errorf("frame shorter than %d bytes", HeaderSize)

// Frame is one wire unit. Control frames (ACK, PREPARE, PREPARE_ACK,
// COMMIT, COMPLETE) carry an empty payload; the id alone correlates them
// with their initiating message.
type Frame struct {
	Type    Type
	ID      uint64
	Payload []byte
}

// Encode serializes the frame. The result is exactly
// HeaderSize+len(Payload) bytes.
func Encode(t Type, id uint64, payload []byte) []byte {
	buf := make([]byte, HeaderSize, HeaderSize+len(payload))
	buf[0] = byte(t)
	binary.BigEndian.PutUint64(buf[1:HeaderSize], id)
	return append(buf, payload...)
}

// Encode serializes f. See the package-level Encode.
func (f Frame) Encode() []byte {
	return Encode(f.Type, f.ID, f.Payload)
}

// Decode parses a wire frame. Buffers shorter than the header are
// rejected; the caller is expected to drop them without acknowledging.
// The payload slice aliases data.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("decode %d-byte frame: %w", len(data), ErrTooShort)
	}
	return Frame{
		Type:    Type(data[0]),
		ID:      binary.BigEndian.Uint64(data[1:HeaderSize]),
		Payload: data[HeaderSize:],
	}, nil
}
