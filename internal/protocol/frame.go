package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Binary framing variant: [1 byte tag][4 bytes big-endian length][payload].
// Semantics are identical to the JSON protocol; tag FrameJSON carries a
// JSON-encoded message, FrameOutput carries raw terminal bytes so bulk
// output skips JSON string escaping.
const (
	FrameJSON   byte = 0x01
	FrameOutput byte = 0x02
)

const maxFramePayload = 10 * 1024 * 1024

func WriteFrame(w io.Writer, tag byte, payload []byte) error {
	header := make([]byte, 5)
	header[0] = tag
	binary.BigEndian.PutUint32(header[1:], uint32(len(payload)))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

func ReadFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, 5)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFramePayload {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[0], payload, nil
}

// DecodeFrame parses an already-read binary frame (e.g. one WebSocket
// binary message) rather than a stream.
func DecodeFrame(data []byte) (byte, []byte, error) {
	if len(data) < 5 {
		return 0, nil, fmt.Errorf("%w: short binary frame", ErrMalformed)
	}
	length := binary.BigEndian.Uint32(data[1:5])
	if int(length) != len(data)-5 {
		return 0, nil, fmt.Errorf("%w: frame length %d does not match payload %d", ErrMalformed, length, len(data)-5)
	}
	return data[0], data[5:], nil
}

// EncodeFrame builds one self-contained binary frame.
func EncodeFrame(tag byte, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	buf[0] = tag
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}
