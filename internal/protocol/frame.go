package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Stream framing for TCP and serial links: one marker byte, a uint16
// little-endian payload length, then the payload. Outbound frames use
// '<', inbound frames '>'. BLE links deliver whole payloads per GATT
// notification and bypass this layer.
const (
	frameMarkerOut = 0x3C // '<'
	frameMarkerIn  = 0x3E // '>'

	// MaxFrameSize bounds a single companion frame. Anything larger is
	// a desynchronised stream, not a legitimate payload.
	MaxFrameSize = 4096
)

// AppendFrame appends payload framed for the device to dst and returns
// the extended slice.
func AppendFrame(dst, payload []byte) []byte {
	dst = append(dst, frameMarkerOut)
	dst = binary.LittleEndian.AppendUint16(dst, uint16(len(payload)))
	return append(dst, payload...)
}

// FrameScanner reads inbound frames off a byte stream.
type FrameScanner struct {
	r    io.Reader
	head [3]byte
}

// NewFrameScanner wraps r for frame-at-a-time reads.
func NewFrameScanner(r io.Reader) *FrameScanner {
	return &FrameScanner{r: r}
}

// Next blocks until a full frame is available and returns its payload.
func (s *FrameScanner) Next() ([]byte, error) {
	if _, err := io.ReadFull(s.r, s.head[:]); err != nil {
		return nil, err
	}
	if s.head[0] != frameMarkerIn {
		return nil, fmt.Errorf("protocol: unexpected frame marker 0x%02x", s.head[0])
	}
	size := binary.LittleEndian.Uint16(s.head[1:3])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("protocol: frame too large: %d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(s.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
