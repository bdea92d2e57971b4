package net

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame layout: [4 bytes BE: payload length][payload].
//
// Outbound payload: [4B BE entity id][4B BE component type id][delta bytes].
// Inbound payload:  [4B BE component type id][delta bytes].
//
// The delta bytes are opaque to this package; the codec owns them.

// MaxFrameSize bounds a single frame's payload. Anything larger is treated
// as a corrupt stream.
const MaxFrameSize = 1 << 20

// ReadFrame reads one length-prefixed frame from r and returns its payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame length: %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload (%d bytes): %w", n, err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	return nil
}

// OutboundFrame builds an outbound payload addressed by entity and component
// type.
func OutboundFrame(entity, typeID uint32, delta []byte) []byte {
	buf := make([]byte, 8+len(delta))
	binary.BigEndian.PutUint32(buf[0:4], entity)
	binary.BigEndian.PutUint32(buf[4:8], typeID)
	copy(buf[8:], delta)
	return buf
}

// ParseOutbound splits an outbound payload. Used by tooling and tests.
func ParseOutbound(payload []byte) (entity, typeID uint32, delta []byte, err error) {
	if len(payload) < 8 {
		return 0, 0, nil, fmt.Errorf("outbound payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]),
		binary.BigEndian.Uint32(payload[4:8]),
		payload[8:], nil
}

// InboundFrame builds an inbound payload carrying a delta for one component
// type of the sender's entity.
func InboundFrame(typeID uint32, delta []byte) []byte {
	buf := make([]byte, 4+len(delta))
	binary.BigEndian.PutUint32(buf[0:4], typeID)
	copy(buf[4:], delta)
	return buf
}

// ParseInbound splits an inbound payload.
func ParseInbound(payload []byte) (typeID uint32, delta []byte, err error) {
	if len(payload) < 4 {
		return 0, nil, fmt.Errorf("inbound payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint32(payload[0:4]), payload[4:], nil
}
