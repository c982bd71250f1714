package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the number of bytes occupied by the opcode and
// payloadSize fields, preceding the payload.
const HeaderSize = 8

// DefaultMaxPayloadSize is the default cap on PDU.Payload length, chosen
// to match the spec's default receive buffer ceiling (1 MiB) minus the
// header.
const DefaultMaxPayloadSize = 1<<20 - HeaderSize

// ErrPayloadTooLarge is returned by Marshal when a PDU's payload exceeds
// the caller-supplied limit.
var ErrPayloadTooLarge = errors.New("pdu: payload too large")

// ErrShortBuffer is returned by Unmarshal when buf does not contain a
// complete frame.
var ErrShortBuffer = errors.New("pdu: short buffer")

// PDU is a single framed application message. It is immutable after
// construction: callers must not mutate Payload after passing a PDU to
// any channel in this module.
type PDU struct {
	// Opcode is the application-defined message type.
	Opcode uint32
	// Payload is the exact application payload; its internal structure
	// is owned by whatever the Opcode names.
	Payload []byte
}

// New constructs a PDU, copying payload so the caller's buffer may be
// reused.
func New(opcode uint32, payload []byte) PDU {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	return PDU{Opcode: opcode, Payload: buf}
}

// Size returns the on-wire size of the PDU, header included.
func (p PDU) Size() int {
	return HeaderSize + len(p.Payload)
}

// Marshal appends the wire encoding of p to dst and returns the result.
// It fails if len(p.Payload) exceeds maxPayload (pass 0 to use
// DefaultMaxPayloadSize).
func (p PDU) Marshal(dst []byte, maxPayload int) ([]byte, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	if len(p.Payload) > maxPayload {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(p.Payload), maxPayload)
	}
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], p.Opcode)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(p.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, p.Payload...)
	return dst, nil
}

// Unmarshal decodes a single PDU from the prefix of buf. It returns the
// decoded PDU, the number of bytes consumed, and true, or (PDU{}, 0,
// false) if buf does not yet hold a complete frame. An error is returned
// only if the frame's declared payload size exceeds maxPayload, which
// callers should treat as a protocol violation.
func Unmarshal(buf []byte, maxPayload int) (p PDU, consumed int, ok bool, err error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	if len(buf) < HeaderSize {
		return PDU{}, 0, false, nil
	}
	opcode := binary.LittleEndian.Uint32(buf[0:4])
	size := binary.LittleEndian.Uint32(buf[4:8])
	if int(size) > maxPayload {
		return PDU{}, 0, false, fmt.Errorf("%w: declared payload %d exceeds max %d", ErrPayloadTooLarge, size, maxPayload)
	}
	total := HeaderSize + int(size)
	if len(buf) < total {
		return PDU{}, 0, false, nil
	}
	payload := make([]byte, size)
	copy(payload, buf[HeaderSize:total])
	return PDU{Opcode: opcode, Payload: payload}, total, true, nil
}
