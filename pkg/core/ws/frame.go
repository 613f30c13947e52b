package ws

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// Opcode is the 4-bit frame opcode.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

const (
	finBit  = 0x80
	maskBit = 0x80

	// maxControlPayload is the RFC 6455 limit for close/ping/pong payloads.
	maxControlPayload = 125

	// DefaultMaxPayload bounds a single decoded frame (and a reassembled message).
	DefaultMaxPayload int64 = 16 << 20
)

// IsControl reports whether op is a control opcode (close, ping, pong).
func (op Opcode) IsControl() bool {
	return op&0x8 != 0
}

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("opcode(0x%x)", byte(op))
	}
}

// Frame is a single decoded WebSocket frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte // unmasked
}

// EncodeFrame serializes payload as a single final, masked client frame.
// A fresh random mask is drawn for every call.
func EncodeFrame(payload []byte, op Opcode) ([]byte, error) {
	var mask [4]byte
	if _, err := rand.Read(mask[:]); err != nil {
		return nil, fmt.Errorf("generate mask: %w", err)
	}
	return encodeFrameWithMask(payload, op, mask), nil
}

func encodeFrameWithMask(payload []byte, op Opcode, mask [4]byte) []byte {
	n := len(payload)

	var hdr [14]byte
	hdr[0] = finBit | byte(op)&0x0F
	offset := 2
	switch {
	case n < 126:
		hdr[1] = maskBit | byte(n)
	case n < 65536:
		hdr[1] = maskBit | 126
		binary.BigEndian.PutUint16(hdr[2:], uint16(n))
		offset += 2
	default:
		hdr[1] = maskBit | 127
		binary.BigEndian.PutUint64(hdr[2:], uint64(n))
		offset += 8
	}
	copy(hdr[offset:], mask[:])
	offset += 4

	out := make([]byte, offset+n)
	copy(out, hdr[:offset])
	copy(out[offset:], payload)
	maskBytes(out[offset:], mask)
	return out
}

// maskBytes XORs buf with key repeating every 4 bytes. Masking and unmasking
// are the same operation.
func maskBytes(buf []byte, key [4]byte) {
	for i := range buf {
		buf[i] ^= key[i%4]
	}
}

// DecodeFrame reads exactly one frame from r. maxPayload <= 0 selects
// DefaultMaxPayload.
//
// Short reads are classified: a deadline expiring yields KindReadTimeout, the
// stream ending yields KindPeerClosed, anything else KindFrameDecode.
func DecodeFrame(r io.Reader, maxPayload int64) (*Frame, error) {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}

	var hdr [2]byte
	if err := readExact(r, hdr[:], "frame header"); err != nil {
		return nil, err
	}

	f := &Frame{
		Fin:    hdr[0]&finBit != 0,
		Opcode: Opcode(hdr[0] & 0x0F),
		Masked: hdr[1]&maskBit != 0,
	}
	if hdr[0]&0x70 != 0 {
		return nil, newError(KindFrameDecode, "reserved bits set without a negotiated extension", nil)
	}

	length := uint64(hdr[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if err := readExact(r, ext[:], "extended length"); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if err := readExact(r, ext[:], "extended length"); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length>>63 != 0 {
			return nil, newError(KindFrameDecode, "64-bit payload length has the most significant bit set", nil)
		}
	}

	if f.Opcode.IsControl() {
		if length > maxControlPayload {
			return nil, newError(KindFrameDecode, fmt.Sprintf("%s frame payload of %d bytes exceeds %d", f.Opcode, length, maxControlPayload), nil)
		}
		if !f.Fin {
			return nil, newError(KindFrameDecode, fmt.Sprintf("fragmented %s frame", f.Opcode), nil)
		}
	}
	if length > uint64(maxPayload) {
		return nil, newError(KindFrameDecode, fmt.Sprintf("frame payload of %d bytes exceeds limit of %d", length, maxPayload), nil)
	}

	if f.Masked {
		if err := readExact(r, f.MaskKey[:], "mask key"); err != nil {
			return nil, err
		}
	}

	f.Payload = make([]byte, length)
	if length > 0 {
		if err := readExact(r, f.Payload, "payload"); err != nil {
			return nil, err
		}
		if f.Masked {
			maskBytes(f.Payload, f.MaskKey)
		}
	}
	return f, nil
}

func readExact(r io.Reader, buf []byte, what string) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return classifyReadError(err, "read "+what)
	}
	return nil
}

func classifyReadError(err error, message string) *Error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(KindReadTimeout, message, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return newError(KindPeerClosed, message+": connection closed by peer", err)
	default:
		return newError(KindFrameDecode, message, err)
	}
}

// closePayload builds the body of a close frame.
func closePayload(code int, reason string) []byte {
	if code == 0 {
		return nil
	}
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	buf := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(buf, uint16(code))
	copy(buf[2:], reason)
	return buf
}

// parseClosePayload extracts the status code and reason from a close frame.
func parseClosePayload(payload []byte) (int, string) {
	if len(payload) < 2 {
		return 0, ""
	}
	return int(binary.BigEndian.Uint16(payload)), string(payload[2:])
}
