// Package protocol implements the ICE-style binary frame protocol DCOP runs on.
//
// A fixed 12-byte header is followed by a variable-length body. The receiver reads the
// header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0     1     2          4           8          12
//	┌─────┬─────┬──────────┬───────────┬──────────┬───────────────┐
//	│major│minor│ reserved │  length   │   key    │   body ...     │
//	│ u8  │ u8  │   u16    │  uint32   │  uint32  │ length bytes   │
//	└─────┴─────┴──────────┴───────────┴──────────┴───────────────┘
//
// Major opcode 0 carries the ICE core messages (connection setup, ping, shutdown);
// major opcode 1 carries DCOP messages, whose minor opcode is the message kind.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderSize int    = 12
	MaxBodyLen uint32 = 64 << 20
)

// Major opcodes.
const (
	MajorICE  byte = 0
	MajorDCOP byte = 1
)

// ICE core minor opcodes.
const (
	ICEError           byte = 0
	ICEConnectionSetup byte = 2
	ICEAuthRequired    byte = 3
	ICEConnectionReply byte = 6
	ICEProtocolSetup   byte = 7
	ICEProtocolReply   byte = 8
	ICEPing            byte = 9
	ICEPingReply       byte = 10
	ICEWantToClose     byte = 11
	ICENoClose         byte = 12
)

var ErrBodyTooLarge = errors.New("protocol: frame body too large")

// Header is the fixed 12-byte frame header.
type Header struct {
	Major  byte
	Minor  byte
	Length uint32 // Body length in bytes
	Key    uint32 // Sequence number of the call a reply belongs to
}

// Encode writes a complete frame (header + body) to w in a single Write.
// Callers sharing w across goroutines must still serialize calls to Encode.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return ErrBodyTooLarge
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0] = h.Major
	buf[1] = h.Minor
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	binary.BigEndian.PutUint32(buf[8:12], h.Key)
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame from r. It validates the major opcode and refuses bodies
// larger than MaxBodyLen before allocating.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	h := &Header{
		Major:  headerBuf[0],
		Minor:  headerBuf[1],
		Length: binary.BigEndian.Uint32(headerBuf[4:8]),
		Key:    binary.BigEndian.Uint32(headerBuf[8:12]),
	}
	if h.Major != MajorICE && h.Major != MajorDCOP {
		return nil, nil, fmt.Errorf("unsupported major opcode: %d", h.Major)
	}
	if h.Length > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, h.Length)
	}

	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
