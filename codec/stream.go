// Package codec serializes DCOP message bodies and the length-prefixed fields inside them.
//
// Every string or byte blob on the wire is a big-endian uint32 length followed by that many
// raw bytes, with no terminator. Writer and Reader implement these primitives; they are also
// what applications use to build the opaque argument payloads of their own functions.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrShortPayload is returned when a declared length runs past the available bytes.
	ErrShortPayload = errors.New("codec: declared length exceeds payload")
	// ErrTrailingData is returned when a message body has bytes left after its last field.
	ErrTrailingData = errors.New("codec: trailing bytes after last field")
)

// Writer appends length-prefixed fields to a growing buffer.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) PutUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) PutInt32(v int32) {
	w.PutUint32(uint32(v))
}

func (w *Writer) PutBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) PutString(s string) {
	w.PutUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutStringList writes the element count followed by each string.
func (w *Writer) PutStringList(list []string) {
	w.PutUint32(uint32(len(list)))
	for _, s := range list {
		w.PutString(s)
	}
}

// Bytes returns the encoded buffer. The Writer must not be used afterwards.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Reader consumes length-prefixed fields. It never reads past the end of its buffer.
type Reader struct {
	data []byte
	off  int
}

func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || n > r.Remaining() {
		return nil, ErrShortPayload
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Uint32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

func (r *Reader) Bool() (bool, error) {
	b, err := r.next(1)
	if err != nil {
		return false, err
	}
	return b[0] != 0, nil
}

func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	return string(b), err
}

// Bytes returns a copy of the next length-prefixed blob.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(r.Remaining()) {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrShortPayload, n, r.Remaining())
	}
	b, _ := r.next(int(n))
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (r *Reader) StringList() ([]string, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	// Each element needs at least its 4-byte length prefix.
	if uint64(n)*4 > uint64(r.Remaining()) {
		return nil, ErrShortPayload
	}
	list := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.String()
		if err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, nil
}
