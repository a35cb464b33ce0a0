// Package wire implements the length-prefixed, network-byte-order encoding
// used for every message on the request/response channel: fixed-width
// integers in network
// byte order, length-prefixed raw bytes for strings and binary payloads,
// length-prefixed sequences for vectors and maps. Buffer contents moved by
// read/write/map/unmap commands and by the consistency protocol ride the
// bulk channel instead. Program source and a buffer's initial bytes at
// creation are not sent that way: they travel inside request payloads
// encoded with this codec.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Writer serializes primitive OpenCL-ish values into network byte order.
// It is not safe for concurrent use.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with a pre-reserved capacity.
func NewWriter() *Writer {
	return &Writer{buf: make([]byte, 0, 512)}
}

// Bytes returns the accumulated, encoded buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// PutUint8 appends a single byte.
func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

// PutBool appends a one-byte boolean, 1 for true and 0 for false.
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint8(1)
	} else {
		w.PutUint8(0)
	}
}

// PutUint32 appends a 32-bit unsigned integer in network byte order.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt32 appends a signed 32-bit integer, used for execution status and
// OpenCL error codes, both of which may be negative.
func (w *Writer) PutInt32(v int32) { w.PutUint32(uint32(v)) }

// PutUint64 appends a 64-bit unsigned integer in network byte order, used
// for object ids.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

// PutInt64 appends a signed 64-bit integer, used for profiling timestamps.
func (w *Writer) PutInt64(v int64) { w.PutUint64(uint64(v)) }

// PutBytes appends a length-prefixed byte slice (used for strings and
// Binary payloads that travel on the message channel rather than bulk).
func (w *Writer) PutBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// PutString appends a length-prefixed UTF-8 string.
func (w *Writer) PutString(s string) { w.PutBytes([]byte(s)) }

// PutUint64Slice appends a length-prefixed sequence of 64-bit ids, the
// encoding used for event-wait-lists.
func (w *Writer) PutUint64Slice(vs []uint64) {
	w.PutUint32(uint32(len(vs)))
	for _, v := range vs {
		w.PutUint64(v)
	}
}

// Reader deserializes a buffer written by Writer. Deserialization is not
// type-safe: callers must read fields in the order they were
// written.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

// Remaining reports how many bytes are left to decode.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) ensure(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("wire: buffer underflow: need %d bytes, have %d", n, r.Remaining())
	}
	return nil
}

// Uint8 decodes a single byte.
func (r *Reader) Uint8() (uint8, error) {
	if err := r.ensure(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

// Bool decodes a one-byte boolean.
func (r *Reader) Bool() (bool, error) {
	v, err := r.Uint8()
	return v != 0, err
}

// Uint32 decodes a 32-bit unsigned integer in network byte order.
func (r *Reader) Uint32() (uint32, error) {
	if err := r.ensure(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

// Int32 decodes a signed 32-bit integer.
func (r *Reader) Int32() (int32, error) {
	v, err := r.Uint32()
	return int32(v), err
}

// Uint64 decodes a 64-bit unsigned integer in network byte order.
func (r *Reader) Uint64() (uint64, error) {
	if err := r.ensure(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

// Int64 decodes a signed 64-bit integer.
func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Bytes decodes a length-prefixed byte slice.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	if err := r.ensure(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

// String decodes a length-prefixed UTF-8 string.
func (r *Reader) String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Uint64Slice decodes a length-prefixed sequence of 64-bit ids.
func (r *Reader) Uint64Slice() ([]uint64, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	out := make([]uint64, n)
	for i := range out {
		out[i], err = r.Uint64()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// WriteFrame writes a length-prefixed frame to w — the unit the message
// channel exchanges, one per request/response/notification.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
