// Package wire holds the canonical binary primitives shared by the identity,
// evidence, envelope and key-server codecs.
//
// Every variable-length field is a ULEB128 (unsigned varint) length followed
// by the bytes. Decoding rejects non-minimal varints, short input and, via
// Reader.Done, trailing bytes, so each value has exactly one encoding.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// MaxVector bounds any single length-prefixed field.
const MaxVector = 64 << 20

var (
	ErrShort    = errors.New("wire: input too short")
	ErrTrailing = errors.New("wire: trailing bytes")
	ErrTooLarge = errors.New("wire: vector too large")
)

// Writer appends canonical fields to a buffer.
type Writer struct {
	buf []byte
}

func (w *Writer) Byte(b byte)      { w.buf = append(w.buf, b) }
func (w *Writer) Raw(b []byte)     { w.buf = append(w.buf, b...) }
func (w *Writer) Uvarint(n uint64) { w.buf = append(w.buf, varint.ToUvarint(n)...) }
func (w *Writer) String(s string)  { w.Vector([]byte(s)) }
func (w *Writer) Bytes() []byte    { return w.buf }
func (w *Writer) Uint64(n uint64)  { w.buf = binary.BigEndian.AppendUint64(w.buf, n) }
func (w *Writer) Vector(b []byte) {
	w.Uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// Reader consumes canonical fields. The first error sticks; later calls
// return zero values.
type Reader struct {
	data []byte
	off  int
	err  error
}

func NewReader(b []byte) *Reader { return &Reader{data: b} }

func (r *Reader) Err() error { return r.err }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) Byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.data) {
		r.fail(ErrShort)
		return 0
	}
	b := r.data[r.off]
	r.off++
	return b
}

// Fixed returns the next n bytes as a fresh slice.
func (r *Reader) Fixed(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.fail(ErrShort)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.off:r.off+n])
	r.off += n
	return out
}

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	n, size, err := varint.FromUvarint(r.data[r.off:])
	if err != nil {
		r.fail(fmt.Errorf("wire: %w", err))
		return 0
	}
	r.off += size
	return n
}

func (r *Reader) Uint64() uint64 {
	b := r.Fixed(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *Reader) Vector() []byte {
	n := r.Uvarint()
	if r.err != nil {
		return nil
	}
	if n > MaxVector {
		r.fail(ErrTooLarge)
		return nil
	}
	return r.Fixed(int(n))
}

func (r *Reader) String() string { return string(r.Vector()) }

// Done reports the sticky error, or ErrTrailing if input remains.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return ErrTrailing
	}
	return nil
}
