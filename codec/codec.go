// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package codec holds the length-prefixed binary framing shared by token
// encoding, record plaintexts and the REST wire format. Integers are mus
// varints; byte strings are a varint length followed by the raw bytes.
package codec

import (
	"errors"
	"fmt"

	"github.com/mus-format/mus-go/varint"
)

var (
	// ErrTruncatedData indicates the input ended before a value was complete.
	ErrTruncatedData = errors.New("truncated data")

	// ErrTrailingData indicates bytes left over after the last value.
	ErrTrailingData = errors.New("trailing data")
)

// Writer appends framed values to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with the given capacity hint.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Uint writes a varint.
func (w *Writer) Uint(v uint64) {
	n := varint.Uint64.Size(v)
	start := len(w.buf)
	w.buf = append(w.buf, make([]byte, n)...)
	varint.Uint64.Marshal(v, w.buf[start:])
}

// Byte writes a single raw byte.
func (w *Writer) Byte(b byte) {
	w.buf = append(w.buf, b)
}

// Fixed writes b without a length prefix.
func (w *Writer) Fixed(b []byte) {
	w.buf = append(w.buf, b...)
}

// Bytes writes a length-prefixed byte string.
func (w *Writer) Bytes(b []byte) {
	w.Uint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

// String writes a length-prefixed string.
func (w *Writer) String(s string) {
	w.Uint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// Result returns the encoded buffer.
func (w *Writer) Result() []byte {
	return w.buf
}

// Reader consumes framed values. The first failure sticks: later reads return
// zero values and Err reports the original cause.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader reads from data without copying it.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Uint reads a varint.
func (r *Reader) Uint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n, err := varint.Uint64.Unmarshal(r.data[r.off:])
	if err != nil {
		r.err = fmt.Errorf("%w: varint at offset %d: %w", ErrTruncatedData, r.off, err)
		return 0
	}
	r.off += n
	return v
}

// Byte reads a single raw byte.
func (r *Reader) Byte() byte {
	b := r.Fixed(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// Fixed reads exactly n bytes. The returned slice aliases the input.
func (r *Reader) Fixed(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: want %d bytes at offset %d, have %d", ErrTruncatedData, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

// Bytes reads a length-prefixed byte string into a fresh slice.
func (r *Reader) Bytes() []byte {
	n := r.Uint()
	if r.err != nil {
		return nil
	}
	if n > uint64(len(r.data)-r.off) {
		r.err = fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrTruncatedData, n, len(r.data)-r.off)
		return nil
	}
	b := r.Fixed(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// String reads a length-prefixed string.
func (r *Reader) String() string {
	return string(r.Bytes())
}

// Count reads a varint element count and rejects counts that could not fit
// in the remaining input given a minimum element size.
func (r *Reader) Count(minElemSize int) int {
	n := r.Uint()
	if r.err != nil {
		return 0
	}
	if minElemSize > 0 && n > uint64((len(r.data)-r.off)/minElemSize) {
		r.err = fmt.Errorf("%w: %d elements cannot fit in %d bytes", ErrTruncatedData, n, len(r.data)-r.off)
		return 0
	}
	return int(n)
}

// Remaining reports the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.data) - r.off
}

// Err returns the first failure.
func (r *Reader) Err() error {
	return r.err
}

// Finish returns the first failure, or ErrTrailingData if input remains.
func (r *Reader) Finish() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, len(r.data)-r.off)
	}
	return nil
}
