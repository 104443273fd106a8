package item

import (
	"encoding/binary"
)

// initialBufferSize is the capacity of a Buffer's first allocation.
const initialBufferSize = 256

// Buffer is an append-only item-stream encoder.
//
// Appends grow the backing array by doubling, so the entire encoded stream
// remains addressable as a single contiguous byte slice. The buffer never
// shrinks. The zero value is ready to use.
type Buffer struct {
	data []byte
}

// Len returns the current encoded size in bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the encoded stream. The slice aliases the buffer; a later
// append may reallocate, so callers must not retain it across appends.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// grow ensures capacity for n more bytes, doubling to the next power of
// two that fits.
func (b *Buffer) grow(n int) {
	need := len(b.data) + n
	if need <= cap(b.data) {
		return
	}
	newCap := cap(b.data)
	if newCap < initialBufferSize {
		newCap = initialBufferSize
	}
	for newCap < need {
		newCap *= 2
	}
	next := make([]byte, len(b.data), newCap)
	copy(next, b.data)
	b.data = next
}

// Append adds one item of the given type and returns a mutable payload
// region of n bytes for the caller to fill. The item is padded to the
// stream alignment; pad bytes are zero.
func (b *Buffer) Append(t Type, n int) []byte {
	size := uint64(HeaderSize + n)
	padded := int(Align(size))
	b.grow(padded)

	off := len(b.data)
	b.data = b.data[:off+padded]

	binary.LittleEndian.PutUint64(b.data[off:off+8], size)
	binary.LittleEndian.PutUint64(b.data[off+8:off+16], uint64(t))

	payload := b.data[off+HeaderSize : off+HeaderSize+n]
	for i := off + HeaderSize + n; i < off+padded; i++ {
		b.data[i] = 0
	}
	return payload
}

// AppendBytes adds one item carrying a copy of p.
func (b *Buffer) AppendBytes(t Type, p []byte) {
	copy(b.Append(t, len(p)), p)
}

// AppendU64 adds one item carrying a single little-endian u64.
func (b *Buffer) AppendU64(t Type, v uint64) {
	binary.LittleEndian.PutUint64(b.Append(t, 8), v)
}

// AppendString adds one item carrying s with a trailing NUL.
func (b *Buffer) AppendString(t Type, s string) {
	p := b.Append(t, len(s)+1)
	copy(p, s)
	p[len(s)] = 0
}
