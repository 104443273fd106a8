package item

import (
	"encoding/binary"
	"errors"
)

var (
	// ErrItemTooShort indicates an item whose declared size does not cover
	// its own header.
	ErrItemTooShort = errors.New("item size smaller than item header")

	// ErrItemOverrun indicates an item whose declared size crosses the end
	// of the enclosing buffer.
	ErrItemOverrun = errors.New("item crosses buffer end")

	// ErrTrailingBytes indicates a stream whose last item does not land
	// within one alignment unit of the declared end.
	ErrTrailingBytes = errors.New("excess trailing bytes after last item")
)

// Iter walks the items of a stream in order.
//
// The zero value is not usable; construct with NewIter. Next validates each
// item before yielding it, so a caller that drains the iterator without an
// error has seen a well-formed stream except for the trailing-padding rule,
// which is checked by the final Next that returns done.
type Iter struct {
	buf []byte
	off uint64
}

// NewIter returns an iterator over the item stream in buf. The buffer must
// be exactly the declared stream: its length is the authoritative end.
func NewIter(buf []byte) *Iter {
	return &Iter{buf: buf}
}

// Next yields the next item. done is true when the stream is exhausted; at
// that point the residual-padding rule has been enforced: fewer than 8
// bytes may remain after the last padded item.
func (it *Iter) Next() (i Item, done bool, err error) {
	rest := uint64(len(it.buf)) - it.off
	if rest < Alignment {
		// Residual padding only. Anything >= one alignment unit would
		// have been a (truncated) item and is rejected below.
		return Item{}, true, nil
	}
	if rest < HeaderSize {
		return Item{}, false, ErrItemTooShort
	}

	size := binary.LittleEndian.Uint64(it.buf[it.off : it.off+8])
	typ := binary.LittleEndian.Uint64(it.buf[it.off+8 : it.off+16])

	if size < HeaderSize {
		return Item{}, false, ErrItemTooShort
	}
	if size > rest {
		return Item{}, false, ErrItemOverrun
	}

	payload := it.buf[it.off+HeaderSize : it.off+size]

	next := Align(size)
	if next > rest {
		// The padded size crosses the end: legal only if this is the
		// last item and the missing pad is within the residual window.
		if rest-size >= Alignment {
			return Item{}, false, ErrTrailingBytes
		}
		it.off = uint64(len(it.buf))
	} else {
		it.off += next
	}

	return Item{Type: Type(typ), Payload: payload}, false, nil
}

// ForEach iterates buf, invoking fn for every item. Iteration stops at the
// first error, either from validation or from fn.
func ForEach(buf []byte, fn func(Item) error) error {
	it := NewIter(buf)
	for {
		i, done, err := it.Next()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := fn(i); err != nil {
			return err
		}
	}
}

// Validate walks buf without acting on items, returning the first framing
// error, if any.
func Validate(buf []byte) error {
	return ForEach(buf, func(Item) error { return nil })
}

// U64 interprets a payload as a single little-endian u64.
func (i Item) U64() (uint64, bool) {
	if len(i.Payload) != 8 {
		return 0, false
	}
	return binary.LittleEndian.Uint64(i.Payload), true
}

// NulString interprets a payload as a NUL-terminated string. It fails when
// the payload is empty, the final byte is not NUL, or an interior NUL is
// present.
func (i Item) NulString() (string, bool) {
	n := len(i.Payload)
	if n == 0 || i.Payload[n-1] != 0 {
		return "", false
	}
	for _, b := range i.Payload[:n-1] {
		if b == 0 {
			return "", false
		}
	}
	return string(i.Payload[:n-1]), true
}
