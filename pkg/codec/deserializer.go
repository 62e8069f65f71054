package codec

import "errors"

// ErrMalformed is returned by any read that would run past the end of the
// input or the currently bounded section. It does not advance the cursor
// past the failure point, so callers (the TCP parser in pkg/transport) can
// attempt magic-cookie resynchronization from where they left off.
var ErrMalformed = errors.New("malformed message: short read")

// Deserializer holds a borrowed view over an input slice, a read cursor, and
// a remaining-length bound used to keep variable-length sections (SD entry
// and option arrays) from reading into unrelated bytes.
type Deserializer struct {
	data   []byte
	cursor int
	limit  int // exclusive upper bound for reads, defaults to len(data)
}

// NewDeserializer wraps data for reading from the start.
func NewDeserializer(data []byte) *Deserializer {
	return &Deserializer{data: data, limit: len(data)}
}

// Remaining returns the number of unread bytes within the current bound.
func (d *Deserializer) Remaining() int {
	return d.limit - d.cursor
}

// Cursor returns the current read offset into the original data slice.
func (d *Deserializer) Cursor() int {
	return d.cursor
}

// Bound restricts subsequent reads to at most n bytes from the current
// cursor, returning a restore function that lifts the bound again. Used to
// scope reads to one SD entries/options array.
func (d *Deserializer) Bound(n int) (restore func(), err error) {
	if d.cursor+n > d.limit {
		return nil, ErrMalformed
	}
	prevLimit := d.limit
	d.limit = d.cursor + n
	return func() { d.limit = prevLimit }, nil
}

// ReadU8 consumes one byte.
func (d *Deserializer) ReadU8() (uint8, error) {
	if d.cursor+1 > d.limit {
		return 0, ErrMalformed
	}
	v := d.data[d.cursor]
	d.cursor++
	return v, nil
}

// ReadU16 consumes two big-endian bytes.
func (d *Deserializer) ReadU16() (uint16, error) {
	if d.cursor+2 > d.limit {
		return 0, ErrMalformed
	}
	v := uint16(d.data[d.cursor])<<8 | uint16(d.data[d.cursor+1])
	d.cursor += 2
	return v, nil
}

// ReadU24 consumes three big-endian bytes into the low 24 bits of a uint32.
func (d *Deserializer) ReadU24() (uint32, error) {
	if d.cursor+3 > d.limit {
		return 0, ErrMalformed
	}
	v := uint32(d.data[d.cursor])<<16 | uint32(d.data[d.cursor+1])<<8 | uint32(d.data[d.cursor+2])
	d.cursor += 3
	return v, nil
}

// ReadU32 consumes four big-endian bytes.
func (d *Deserializer) ReadU32() (uint32, error) {
	if d.cursor+4 > d.limit {
		return 0, ErrMalformed
	}
	v := uint32(d.data[d.cursor])<<24 | uint32(d.data[d.cursor+1])<<16 |
		uint32(d.data[d.cursor+2])<<8 | uint32(d.data[d.cursor+3])
	d.cursor += 4
	return v, nil
}

// Peek returns the byte at cursor+offset without advancing, used to inspect
// a type tag (option_type, entry_type, message_type) before dispatching to
// the matching variant constructor.
func (d *Deserializer) Peek(offset int) (uint8, error) {
	if d.cursor+offset >= d.limit {
		return 0, ErrMalformed
	}
	return d.data[d.cursor+offset], nil
}

// ReadBytes consumes and returns exactly n bytes.
func (d *Deserializer) ReadBytes(n int) ([]byte, error) {
	if n < 0 || d.cursor+n > d.limit {
		return nil, ErrMalformed
	}
	out := d.data[d.cursor : d.cursor+n]
	d.cursor += n
	return out, nil
}

// Skip advances the cursor by n bytes without returning them.
func (d *Deserializer) Skip(n int) error {
	if n < 0 || d.cursor+n > d.limit {
		return ErrMalformed
	}
	d.cursor += n
	return nil
}
