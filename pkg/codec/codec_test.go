package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerializerIntegers(t *testing.T) {
	s := NewSerializer(0)
	s.WriteU8(0x11)
	s.WriteU16(0x2233)
	s.WriteU24(0x445566)
	s.WriteU32(0x778899AA)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA}, s.Finish())
}

func TestSerializerPatchU32(t *testing.T) {
	s := NewSerializer(8)
	s.WriteU32(0)
	s.WriteBytes([]byte{0xAA, 0xBB, 0xCC, 0xDD})
	s.PatchU32(0, 4)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}, s.Finish())
}

func TestDeserializerRoundTrip(t *testing.T) {
	s := NewSerializer(0)
	s.WriteU8(0x01)
	s.WriteU16(0x0203)
	s.WriteU24(0x040506)
	s.WriteU32(0x0708090A)
	s.WriteBytes([]byte{0xFF, 0xFE})

	d := NewDeserializer(s.Finish())
	u8, err := d.ReadU8()
	assert.NoError(t, err)
	assert.EqualValues(t, 0x01, u8)

	u16, err := d.ReadU16()
	assert.NoError(t, err)
	assert.EqualValues(t, 0x0203, u16)

	u24, err := d.ReadU24()
	assert.NoError(t, err)
	assert.EqualValues(t, 0x040506, u24)

	u32, err := d.ReadU32()
	assert.NoError(t, err)
	assert.EqualValues(t, 0x0708090A, u32)

	tail, err := d.ReadBytes(2)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xFE}, tail)
	assert.Equal(t, 0, d.Remaining())
}

func TestDeserializerShortReadDoesNotAdvance(t *testing.T) {
	d := NewDeserializer([]byte{0x01, 0x02})
	cursorBefore := d.Cursor()
	_, err := d.ReadU32()
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, cursorBefore, d.Cursor())
}

func TestDeserializerBoundScoping(t *testing.T) {
	d := NewDeserializer([]byte{0x01, 0x02, 0x03, 0x04, 0x05})
	restore, err := d.Bound(2)
	assert.NoError(t, err)
	_, err = d.ReadU24()
	assert.ErrorIs(t, err, ErrMalformed)
	b, err := d.ReadBytes(2)
	assert.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, b)
	restore()
	assert.Equal(t, 3, d.Remaining())
}

func TestPeekDoesNotAdvance(t *testing.T) {
	d := NewDeserializer([]byte{0xAB, 0xCD})
	tag, err := d.Peek(0)
	assert.NoError(t, err)
	assert.EqualValues(t, 0xAB, tag)
	assert.Equal(t, 0, d.Cursor())
}
