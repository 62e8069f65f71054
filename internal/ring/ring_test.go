package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferWriteDrain(t *testing.T) {
	b := New(4)
	assert.Equal(t, 0, b.Len())

	b.Write([]byte{1, 2, 3})
	assert.Equal(t, 3, b.Len())
	b.Write([]byte{4, 5})
	assert.Equal(t, 5, b.Len())

	got := b.Drain()
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, got)
	assert.Equal(t, 0, b.Len())
}

func TestBufferDrainEmptyReturnsNil(t *testing.T) {
	b := New(0)
	assert.Nil(t, b.Drain())
}

func TestBufferReusableAfterDrain(t *testing.T) {
	b := New(0)
	b.Write([]byte("first"))
	_ = b.Drain()
	b.Write([]byte("second"))
	assert.Equal(t, []byte("second"), b.Drain())
}
