package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionAllocatorSkipsZero(t *testing.T) {
	a := NewSessionAllocator()
	a.next[sessionKey{Client: 1, Service: 2, Method: 3}] = 0xFFFF
	got := a.Next(1, 2, 3)
	assert.EqualValues(t, 1, got, "wraparound must skip zero")
}

func TestSessionAllocatorIndependentPerKey(t *testing.T) {
	a := NewSessionAllocator()
	assert.EqualValues(t, 1, a.Next(1, 10, 20))
	assert.EqualValues(t, 2, a.Next(1, 10, 20))
	assert.EqualValues(t, 1, a.Next(2, 10, 20), "different client gets its own counter")
	assert.EqualValues(t, 1, a.Next(1, 11, 20), "different service gets its own counter")
}
