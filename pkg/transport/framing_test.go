package transport

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	someip "github.com/go-someip/someip"
)

func TestStreamParserMagicCookieResync(t *testing.T) {
	garbage, err := hex.DecodeString("FFFF00000000000801010100FFFFFFFF")
	require.NoError(t, err)

	valid := someip.NewRequest(0x1111, 0x8001, 0x0002, 0x0001, 0x01, true, nil).Serialize()

	p := NewStreamParser()
	frames := p.Feed(append(append([]byte{}, garbage...), valid...))

	require.Len(t, frames, 1)
	assert.Equal(t, valid, frames[0])
}

func TestStreamParserAccumulatesAcrossFeeds(t *testing.T) {
	msg := someip.NewRequest(0x1111, 0x8001, 0x0002, 0x0001, 0x01, true, []byte("hello"))
	wire := msg.Serialize()

	p := NewStreamParser()
	assert.Empty(t, p.Feed(wire[:5]))
	frames := p.Feed(wire[5:])
	require.Len(t, frames, 1)
	assert.Equal(t, wire, frames[0])
}

func TestStreamParserScansGarbageForNextCookie(t *testing.T) {
	garbage := make([]byte, 20)
	for i := range garbage {
		garbage[i] = 0x55
	}
	cookie := someip.ClientMagicCookie().Serialize()
	valid := someip.NewRequest(0x1111, 0x8001, 1, 1, 0x01, true, []byte("ok")).Serialize()

	p := NewStreamParser()
	stream := append(append(append([]byte{}, garbage...), cookie...), valid...)
	frames := p.Feed(stream)

	require.Len(t, frames, 1, "cookie delimits the stream, only the real frame comes out")
	assert.Equal(t, valid, frames[0])
	assert.False(t, p.Overflowed())
}

func TestStreamParserOverflowsWithoutCookie(t *testing.T) {
	garbage := make([]byte, MaxResyncScan+1024)
	for i := range garbage {
		garbage[i] = 0xAA
	}

	p := NewStreamParser()
	frames := p.Feed(garbage)

	assert.Empty(t, frames)
	assert.True(t, p.Overflowed(), "a scan past MaxResyncScan must ask for the connection to be dropped")

	p.Reset()
	assert.False(t, p.Overflowed())
}

func TestStreamParserMultipleFramesInOneFeed(t *testing.T) {
	a := someip.NewRequest(0x1111, 0x8001, 1, 1, 0x01, true, nil).Serialize()
	b := someip.NewRequest(0x2222, 0x8002, 1, 2, 0x01, true, []byte{0x01, 0x02}).Serialize()

	p := NewStreamParser()
	frames := p.Feed(append(append([]byte{}, a...), b...))
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
}

func TestSplitDatagramMultipleFrames(t *testing.T) {
	a := someip.NewRequest(0x1111, 0x8001, 1, 1, 0x01, true, nil).Serialize()
	b := someip.NewNotification(0x2222, 0x8002, 0x01, []byte{0xDE, 0xAD}).Serialize()

	frames, err := SplitDatagram(append(append([]byte{}, a...), b...))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
}

func TestSplitDatagramDropsPartialTail(t *testing.T) {
	a := someip.NewRequest(0x1111, 0x8001, 1, 1, 0x01, true, []byte("full")).Serialize()
	b := someip.NewRequest(0x2222, 0x8002, 1, 2, 0x01, true, []byte("cut")).Serialize()

	frames, err := SplitDatagram(append(append([]byte{}, a...), b[:10]...))
	assert.ErrorIs(t, err, someip.ErrMalformedMessage)
	require.Len(t, frames, 1)
	assert.Equal(t, a, frames[0])
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{Command: CommandOfferService, ClientID: 0x0042, Payload: []byte{0xAA, 0xBB, 0xCC}}
	wire := EncodeEnvelope(env)

	p := NewEnvelopeParser(nil)
	got := p.Feed(wire)
	require.Len(t, got, 1)
	assert.Equal(t, env, got[0])
}

func TestEnvelopeParserDiscardsUnknownCommand(t *testing.T) {
	env := Envelope{Command: Command(0x99), ClientID: 1, Payload: []byte("x")}
	wire := EncodeEnvelope(env)

	p := NewEnvelopeParser(nil)
	got := p.Feed(wire)
	assert.Empty(t, got)
}

func TestEnvelopeParserAccumulatesAcrossFeeds(t *testing.T) {
	env := Envelope{Command: CommandRegisterApplication, ClientID: 7, Payload: []byte("app1")}
	wire := EncodeEnvelope(env)

	p := NewEnvelopeParser(nil)
	assert.Empty(t, p.Feed(wire[:6]))
	got := p.Feed(wire[6:])
	require.Len(t, got, 1)
	assert.Equal(t, env, got[0])
}
