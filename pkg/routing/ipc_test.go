package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferPayloadRoundTrip(t *testing.T) {
	want := OfferPayload{Service: 0x1234, Instance: 1, Major: 2, Minor: 0xAABBCCDD}
	got, err := DecodeOfferPayload(EncodeOfferPayload(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestSubscribePayloadRoundTrip(t *testing.T) {
	want := SubscribePayload{Service: 0x1234, Instance: 1, Eventgroup: 9, Major: 2, TTL: 3}
	got, err := DecodeSubscribePayload(EncodeSubscribePayload(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRegisterEventPayloadRoundTrip(t *testing.T) {
	want := RegisterEventPayload{Service: 1, Instance: 1, Event: 0x8001, Eventgroups: []uint16{9, 10, 11}}
	got, err := DecodeRegisterEventPayload(EncodeRegisterEventPayload(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRegisteredAckPayloadRoundTrip(t *testing.T) {
	want := RegisteredAckPayload{ClientID: 7}
	got, err := DecodeRegisteredAckPayload(EncodeRegisteredAckPayload(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeOfferPayloadShortReadErrors(t *testing.T) {
	_, err := DecodeOfferPayload([]byte{0x00})
	assert.Error(t, err)
}
