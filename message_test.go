package someip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSerializeFireAndForgetPing(t *testing.T) {
	msg := NewRequest(0x1111, 0x8001, 0x0002, 0x0001, 0x01, true, nil)
	want := []byte{0x11, 0x11, 0x80, 0x01, 0x00, 0x00, 0x00, 0x08, 0x00, 0x02, 0x00, 0x01, 0x01, 0x01, 0x01, 0x00}
	assert.Equal(t, want, msg.Serialize())
}

func TestRoundTripWellFormedMessage(t *testing.T) {
	msg := NewRequest(0x4321, 0x00FF, 0x0007, 0x002A, 0x03, false, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	wire := msg.Serialize()
	got, err := DeserializeMessage(wire)
	assert.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestHeaderArithmeticHoldsForEveryEmittedFrame(t *testing.T) {
	msg := NewNotification(0x2222, 0x8005, 0x01, []byte{1, 2, 3, 4, 5})
	wire := msg.Serialize()
	lengthField := uint32(wire[4])<<24 | uint32(wire[5])<<16 | uint32(wire[6])<<8 | uint32(wire[7])
	assert.EqualValues(t, len(wire)-8, lengthField)
}

func TestDeserializeShortFrameIsMalformed(t *testing.T) {
	_, err := DeserializeMessage([]byte{0x11, 0x11, 0x80, 0x01, 0x00, 0x00, 0x00, 0x08, 0x00})
	assert.Error(t, err)
}

func TestDeserializeTruncatedPayloadIsMalformed(t *testing.T) {
	msg := NewRequest(0x1111, 0x8001, 1, 1, 1, false, []byte{1, 2, 3, 4})
	wire := msg.Serialize()
	_, err := DeserializeMessage(wire[:len(wire)-2])
	assert.Error(t, err)
}

func TestMagicCookieRecognition(t *testing.T) {
	client := ClientMagicCookie()
	assert.True(t, client.IsClientMagicCookie())
	assert.False(t, client.IsServiceMagicCookie())

	service := ServiceMagicCookie()
	assert.True(t, service.IsServiceMagicCookie())
	assert.False(t, service.IsClientMagicCookie())

	ordinary := NewRequest(0x1234, 0x0001, 1, 1, 1, false, nil)
	assert.False(t, ordinary.IsClientMagicCookie())
	assert.False(t, ordinary.IsServiceMagicCookie())
}

func TestNewErrorResponsePreservesClientAndSession(t *testing.T) {
	request := NewRequest(0x9999, 0x0001, 0x0005, 0x0010, 0x01, false, nil)
	errResp := NewErrorResponse(request, ReturnCodeUnknownService)
	assert.Equal(t, request.ClientID, errResp.ClientID)
	assert.Equal(t, request.SessionID, errResp.SessionID)
	assert.Equal(t, MessageTypeError, errResp.MessageType)
	assert.Equal(t, ReturnCodeUnknownService, errResp.ReturnCode)
}
