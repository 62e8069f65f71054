package someip

import (
	"fmt"

	"github.com/go-someip/someip/pkg/codec"
	"github.com/go-someip/someip/pkg/errorkind"
)

// Message is a SOME/IP message: the 16-byte fixed header plus payload.
// It is a short-lived value; ownership passes from serializer to
// transport queue to wire.
type Message struct {
	ServiceID        ServiceID
	MethodID         MethodID
	ClientID         ClientID
	SessionID        SessionID
	ProtocolVersion  uint8
	InterfaceVersion InterfaceVersion
	MessageType      MessageType
	ReturnCode       ReturnCode
	Payload          []byte
}

// NewRequest builds a REQUEST (or REQUEST_NO_RETURN) message.
func NewRequest(service ServiceID, method MethodID, client ClientID, session SessionID, iface InterfaceVersion, fireAndForget bool, payload []byte) Message {
	mt := MessageTypeRequest
	if fireAndForget {
		mt = MessageTypeRequestNoReturn
	}
	return Message{
		ServiceID:        service,
		MethodID:         method,
		ClientID:         client,
		SessionID:        session,
		ProtocolVersion:  ProtocolVersion,
		InterfaceVersion: iface,
		MessageType:      mt,
		ReturnCode:       ReturnCodeOK,
		Payload:          payload,
	}
}

// NewResponse builds a RESPONSE message answering request, preserving its
// client_id and session_id.
func NewResponse(request Message, payload []byte) Message {
	return Message{
		ServiceID:        request.ServiceID,
		MethodID:         request.MethodID,
		ClientID:         request.ClientID,
		SessionID:        request.SessionID,
		ProtocolVersion:  ProtocolVersion,
		InterfaceVersion: request.InterfaceVersion,
		MessageType:      MessageTypeResponse,
		ReturnCode:       ReturnCodeOK,
		Payload:          payload,
	}
}

// NewErrorResponse builds an ERROR message answering request with rc,
// preserving client_id/session_id
func NewErrorResponse(request Message, rc ReturnCode) Message {
	return Message{
		ServiceID:        request.ServiceID,
		MethodID:         request.MethodID,
		ClientID:         request.ClientID,
		SessionID:        request.SessionID,
		ProtocolVersion:  ProtocolVersion,
		InterfaceVersion: request.InterfaceVersion,
		MessageType:      MessageTypeError,
		ReturnCode:       rc,
	}
}

// NewNotification builds a NOTIFICATION (event/field update) message.
func NewNotification(service ServiceID, event EventID, iface InterfaceVersion, payload []byte) Message {
	return Message{
		ServiceID:        service,
		MethodID:         event,
		ClientID:         0,
		SessionID:        0,
		ProtocolVersion:  ProtocolVersion,
		InterfaceVersion: iface,
		MessageType:      MessageTypeNotification,
		ReturnCode:       ReturnCodeOK,
		Payload:          payload,
	}
}

// Length returns the wire length field value: 8 + len(payload).
func (m Message) Length() uint32 {
	return staticHeaderLength + uint32(len(m.Payload))
}

// Serialize writes the 16-byte header followed by payload bytes.
func (m Message) Serialize() []byte {
	s := codec.NewSerializer(HeaderLength + len(m.Payload))
	s.WriteU16(m.ServiceID)
	s.WriteU16(m.MethodID)
	s.WriteU32(m.Length())
	s.WriteU16(m.ClientID)
	s.WriteU16(m.SessionID)
	s.WriteU8(m.ProtocolVersion)
	s.WriteU8(m.InterfaceVersion)
	s.WriteU8(uint8(m.MessageType))
	s.WriteU8(uint8(m.ReturnCode))
	s.WriteBytes(m.Payload)
	return s.Finish()
}

// DeserializeMessage reads the fixed header then consumes exactly
// length-8 bytes as payload. It returns errorkind.ErrMalformedMessage
// (wrapped) on any short read, without having consumed bytes beyond the
// failure, so a TCP parser can attempt magic-cookie resync from the same
// starting offset.
func DeserializeMessage(data []byte) (Message, error) {
	d := codec.NewDeserializer(data)
	service, err := d.ReadU16()
	if err != nil {
		return Message{}, fmt.Errorf("read service_id: %w", errorkind.ErrMalformedMessage)
	}
	method, err := d.ReadU16()
	if err != nil {
		return Message{}, fmt.Errorf("read method_id: %w", errorkind.ErrMalformedMessage)
	}
	length, err := d.ReadU32()
	if err != nil {
		return Message{}, fmt.Errorf("read length: %w", errorkind.ErrMalformedMessage)
	}
	if length < staticHeaderLength {
		return Message{}, fmt.Errorf("length %d below minimum %d: %w", length, staticHeaderLength, errorkind.ErrMalformedMessage)
	}
	client, err := d.ReadU16()
	if err != nil {
		return Message{}, fmt.Errorf("read client_id: %w", errorkind.ErrMalformedMessage)
	}
	session, err := d.ReadU16()
	if err != nil {
		return Message{}, fmt.Errorf("read session_id: %w", errorkind.ErrMalformedMessage)
	}
	protocolVersion, err := d.ReadU8()
	if err != nil {
		return Message{}, fmt.Errorf("read protocol_version: %w", errorkind.ErrMalformedMessage)
	}
	interfaceVersion, err := d.ReadU8()
	if err != nil {
		return Message{}, fmt.Errorf("read interface_version: %w", errorkind.ErrMalformedMessage)
	}
	messageType, err := d.ReadU8()
	if err != nil {
		return Message{}, fmt.Errorf("read message_type: %w", errorkind.ErrMalformedMessage)
	}
	returnCode, err := d.ReadU8()
	if err != nil {
		return Message{}, fmt.Errorf("read return_code: %w", errorkind.ErrMalformedMessage)
	}
	payloadLen := int(length - staticHeaderLength)
	payload, err := d.ReadBytes(payloadLen)
	if err != nil {
		return Message{}, fmt.Errorf("read %d byte payload: %w", payloadLen, errorkind.ErrMalformedMessage)
	}
	// Copy payload out: the deserializer holds a borrowed view which the
	// caller (transport parser) may reuse/overwrite for the next frame.
	owned := make([]byte, len(payload))
	copy(owned, payload)
	return Message{
		ServiceID:        service,
		MethodID:         method,
		ClientID:         client,
		SessionID:        session,
		ProtocolVersion:  protocolVersion,
		InterfaceVersion: interfaceVersion,
		MessageType:      MessageType(messageType),
		ReturnCode:       ReturnCode(returnCode),
		Payload:          owned,
	}, nil
}

// IsClientMagicCookie reports whether m is the client magic cookie frame:
// message_id 0xFFFF0000, length 8, msg_type REQUEST_NO_RETURN, return_code
// OK.
func (m Message) IsClientMagicCookie() bool {
	return MessageID(m.ServiceID, m.MethodID) == clientMagicCookieServiceMethod &&
		m.Length() == magicCookieLength &&
		m.MessageType == MessageTypeRequestNoReturn &&
		m.ReturnCode == ReturnCodeOK
}

// IsServiceMagicCookie reports whether m is the service-side magic cookie
// frame: message_id 0xFFFF8000, length 8, msg_type NOTIFICATION.
func (m Message) IsServiceMagicCookie() bool {
	return MessageID(m.ServiceID, m.MethodID) == serviceMagicCookieServiceMethod &&
		m.Length() == magicCookieLength &&
		m.MessageType == MessageTypeNotification
}

// ClientMagicCookie returns the well-formed client magic cookie message.
func ClientMagicCookie() Message {
	return Message{
		ServiceID:       0xFFFF,
		MethodID:        0x0000,
		ClientID:        0,
		SessionID:       0,
		ProtocolVersion: ProtocolVersion,
		MessageType:     MessageTypeRequestNoReturn,
		ReturnCode:      ReturnCodeOK,
	}
}

// ServiceMagicCookie returns the well-formed service magic cookie message.
func ServiceMagicCookie() Message {
	return Message{
		ServiceID:       0xFFFF,
		MethodID:        0x8000,
		ClientID:        0,
		SessionID:       0,
		ProtocolVersion: ProtocolVersion,
		MessageType:     MessageTypeNotification,
		ReturnCode:      ReturnCodeOK,
	}
}
