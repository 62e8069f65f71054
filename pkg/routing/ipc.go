package routing

import (
	"fmt"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/codec"
	"github.com/go-someip/someip/pkg/errorkind"
	"github.com/go-someip/someip/pkg/transport"
)

// This file defines the payload layouts carried inside local IPC envelopes
// (transport.Envelope.Payload) for every command that needs structure
// beyond a bare SOME/IP message. Each Encode/Decode pair uses pkg/codec,
// the same big-endian wire codec the SOME/IP message and SD message bodies
// use, rather than a separate ad hoc format.

// OfferPayload is the OFFER_SERVICE/STOP_OFFER_SERVICE/REQUEST_SERVICE
// envelope body.
type OfferPayload struct {
	Service  someip.ServiceID
	Instance someip.InstanceID
	Major    someip.MajorVersion
	Minor    someip.MinorVersion
}

func EncodeOfferPayload(p OfferPayload) []byte {
	s := codec.NewSerializer(9)
	s.WriteU16(p.Service)
	s.WriteU16(p.Instance)
	s.WriteU8(p.Major)
	s.WriteU32(p.Minor)
	return s.Finish()
}

func DecodeOfferPayload(data []byte) (OfferPayload, error) {
	d := codec.NewDeserializer(data)
	service, err := d.ReadU16()
	if err != nil {
		return OfferPayload{}, fmt.Errorf("read service: %w", errorkind.ErrMalformedMessage)
	}
	instance, err := d.ReadU16()
	if err != nil {
		return OfferPayload{}, fmt.Errorf("read instance: %w", errorkind.ErrMalformedMessage)
	}
	major, err := d.ReadU8()
	if err != nil {
		return OfferPayload{}, fmt.Errorf("read major: %w", errorkind.ErrMalformedMessage)
	}
	minor, err := d.ReadU32()
	if err != nil {
		return OfferPayload{}, fmt.Errorf("read minor: %w", errorkind.ErrMalformedMessage)
	}
	return OfferPayload{Service: service, Instance: instance, Major: major, Minor: minor}, nil
}

// SubscribePayload is the SUBSCRIBE/UNSUBSCRIBE envelope body.
type SubscribePayload struct {
	Service    someip.ServiceID
	Instance   someip.InstanceID
	Eventgroup someip.EventgroupID
	Major      someip.MajorVersion
	TTL        someip.TTL
}

func EncodeSubscribePayload(p SubscribePayload) []byte {
	s := codec.NewSerializer(11)
	s.WriteU16(p.Service)
	s.WriteU16(p.Instance)
	s.WriteU16(p.Eventgroup)
	s.WriteU8(p.Major)
	s.WriteU32(p.TTL)
	return s.Finish()
}

func DecodeSubscribePayload(data []byte) (SubscribePayload, error) {
	d := codec.NewDeserializer(data)
	service, err := d.ReadU16()
	if err != nil {
		return SubscribePayload{}, fmt.Errorf("read service: %w", errorkind.ErrMalformedMessage)
	}
	instance, err := d.ReadU16()
	if err != nil {
		return SubscribePayload{}, fmt.Errorf("read instance: %w", errorkind.ErrMalformedMessage)
	}
	eventgroup, err := d.ReadU16()
	if err != nil {
		return SubscribePayload{}, fmt.Errorf("read eventgroup: %w", errorkind.ErrMalformedMessage)
	}
	major, err := d.ReadU8()
	if err != nil {
		return SubscribePayload{}, fmt.Errorf("read major: %w", errorkind.ErrMalformedMessage)
	}
	ttl, err := d.ReadU32()
	if err != nil {
		return SubscribePayload{}, fmt.Errorf("read ttl: %w", errorkind.ErrMalformedMessage)
	}
	return SubscribePayload{Service: service, Instance: instance, Eventgroup: eventgroup, Major: major, TTL: ttl}, nil
}

// RegisterEventPayload is the REGISTER_EVENT envelope body: one event and
// the eventgroups it belongs to.
type RegisterEventPayload struct {
	Service     someip.ServiceID
	Instance    someip.InstanceID
	Event       someip.EventID
	Eventgroups []someip.EventgroupID
}

func EncodeRegisterEventPayload(p RegisterEventPayload) []byte {
	s := codec.NewSerializer(7 + 2*len(p.Eventgroups))
	s.WriteU16(p.Service)
	s.WriteU16(p.Instance)
	s.WriteU16(p.Event)
	s.WriteU8(uint8(len(p.Eventgroups)))
	for _, eg := range p.Eventgroups {
		s.WriteU16(eg)
	}
	return s.Finish()
}

func DecodeRegisterEventPayload(data []byte) (RegisterEventPayload, error) {
	d := codec.NewDeserializer(data)
	service, err := d.ReadU16()
	if err != nil {
		return RegisterEventPayload{}, fmt.Errorf("read service: %w", errorkind.ErrMalformedMessage)
	}
	instance, err := d.ReadU16()
	if err != nil {
		return RegisterEventPayload{}, fmt.Errorf("read instance: %w", errorkind.ErrMalformedMessage)
	}
	event, err := d.ReadU16()
	if err != nil {
		return RegisterEventPayload{}, fmt.Errorf("read event: %w", errorkind.ErrMalformedMessage)
	}
	count, err := d.ReadU8()
	if err != nil {
		return RegisterEventPayload{}, fmt.Errorf("read count: %w", errorkind.ErrMalformedMessage)
	}
	groups := make([]someip.EventgroupID, 0, count)
	for i := 0; i < int(count); i++ {
		eg, err := d.ReadU16()
		if err != nil {
			return RegisterEventPayload{}, fmt.Errorf("read eventgroup %d: %w", i, errorkind.ErrMalformedMessage)
		}
		groups = append(groups, eg)
	}
	return RegisterEventPayload{Service: service, Instance: instance, Event: event, Eventgroups: groups}, nil
}

// RegisteredAckPayload answers REGISTER_APPLICATION, carrying the assigned
// client_id.
type RegisteredAckPayload struct {
	ClientID someip.ClientID
}

func EncodeRegisteredAckPayload(p RegisteredAckPayload) []byte {
	s := codec.NewSerializer(2)
	s.WriteU16(p.ClientID)
	return s.Finish()
}

func DecodeRegisteredAckPayload(data []byte) (RegisteredAckPayload, error) {
	d := codec.NewDeserializer(data)
	id, err := d.ReadU16()
	if err != nil {
		return RegisteredAckPayload{}, fmt.Errorf("read client_id: %w", errorkind.ErrMalformedMessage)
	}
	return RegisteredAckPayload{ClientID: id}, nil
}

// SendEnvelope wraps a serialized SOME/IP message for the SEND command: the
// envelope payload is exactly the message's own wire bytes, reusing the
// same codec rather than inventing another layer.
func SendEnvelope(clientID someip.ClientID, msg someip.Message) transport.Envelope {
	return transport.Envelope{Command: transport.CommandSend, ClientID: clientID, Payload: msg.Serialize()}
}
