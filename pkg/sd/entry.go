package sd

import (
	"github.com/go-someip/someip/pkg/codec"
)

// EntryType enumerates the SD entry type tag. OFFER_SERVICE and
// STOP_OFFER_SERVICE share wire value 0x01, as do SUBSCRIBE_EVENTGROUP's
// positive and STOP variants under 0x06/0x07; both pairs are disambiguated
// by TTL==0, per the AUTOSAR SD standard.
type EntryType uint8

const (
	EntryTypeFindService         EntryType = 0x00
	EntryTypeOfferService        EntryType = 0x01
	EntryTypeSubscribeEventgroup EntryType = 0x06
	EntryTypeSubscribeAck        EntryType = 0x07
)

func (t EntryType) isEventgroup() bool {
	return t == EntryTypeSubscribeEventgroup || t == EntryTypeSubscribeAck
}

// Entry is a tagged union over {Service, Eventgroup} entries. An
// entry owns no pointer to its options; it references them by (index, count)
// run positions into the enclosing Message's Options array.
type Entry struct {
	Type EntryType

	OptionIndex1 uint8
	OptionCount1 uint8
	OptionIndex2 uint8
	OptionCount2 uint8

	ServiceID  uint16
	InstanceID uint16
	Major      uint8
	TTL        uint32 // 24-bit on the wire

	// Service entries (FindService / OfferService / StopOffer)
	Minor uint32

	// Eventgroup entries (SubscribeEventgroup / SubscribeAck / StopSubscribe)
	Counter      uint8
	EventgroupID uint16
}

// IsStop reports whether this entry cancels a prior announcement: a
// TTL of zero means StopOffer for a Service entry or StopSubscribe for an
// Eventgroup entry.
func (e Entry) IsStop() bool {
	return e.TTL == 0
}

// NewFindServiceEntry builds a FindService entry for a client-side request.
func NewFindServiceEntry(service, instance uint16, major uint8, minor uint32, ttl uint32) Entry {
	return Entry{Type: EntryTypeFindService, ServiceID: service, InstanceID: instance, Major: major, Minor: minor, TTL: ttl}
}

// NewOfferServiceEntry builds an OfferService entry; pass ttl=0 to build the
// StopOffer variant.
func NewOfferServiceEntry(service, instance uint16, major uint8, minor uint32, ttl uint32) Entry {
	return Entry{Type: EntryTypeOfferService, ServiceID: service, InstanceID: instance, Major: major, Minor: minor, TTL: ttl}
}

// NewSubscribeEventgroupEntry builds a SubscribeEventgroup entry; pass ttl=0
// to build the StopSubscribe/unsubscribe variant.
func NewSubscribeEventgroupEntry(service, instance uint16, major uint8, eventgroup uint16, ttl uint32, counter uint8) Entry {
	return Entry{
		Type: EntryTypeSubscribeEventgroup, ServiceID: service, InstanceID: instance,
		Major: major, EventgroupID: eventgroup, TTL: ttl, Counter: counter,
	}
}

// NewSubscribeAckEntry builds a SubscribeEventgroupAck entry answering a
// subscription.
func NewSubscribeAckEntry(service, instance uint16, major uint8, eventgroup uint16, ttl uint32, counter uint8) Entry {
	return Entry{
		Type: EntryTypeSubscribeAck, ServiceID: service, InstanceID: instance,
		Major: major, EventgroupID: eventgroup, TTL: ttl, Counter: counter,
	}
}

const entryWireLength = 16

func (e Entry) serialize() []byte {
	s := codec.NewSerializer(entryWireLength)
	s.WriteU8(uint8(e.Type))
	s.WriteU8(e.OptionIndex1)
	s.WriteU8(e.OptionIndex2)
	s.WriteU8(e.OptionCount1<<4 | (e.OptionCount2 & 0x0F))
	s.WriteU16(e.ServiceID)
	s.WriteU16(e.InstanceID)
	s.WriteU8(e.Major)
	s.WriteU24(e.TTL)
	if e.Type.isEventgroup() {
		s.WriteU8(0) // reserved
		s.WriteU8(e.Counter & 0x0F)
		s.WriteU16(e.EventgroupID)
	} else {
		s.WriteU32(e.Minor)
	}
	return s.Finish()
}

func deserializeEntry(d *codec.Deserializer) (Entry, error) {
	typeTag, err := d.ReadU8()
	if err != nil {
		return Entry{}, err
	}
	idx1, err := d.ReadU8()
	if err != nil {
		return Entry{}, err
	}
	idx2, err := d.ReadU8()
	if err != nil {
		return Entry{}, err
	}
	counts, err := d.ReadU8()
	if err != nil {
		return Entry{}, err
	}
	service, err := d.ReadU16()
	if err != nil {
		return Entry{}, err
	}
	instance, err := d.ReadU16()
	if err != nil {
		return Entry{}, err
	}
	major, err := d.ReadU8()
	if err != nil {
		return Entry{}, err
	}
	ttl, err := d.ReadU24()
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Type:         EntryType(typeTag),
		OptionIndex1: idx1,
		OptionIndex2: idx2,
		OptionCount1: counts >> 4,
		OptionCount2: counts & 0x0F,
		ServiceID:    service,
		InstanceID:   instance,
		Major:        major,
		TTL:          ttl,
	}

	if entry.Type.isEventgroup() {
		if _, err := d.ReadU8(); err != nil { // reserved
			return Entry{}, err
		}
		counterByte, err := d.ReadU8()
		if err != nil {
			return Entry{}, err
		}
		entry.Counter = counterByte & 0x0F
		entry.EventgroupID, err = d.ReadU16()
		if err != nil {
			return Entry{}, err
		}
	} else {
		entry.Minor, err = d.ReadU32()
		if err != nil {
			return Entry{}, err
		}
	}
	return entry, nil
}
