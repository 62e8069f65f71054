// Package sd implements the Service Discovery sub-protocol: SD message
// encoding (entries + options), per-service/per-eventgroup timed state
// machines, and subscription bookkeeping.
//
// Entries and options are tagged variants: one type-tagged struct per
// concern, dispatching on the tag for Serialize/Deserialize/equality.
package sd

import (
	"net"

	"github.com/go-someip/someip/pkg/codec"
	"github.com/go-someip/someip/pkg/errorkind"
)

// OptionType enumerates the SD option type tag.
type OptionType uint8

const (
	OptionTypeConfiguration OptionType = 0x01
	OptionTypeLoadBalancing OptionType = 0x02
	OptionTypeProtection    OptionType = 0x03
	OptionTypeIP4Endpoint   OptionType = 0x04
	OptionTypeIP6Endpoint   OptionType = 0x06
	OptionTypeIP4Multicast  OptionType = 0x14
	OptionTypeIP6Multicast  OptionType = 0x16
)

// L4 protocol numbers used in endpoint/multicast option bodies.
const (
	L4ProtoUDP uint8 = 0x11
	L4ProtoTCP uint8 = 0x06
)

// Option is a tagged union over the SD option kinds. Only the
// fields relevant to Type are meaningful; unrecognized wire options are kept
// as Unknown with their raw body preserved so the surrounding message can
// still be forwarded/skipped without loss.
type Option struct {
	Type OptionType

	// IP4Endpoint / IP4Multicast
	IP4     net.IP
	L4Proto uint8
	Port    uint16

	// IP6Endpoint / IP6Multicast
	IP6 net.IP

	// LoadBalancing
	Priority uint16
	Weight   uint16

	// Configuration / Protection / Unknown
	RawBody []byte
}

// NewIP4EndpointOption builds an IP4_ENDPOINT option describing a unicast
// reliable or unreliable transport endpoint.
func NewIP4EndpointOption(ip net.IP, l4proto uint8, port uint16) Option {
	return Option{Type: OptionTypeIP4Endpoint, IP4: ip.To4(), L4Proto: l4proto, Port: port}
}

// NewIP4MulticastOption builds an IP4_MULTICAST option describing where
// eventgroup notifications for a multicast subscription will be sent.
func NewIP4MulticastOption(ip net.IP, port uint16) Option {
	return Option{Type: OptionTypeIP4Multicast, IP4: ip.To4(), L4Proto: L4ProtoUDP, Port: port}
}

// NewIP6EndpointOption builds an IP6_ENDPOINT option.
func NewIP6EndpointOption(ip net.IP, l4proto uint8, port uint16) Option {
	return Option{Type: OptionTypeIP6Endpoint, IP6: ip.To16(), L4Proto: l4proto, Port: port}
}

// NewIP6MulticastOption builds an IP6_MULTICAST option.
func NewIP6MulticastOption(ip net.IP, port uint16) Option {
	return Option{Type: OptionTypeIP6Multicast, IP6: ip.To16(), L4Proto: L4ProtoUDP, Port: port}
}

// NewLoadBalancingOption builds a LOAD_BALANCING option.
func NewLoadBalancingOption(priority, weight uint16) Option {
	return Option{Type: OptionTypeLoadBalancing, Priority: priority, Weight: weight}
}

// Equal reports whether two options carry identical wire content, used to
// de-duplicate the options array before writing.
func (o Option) Equal(other Option) bool {
	return string(o.serializeBody()) == string(other.serializeBody()) && o.Type == other.Type
}

func (o Option) bodyLen() int {
	switch o.Type {
	case OptionTypeIP4Endpoint, OptionTypeIP4Multicast:
		return 8
	case OptionTypeIP6Endpoint, OptionTypeIP6Multicast:
		return 20
	case OptionTypeLoadBalancing:
		return 4
	default:
		return len(o.RawBody)
	}
}

// wireLength is the value written into the option's length field: type(1) +
// reserved(1) + body. An IP4 endpoint option carries a length-field value
// of 10 and occupies 12 bytes on the wire in total.
func (o Option) wireLength() uint16 {
	return uint16(2 + o.bodyLen())
}

// totalLen is the number of bytes this option occupies on the wire,
// including its own 2-byte length field.
func (o Option) totalLen() int {
	return 2 + int(o.wireLength())
}

func (o Option) serializeBody() []byte {
	s := codec.NewSerializer(o.bodyLen())
	switch o.Type {
	case OptionTypeIP4Endpoint, OptionTypeIP4Multicast:
		ip4 := o.IP4.To4()
		if ip4 == nil {
			ip4 = net.IPv4zero.To4()
		}
		s.WriteBytes(ip4)
		s.WriteU8(0) // reserved
		s.WriteU8(o.L4Proto)
		s.WriteU16(o.Port)
	case OptionTypeIP6Endpoint, OptionTypeIP6Multicast:
		ip6 := o.IP6.To16()
		if ip6 == nil {
			ip6 = net.IPv6zero
		}
		s.WriteBytes(ip6)
		s.WriteU8(0) // reserved
		s.WriteU8(o.L4Proto)
		s.WriteU16(o.Port)
	case OptionTypeLoadBalancing:
		s.WriteU16(o.Priority)
		s.WriteU16(o.Weight)
	default:
		s.WriteBytes(o.RawBody)
	}
	return s.Finish()
}

// Serialize writes length | type | reserved | body.
func (o Option) Serialize() []byte {
	s := codec.NewSerializer(o.totalLen())
	s.WriteU16(o.wireLength())
	s.WriteU8(uint8(o.Type))
	s.WriteU8(0) // reserved
	s.WriteBytes(o.serializeBody())
	return s.Finish()
}

// deserializeOption reads one option starting at d's current cursor,
// dispatching on the type tag. Unknown types are preserved as
// Option{Type: t, RawBody: ...} so the frame can still be skipped and
// forwarded rather than dropped whole.
func deserializeOption(d *codec.Deserializer) (Option, error) {
	length, err := d.ReadU16()
	if err != nil {
		return Option{}, err
	}
	optType, err := d.ReadU8()
	if err != nil {
		return Option{}, err
	}
	if _, err := d.ReadU8(); err != nil { // reserved
		return Option{}, err
	}
	if length < 2 {
		return Option{}, errorkind.ErrMalformedMessage
	}
	bodyLen := int(length) - 2
	body, err := d.ReadBytes(bodyLen)
	if err != nil {
		return Option{}, err
	}
	owned := make([]byte, len(body))
	copy(owned, body)

	switch OptionType(optType) {
	case OptionTypeIP4Endpoint, OptionTypeIP4Multicast:
		if bodyLen != 8 {
			return Option{}, errorkind.ErrMalformedMessage
		}
		return Option{
			Type:    OptionType(optType),
			IP4:     net.IPv4(owned[0], owned[1], owned[2], owned[3]),
			L4Proto: owned[5],
			Port:    uint16(owned[6])<<8 | uint16(owned[7]),
		}, nil
	case OptionTypeIP6Endpoint, OptionTypeIP6Multicast:
		if bodyLen != 20 {
			return Option{}, errorkind.ErrMalformedMessage
		}
		ip6 := make(net.IP, 16)
		copy(ip6, owned[:16])
		return Option{
			Type:    OptionType(optType),
			IP6:     ip6,
			L4Proto: owned[17],
			Port:    uint16(owned[18])<<8 | uint16(owned[19]),
		}, nil
	case OptionTypeLoadBalancing:
		if bodyLen != 4 {
			return Option{}, errorkind.ErrMalformedMessage
		}
		return Option{
			Type:     OptionTypeLoadBalancing,
			Priority: uint16(owned[0])<<8 | uint16(owned[1]),
			Weight:   uint16(owned[2])<<8 | uint16(owned[3]),
		}, nil
	case OptionTypeConfiguration, OptionTypeProtection:
		return Option{Type: OptionType(optType), RawBody: owned}, nil
	default:
		return Option{Type: OptionType(optType), RawBody: owned}, nil
	}
}
