package sd

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfferServiceFrameLengths(t *testing.T) {
	msg := NewMessage()
	option := NewIP4EndpointOption(net.IPv4(192, 168, 1, 10), L4ProtoUDP, 30509)
	entry := NewOfferServiceEntry(0x2222, 0x0001, 1, 0, 3)
	msg.AddEntry(entry, []Option{option}, nil)

	wire := msg.Serialize()
	// flags(1) + reserved(3) + entries_length(4) + entries(16) + options_length(4) + options(12)
	entriesLength := uint32(wire[4])<<24 | uint32(wire[5])<<16 | uint32(wire[6])<<8 | uint32(wire[7])
	assert.EqualValues(t, 16, entriesLength)

	optionsLenOffset := 8 + int(entriesLength)
	optionsLength := uint32(wire[optionsLenOffset])<<24 | uint32(wire[optionsLenOffset+1])<<16 |
		uint32(wire[optionsLenOffset+2])<<8 | uint32(wire[optionsLenOffset+3])
	assert.EqualValues(t, 12, optionsLength)
}

func TestSDMessageRoundTrip(t *testing.T) {
	msg := NewMessage()
	unicast := NewIP4EndpointOption(net.IPv4(10, 0, 0, 1), L4ProtoTCP, 30501)
	multicast := NewIP4MulticastOption(net.IPv4(224, 244, 224, 245), 30490)
	entry := NewSubscribeAckEntry(0x1111, 0x0001, 1, 0x0005, 3, 0)
	msg.AddEntry(entry, []Option{unicast}, []Option{multicast})

	parsed, err := Deserialize(msg.Serialize())
	require.NoError(t, err)
	require.Len(t, parsed.Entries, 1)
	require.Len(t, parsed.Options, 2)

	gotEntry := parsed.Entries[0]
	assert.Equal(t, EntryTypeSubscribeAck, gotEntry.Type)
	assert.EqualValues(t, 0x0005, gotEntry.EventgroupID)
	assert.EqualValues(t, 3, gotEntry.TTL)

	run1 := parsed.RunOptions1(gotEntry)
	require.Len(t, run1, 1)
	assert.Equal(t, OptionTypeIP4Endpoint, run1[0].Type)
	assert.True(t, run1[0].IP4.Equal(net.IPv4(10, 0, 0, 1).To4()))

	run2 := parsed.RunOptions2(gotEntry)
	require.Len(t, run2, 1)
	assert.Equal(t, OptionTypeIP4Multicast, run2[0].Type)
	assert.EqualValues(t, 30490, run2[0].Port)
}

func TestOptionsAreDeduplicated(t *testing.T) {
	msg := NewMessage()
	shared := NewIP4EndpointOption(net.IPv4(192, 168, 1, 1), L4ProtoUDP, 30509)
	e1 := NewOfferServiceEntry(0x1111, 1, 1, 0, 3)
	e2 := NewOfferServiceEntry(0x2222, 1, 1, 0, 3)
	msg.AddEntry(e1, []Option{shared}, nil)
	msg.AddEntry(e2, []Option{shared}, nil)
	assert.Len(t, msg.Options, 1)
	assert.Equal(t, msg.Entries[0].OptionIndex1, msg.Entries[1].OptionIndex1)
}

func TestEntryOutsideOptionsArrayIsMalformed(t *testing.T) {
	msg := NewMessage()
	entry := NewOfferServiceEntry(0x1111, 1, 1, 0, 3)
	entry.OptionIndex1 = 5
	entry.OptionCount1 = 1
	msg.Entries = append(msg.Entries, entry)
	_, err := Deserialize(msg.Serialize())
	assert.Error(t, err)
}

func TestStopOfferDisambiguatedByTTLZero(t *testing.T) {
	entry := NewOfferServiceEntry(0x1111, 1, 1, 0, 0)
	assert.True(t, entry.IsStop())
	offer := NewOfferServiceEntry(0x1111, 1, 1, 0, 3)
	assert.False(t, offer.IsStop())
}

func TestOfferStateMachineTransitions(t *testing.T) {
	timing := Timing{
		InitialDelayMin:  time.Millisecond,
		InitialDelayMax:  2 * time.Millisecond,
		RepetitionBase:   2 * time.Millisecond,
		RepetitionMax:    2,
		CyclicOfferDelay: 2 * time.Millisecond,
		TTL:              3 * time.Second,
	}
	ttls := make(chan uint32, 10)
	st := NewOfferState(timing, nil, func(ttl uint32) { ttls <- ttl })

	assert.Equal(t, PhaseInitial, st.Phase())
	st.Offer()
	assert.Eventually(t, func() bool { return st.Phase() == PhaseRepetition || st.Phase() == PhaseMain }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return st.Phase() == PhaseMain }, time.Second, time.Millisecond)
	assert.True(t, st.IsAdvertised())

	st.StopOffer()
	assert.Equal(t, PhaseInitial, st.Phase())
	assert.False(t, st.IsAdvertised())
}

func TestFindStateTerminatesOnServiceFound(t *testing.T) {
	timing := Timing{
		InitialDelayMin: time.Millisecond,
		InitialDelayMax: 2 * time.Millisecond,
		RepetitionBase:  2 * time.Millisecond,
		RepetitionMax:   5,
	}
	calls := make(chan struct{}, 10)
	fs := NewFindState(timing, nil, func() { calls <- struct{}{} })
	fs.Request()
	assert.Eventually(t, func() bool { return len(calls) > 0 }, time.Second, time.Millisecond)
	fs.ServiceFound()
	assert.Equal(t, FindPhaseFound, fs.Phase())
}

func TestEventgroupSubscriptionIdempotentAndExpiry(t *testing.T) {
	events := make(chan SubscriptionEvent, 10)
	eg := NewEventgroupSubscriptions(0x1111, 1, 5, func(event SubscriptionEvent, service, instance, eventgroup uint16, key string) {
		events <- event
	})
	eg.Subscribe("client-1", 20*time.Millisecond)
	eg.Subscribe("client-1", 20*time.Millisecond) // idempotent
	assert.Len(t, eg.Subscribers(), 1)
	assert.Equal(t, SubscriptionEventAdded, <-events)
	assert.Equal(t, SubscriptionEventRenewed, <-events)

	assert.Eventually(t, func() bool { return len(eg.Subscribers()) == 0 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, SubscriptionEventExpired, <-events)
}
