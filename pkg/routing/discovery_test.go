package routing

import (
	"net"
	"testing"
	"time"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/sd"
	"github.com/go-someip/someip/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMulticastBus simulates a shared SD multicast segment in memory: every
// port's SendMulticast is delivered to every other port's receive callback,
// and SendTo delivers only to the port whose addr matches, the way a real
// switched network would. This avoids depending on a real multicast-capable
// network namespace in tests.
type fakeMulticastBus struct {
	ports []*fakeMulticastPort
}

type fakeMulticastPort struct {
	bus     *fakeMulticastBus
	addr    *net.UDPAddr
	onBytes transport.ReceiveCallback
}

func (b *fakeMulticastBus) newPort() *fakeMulticastPort {
	p := &fakeMulticastPort{bus: b, addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: len(b.ports) + 40000}}
	b.ports = append(b.ports, p)
	return p
}

func (p *fakeMulticastPort) SetReceiveCallback(cb transport.ReceiveCallback) { p.onBytes = cb }

func (p *fakeMulticastPort) SendMulticast(data []byte) error {
	for _, other := range p.bus.ports {
		if other == p || other.onBytes == nil {
			continue
		}
		other.onBytes(data, p.addr)
	}
	return nil
}

func (p *fakeMulticastPort) SendTo(peer net.Addr, data []byte, flush bool) error {
	for _, other := range p.bus.ports {
		if other.addr.String() == peer.String() && other.onBytes != nil {
			other.onBytes(data, p.addr)
		}
	}
	return nil
}

func fastTiming() sd.Timing {
	return sd.Timing{
		InitialDelayMin:  time.Millisecond,
		InitialDelayMax:  2 * time.Millisecond,
		RepetitionBase:   2 * time.Millisecond,
		RepetitionMax:    2,
		CyclicOfferDelay: 5 * time.Millisecond,
		TTL:              3 * time.Second,
	}
}

func TestDiscoveryOfferReachesRequester(t *testing.T) {
	bus := &fakeMulticastBus{}
	offererPort := bus.newPort()
	requesterPort := bus.newPort()

	offererManager := NewManager(nil)
	requesterManager := NewManager(nil)

	offerer := NewDiscovery(offererManager, offererPort, fastTiming(), 1, nil)
	requester := NewDiscovery(requesterManager, requesterPort, fastTiming(), 2, nil)

	key := ServiceKey{Service: 0x1234, Instance: 1}
	offerer.OfferLocalService(key, 1, 0, nil, &net.UDPAddr{IP: net.ParseIP("192.168.1.10"), Port: 30510})

	requester.RequestRemoteService(key, 1, 0)

	require.Eventually(t, func() bool {
		return requesterManager.IsOffered(key)
	}, 2*time.Second, time.Millisecond, "requester should observe the remote offer")

	info, ok := requesterManager.Lookup(key)
	require.True(t, ok)
	assert.NotNil(t, info.UnreliableEndpoint)
}

func TestDiscoveryStopOfferRemovesRemoteEntry(t *testing.T) {
	bus := &fakeMulticastBus{}
	offererPort := bus.newPort()
	requesterPort := bus.newPort()

	offererManager := NewManager(nil)
	requesterManager := NewManager(nil)

	offerer := NewDiscovery(offererManager, offererPort, fastTiming(), 1, nil)
	_ = NewDiscovery(requesterManager, requesterPort, fastTiming(), 2, nil)

	key := ServiceKey{Service: 0x5555, Instance: 1}
	offerer.OfferLocalService(key, 1, 0, nil, &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 30511})

	require.Eventually(t, func() bool {
		return requesterManager.IsOffered(key)
	}, 2*time.Second, time.Millisecond)

	offerer.StopOfferLocalService(key)

	require.Eventually(t, func() bool {
		return !requesterManager.IsOffered(key)
	}, 2*time.Second, time.Millisecond, "requester should drop the offer after StopOffer")
}

func TestDiscoverySubscribeRecordsSubscriberAndDelivers(t *testing.T) {
	bus := &fakeMulticastBus{}
	offererPort := bus.newPort()
	subscriberPort := bus.newPort()

	offererManager := NewManager(nil)
	key := ServiceKey{Service: 0x7777, Instance: 1}
	owner := offererManager.RegisterApplication("offerer-app", nil)
	require.True(t, offererManager.OfferService(owner, key, 1, 0, 3, nil, nil))

	offerer := NewDiscovery(offererManager, offererPort, fastTiming(), 1, nil)

	subscriberManager := NewManager(nil)
	_ = NewDiscovery(subscriberManager, subscriberPort, fastTiming(), 2, nil)

	// Simulate the subscriber side directly sending a SUBSCRIBE_EVENTGROUP
	// SD entry (the application façade/proxy would normally trigger this via
	// its own Discovery instance; exercising handleDatagram directly keeps
	// this test independent from that wiring).
	sdMsg := sd.NewMessage()
	sdMsg.AddEntry(sd.NewSubscribeEventgroupEntry(key.Service, key.Instance, 1, 0x0009, 3, 0), nil, nil)
	envelope := someip.NewNotification(someip.SDServiceID, 0, 1, sdMsg.Serialize())
	envelope.MethodID = someip.SDMethodID
	require.NoError(t, subscriberPort.SendMulticast(envelope.Serialize())) // fans out to offererPort's callback

	require.Eventually(t, func() bool {
		eg, ok := offererManager.ExistingEventgroup(EventgroupKey{ServiceKey: key, Eventgroup: 0x0009})
		return ok && len(eg.Subscribers()) == 1
	}, time.Second, time.Millisecond, "offerer should record the subscription")

	eg, ok := offererManager.ExistingEventgroup(EventgroupKey{ServiceKey: key, Eventgroup: 0x0009})
	require.True(t, ok)
	subscribers := eg.Subscribers()
	require.Len(t, subscribers, 1)
	assert.True(t, offerer.DeliverToSubscriber(subscribers[0], someip.NewNotification(key.Service, 0x8001, 1, []byte("hello"))))
}

func TestDiscoverySubscribeAckCarriesMulticastOption(t *testing.T) {
	bus := &fakeMulticastBus{}
	offererPort := bus.newPort()
	subscriberPort := bus.newPort()

	offererManager := NewManager(nil)
	key := ServiceKey{Service: 0x7788, Instance: 1}
	owner := offererManager.RegisterApplication("offerer-app", nil)
	require.True(t, offererManager.OfferService(owner, key, 1, 0, 3, nil, nil))

	offerer := NewDiscovery(offererManager, offererPort, fastTiming(), 1, nil)
	group := &net.UDPAddr{IP: net.ParseIP("224.244.224.250"), Port: 30600}
	offerer.SetEventgroupMulticast(key, group)

	acks := make(chan *sd.Message, 4)
	subscriberPort.SetReceiveCallback(func(data []byte, from net.Addr) {
		envelope, err := someip.DeserializeMessage(data)
		if err != nil || envelope.ServiceID != someip.SDServiceID {
			return
		}
		msg, err := sd.Deserialize(envelope.Payload)
		if err == nil {
			acks <- msg
		}
	})

	sdMsg := sd.NewMessage()
	sdMsg.AddEntry(sd.NewSubscribeEventgroupEntry(key.Service, key.Instance, 1, 0x0001, 3, 0), nil, nil)
	envelope := someip.NewNotification(someip.SDServiceID, 0, 1, sdMsg.Serialize())
	envelope.MethodID = someip.SDMethodID
	require.NoError(t, subscriberPort.SendMulticast(envelope.Serialize()))

	deadline := time.After(time.Second)
	for {
		select {
		case msg := <-acks:
			for _, entry := range msg.Entries {
				if entry.Type != sd.EntryTypeSubscribeAck {
					continue
				}
				opts := msg.RunOptions1(entry)
				require.Len(t, opts, 1)
				assert.Equal(t, sd.OptionTypeIP4Multicast, opts[0].Type)
				assert.Equal(t, group.IP.To4(), opts[0].IP4.To4())
				assert.EqualValues(t, group.Port, opts[0].Port)
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for SUBSCRIBE_ACK with multicast option")
		}
	}
}
