package routing

import (
	"testing"
	"time"

	someip "github.com/go-someip/someip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterApplicationIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	id1 := m.RegisterApplication("app1", nil)
	id2 := m.RegisterApplication("app1", nil)
	assert.Equal(t, id1, id2)
	assert.GreaterOrEqual(t, id1, clientIDMin)
	assert.LessOrEqual(t, id1, clientIDMax)
}

func TestOfferServiceFirstWriterWins(t *testing.T) {
	m := NewManager(nil)
	owner := m.RegisterApplication("owner", nil)
	challenger := m.RegisterApplication("challenger", nil)
	key := ServiceKey{Service: 0x1234, Instance: 1}

	require.True(t, m.OfferService(owner, key, 1, 0, 3, nil, nil))
	require.False(t, m.OfferService(challenger, key, 1, 0, 3, nil, nil))

	info, ok := m.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, owner, info.OwnerClientID)
}

func TestOfferServiceSameOwnerResets(t *testing.T) {
	m := NewManager(nil)
	owner := m.RegisterApplication("owner", nil)
	key := ServiceKey{Service: 0x1234, Instance: 1}

	require.True(t, m.OfferService(owner, key, 1, 0, 3, nil, nil))
	require.True(t, m.OfferService(owner, key, 1, 0, 99, nil, nil))

	info, ok := m.Lookup(key)
	require.True(t, ok)
	assert.EqualValues(t, 99, info.TTL)
}

func TestStopOfferServiceRemovesEntry(t *testing.T) {
	m := NewManager(nil)
	owner := m.RegisterApplication("owner", nil)
	key := ServiceKey{Service: 1, Instance: 1}
	m.OfferService(owner, key, 1, 0, 3, nil, nil)

	m.StopOfferService(owner, key)
	_, ok := m.Lookup(key)
	assert.False(t, ok)
}

func TestDeregisterApplicationDropsItsOffers(t *testing.T) {
	m := NewManager(nil)
	owner := m.RegisterApplication("owner", nil)
	key := ServiceKey{Service: 1, Instance: 1}
	m.OfferService(owner, key, 1, 0, 3, nil, nil)

	m.DeregisterApplication("owner")
	assert.False(t, m.IsOffered(key))
	_, ok := m.ClientID("owner")
	assert.False(t, ok)
}

func TestRemoteOfferExpiresAfterTTL(t *testing.T) {
	m := NewManager(nil)
	key := ServiceKey{Service: 0x42, Instance: 1}
	m.RecordRemoteOffer(key, 1, 0, 1, nil, nil, "10.0.0.9:30490")
	assert.True(t, m.IsOffered(key))

	assert.Eventually(t, func() bool { return !m.IsOffered(key) }, 3*time.Second, 10*time.Millisecond,
		"an unrenewed remote offer must expire after its TTL")
}

func TestRemoteStopOfferCancelsExpiry(t *testing.T) {
	m := NewManager(nil)
	key := ServiceKey{Service: 0x43, Instance: 1}
	var transitions []bool
	m.RegisterAvailabilityHandler(key, func(service someip.ServiceID, instance someip.InstanceID, available bool) {
		transitions = append(transitions, available)
	})

	m.RecordRemoteOffer(key, 1, 0, 1, nil, nil, "10.0.0.9:30490")
	m.RecordRemoteStopOffer(key)
	assert.False(t, m.IsOffered(key))

	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, []bool{true, false}, transitions, "expiry must not fire a second unavailable")
}

func TestRemoteOfferConflictingSourceRejected(t *testing.T) {
	m := NewManager(nil)
	key := ServiceKey{Service: 0x44, Instance: 1}
	m.RecordRemoteOffer(key, 1, 0, 3, nil, nil, "10.0.0.9:30490")
	m.RecordRemoteOffer(key, 2, 0, 3, nil, nil, "10.0.0.8:30490")

	info, ok := m.Lookup(key)
	require.True(t, ok)
	assert.EqualValues(t, 1, info.Major, "first writer keeps the entry")
}

func TestRegisterMessageHandlerWildcardFallback(t *testing.T) {
	m := NewManager(nil)
	key := ServiceKey{Service: 1, Instance: 1}
	called := false
	m.RegisterMessageHandler(key, someip.AnyMethod, func(msg someip.Message) (*someip.Message, bool) {
		called = true
		return nil, false
	})

	_, ok := m.HandlerFor(key, 5)
	require.True(t, ok)
	_, _ = m.HandlerFor(key, 5)
	assert.False(t, called, "HandlerFor must not invoke the handler itself")
}

func TestEventgroupGetOrCreate(t *testing.T) {
	m := NewManager(nil)
	key := EventgroupKey{ServiceKey: ServiceKey{Service: 1, Instance: 1}, Eventgroup: 9}
	eg1 := m.Eventgroup(key, nil)
	eg2 := m.Eventgroup(key, nil)
	assert.Same(t, eg1, eg2)
}

func TestRegisterEventAndLookup(t *testing.T) {
	m := NewManager(nil)
	key := ServiceKey{Service: 1, Instance: 1}
	m.RegisterEvent(key, 0x8001, 9, 10)
	assert.ElementsMatch(t, []someip.EventgroupID{9, 10}, m.EventgroupsFor(key, 0x8001))
	assert.Empty(t, m.EventgroupsFor(key, 0x9999))
}
