package routing

import (
	"testing"
	"time"

	someip "github.com/go-someip/someip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchRequestUnknownService(t *testing.T) {
	m := NewManager(nil)
	d := NewDispatcher(m, nil)

	req := someip.NewRequest(0xABCD, 1, 2, 3, 1, false, nil)
	var got *someip.Message
	d.HandleInbound(req, func(msg someip.Message) error {
		got = &msg
		return nil
	})

	require.NotNil(t, got)
	assert.Equal(t, someip.MessageTypeError, got.MessageType)
	assert.Equal(t, someip.ReturnCodeUnknownService, got.ReturnCode)
}

func TestDispatchRequestUnknownMethod(t *testing.T) {
	m := NewManager(nil)
	owner := m.RegisterApplication("owner", nil)
	key := ServiceKey{Service: 0x1, Instance: someip.AnyInstance}
	m.OfferService(owner, key, 1, 0, 3, nil, nil)
	d := NewDispatcher(m, nil)

	req := someip.NewRequest(0x1, 0x99, 2, 3, 1, false, nil)
	var got *someip.Message
	d.HandleInbound(req, func(msg someip.Message) error {
		got = &msg
		return nil
	})

	require.NotNil(t, got)
	assert.Equal(t, someip.ReturnCodeUnknownMethod, got.ReturnCode)
}

func TestDispatchRequestHandlerReply(t *testing.T) {
	m := NewManager(nil)
	owner := m.RegisterApplication("owner", nil)
	key := ServiceKey{Service: 0x1, Instance: someip.AnyInstance}
	m.OfferService(owner, key, 1, 0, 3, nil, nil)
	m.RegisterMessageHandler(key, 0x42, func(msg someip.Message) (*someip.Message, bool) {
		resp := someip.NewResponse(msg, []byte("ok"))
		return &resp, true
	})
	d := NewDispatcher(m, nil)

	req := someip.NewRequest(0x1, 0x42, 2, 3, 1, false, []byte("hi"))
	var got *someip.Message
	d.HandleInbound(req, func(msg someip.Message) error {
		got = &msg
		return nil
	})

	require.NotNil(t, got)
	assert.Equal(t, someip.MessageTypeResponse, got.MessageType)
	assert.Equal(t, []byte("ok"), got.Payload)
}

func TestDispatchRequestNoReturnNeverReplies(t *testing.T) {
	m := NewManager(nil)
	owner := m.RegisterApplication("owner", nil)
	key := ServiceKey{Service: 0x1, Instance: someip.AnyInstance}
	m.OfferService(owner, key, 1, 0, 3, nil, nil)

	d := NewDispatcher(m, nil)
	req := someip.NewRequest(0x1, 0x42, 2, 3, 1, true, nil)
	called := false
	d.HandleInbound(req, func(msg someip.Message) error {
		called = true
		return nil
	})
	assert.False(t, called)
}

func TestDispatchNotificationFansOutToSubscribers(t *testing.T) {
	m := NewManager(nil)
	key := ServiceKey{Service: 0x1, Instance: someip.AnyInstance}
	m.RegisterEvent(key, 0x8001, 9)
	eg := m.Eventgroup(EventgroupKey{ServiceKey: key, Eventgroup: 9}, nil)
	eg.Subscribe("peer-a", time.Minute)
	eg.Subscribe("peer-b", time.Minute)

	var delivered []string
	d := NewDispatcher(m, func(subscriberKey string, msg someip.Message) {
		delivered = append(delivered, subscriberKey)
	})

	notif := someip.NewNotification(0x1, 0x8001, 1, []byte("evt"))
	d.HandleInbound(notif, nil)

	assert.ElementsMatch(t, []string{"peer-a", "peer-b"}, delivered)
}

func TestDispatchNotificationMulticastCoversRemoteSubscribers(t *testing.T) {
	m := NewManager(nil)
	key := ServiceKey{Service: 0x1, Instance: someip.AnyInstance}
	m.RegisterEvent(key, 0x8001, 9)
	eg := m.Eventgroup(EventgroupKey{ServiceKey: key, Eventgroup: 9}, nil)
	eg.Subscribe("10.0.0.2:30509", time.Minute)
	eg.Subscribe(localSubscriberPrefix+"3", time.Minute)

	var unicast []string
	d := NewDispatcher(m, func(subscriberKey string, msg someip.Message) {
		unicast = append(unicast, subscriberKey)
	})
	multicasts := 0
	d.SetEventgroupDeliverer(func(egKey EventgroupKey, msg someip.Message) bool {
		multicasts++
		return true
	})

	d.HandleInbound(someip.NewNotification(0x1, 0x8001, 1, []byte("evt")), nil)

	assert.Equal(t, 1, multicasts, "one datagram per eventgroup")
	assert.Equal(t, []string{localSubscriberPrefix + "3"}, unicast,
		"only the local subscriber still needs its own copy")
}
