package application

import (
	"path/filepath"
	"testing"
	"time"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/routing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplicationOfferAndCallRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "routing.sock")

	host := routing.NewHost(routing.HostConfig{LocalSocketPath: socketPath}, nil)
	require.NoError(t, host.Start())
	defer host.Stop()

	server := New("server", socketPath, nil)
	require.NoError(t, server.Start())
	defer server.Stop()

	server.RegisterMessageHandler(0x1234, 1, 0x1, func(msg someip.Message) ([]byte, bool) {
		return append([]byte("echo:"), msg.Payload...), true
	})
	require.NoError(t, server.OfferService(0x1234, 1, 1, 0))

	require.Eventually(t, func() bool {
		return host.Manager().IsOffered(routing.ServiceKey{Service: 0x1234, Instance: 1})
	}, 2*time.Second, 10*time.Millisecond)

	client := New("client", socketPath, nil)
	require.NoError(t, client.Start())
	defer client.Stop()

	payload, rc, err := client.Call(0x1234, 0x1, 1, []byte("hi"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, someip.ReturnCodeOK, rc)
	assert.Equal(t, "echo:hi", string(payload))
}

func TestApplicationCallWithoutServerFails(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "routing.sock")

	host := routing.NewHost(routing.HostConfig{LocalSocketPath: socketPath}, nil)
	require.NoError(t, host.Start())
	defer host.Stop()

	client := New("client", socketPath, nil)
	require.NoError(t, client.Start())
	defer client.Stop()

	_, _, err := client.Call(0x9999, 0x1, 1, nil, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestApplicationNotifySubscriberRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "routing.sock")

	host := routing.NewHost(routing.HostConfig{LocalSocketPath: socketPath}, nil)
	require.NoError(t, host.Start())
	defer host.Stop()

	publisher := New("publisher", socketPath, nil)
	require.NoError(t, publisher.Start())
	defer publisher.Stop()
	require.NoError(t, publisher.OfferService(0x4321, 1, 1, 0))
	require.NoError(t, publisher.RegisterEvent(0x4321, 1, 0x8001, 0x0001))

	received := make(chan someip.Message, 1)
	subscriber := New("subscriber", socketPath, nil)
	require.NoError(t, subscriber.Start())
	defer subscriber.Stop()
	require.NoError(t, subscriber.Subscribe(0x4321, 1, 0x0001, 1, 3, func(msg someip.Message) {
		received <- msg
	}))

	require.Eventually(t, func() bool {
		_, ok := host.Manager().ExistingEventgroup(routing.EventgroupKey{
			ServiceKey: routing.ServiceKey{Service: 0x4321, Instance: 1}, Eventgroup: 0x0001,
		})
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, publisher.Notify(0x4321, 0x8001, 1, []byte("tick")))

	select {
	case msg := <-received:
		assert.Equal(t, "tick", string(msg.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never received notification")
	}
}

func TestRegisterMessageHandlerWildcardFallsBackWhenNoExactMatch(t *testing.T) {
	a := New("app", "", nil)

	var gotMethod someip.MethodID
	a.RegisterMessageHandler(0x1, someip.AnyInstance, someip.AnyMethod, func(msg someip.Message) ([]byte, bool) {
		gotMethod = msg.MethodID
		return nil, false
	})
	a.RegisterMessageHandler(0x1, someip.AnyInstance, 0x42, func(msg someip.Message) ([]byte, bool) {
		gotMethod = msg.MethodID
		return []byte("exact"), true
	})

	a.handleRequest(someip.NewRequest(0x1, 0x42, 0, 1, 0, false, nil))
	assert.Equal(t, someip.MethodID(0x42), gotMethod)

	a.handleRequest(someip.NewRequest(0x1, 0x99, 0, 1, 0, false, nil))
	assert.Equal(t, someip.MethodID(0x99), gotMethod)
}

func TestHandleNotificationDispatchesOnlyToMatchingServiceHandlers(t *testing.T) {
	a := New("app", "", nil)

	var firstCount, secondCount int
	a.eventHandlers[routing.EventgroupKey{ServiceKey: routing.ServiceKey{Service: 0x1, Instance: 1}, Eventgroup: 0x1}] =
		[]EventHandler{func(msg someip.Message) { firstCount++ }}
	a.eventHandlers[routing.EventgroupKey{ServiceKey: routing.ServiceKey{Service: 0x2, Instance: 1}, Eventgroup: 0x1}] =
		[]EventHandler{func(msg someip.Message) { secondCount++ }}

	a.handleNotification(someip.NewNotification(0x1, 0x8001, 1, nil))

	assert.Equal(t, 1, firstCount)
	assert.Equal(t, 0, secondCount)
}
