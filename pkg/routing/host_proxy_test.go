package routing

import (
	"path/filepath"
	"testing"
	"time"

	someip "github.com/go-someip/someip"
	"github.com/stretchr/testify/require"
)

func TestProxyRegistersWithHostAndOffersService(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "routing.sock")

	host := NewHost(HostConfig{LocalSocketPath: socketPath}, nil)
	require.NoError(t, host.Start())
	defer host.Stop()

	proxy := NewProxy(socketPath, nil)
	require.NoError(t, proxy.Start("app1"))
	defer proxy.Stop()

	clientIDDone := make(chan someip.ClientID, 1)
	go func() { clientIDDone <- proxy.ClientID() }()

	select {
	case id := <-clientIDDone:
		require.GreaterOrEqual(t, id, clientIDMin)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for REGISTERED_ACK")
	}

	require.NoError(t, proxy.OfferService(0x1234, 1, 1, 0))

	require.Eventually(t, func() bool {
		return host.manager.IsOffered(ServiceKey{Service: 0x1234, Instance: 1})
	}, 2*time.Second, 10*time.Millisecond, "host should observe the offered service")
}

func TestProxyRequestResponseRoundTrip(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "routing.sock")

	host := NewHost(HostConfig{LocalSocketPath: socketPath}, nil)
	require.NoError(t, host.Start())
	defer host.Stop()

	serverKey := ServiceKey{Service: 0x5, Instance: someip.AnyInstance}
	host.manager.RegisterMessageHandler(serverKey, 0x1, func(msg someip.Message) (*someip.Message, bool) {
		resp := someip.NewResponse(msg, append([]byte("echo:"), msg.Payload...))
		return &resp, true
	})

	serverOwner := host.manager.RegisterApplication("server", nil)
	require.True(t, host.manager.OfferService(serverOwner, serverKey, 1, 0, 3, nil, nil))

	proxy := NewProxy(socketPath, nil)
	require.NoError(t, proxy.Start("client"))
	defer proxy.Stop()
	proxy.ClientID()

	reply, _, err := proxy.Call(0x5, 0x1, 1, []byte("hi"))
	require.NoError(t, err)

	select {
	case msg := <-reply:
		require.Equal(t, someip.MessageTypeResponse, msg.MessageType)
		require.Equal(t, []byte("echo:hi"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}
