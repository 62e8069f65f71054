// Package transport implements the byte-level carriers (TCP, UDP, local
// IPC) that move serialized SOME/IP frames between the routing manager and
// the network or a local client. Implementations self-register with a
// constructor registry from an init(), and callers pick one by name.
package transport

import (
	"fmt"
	"net"
)

// ReceiveCallback is invoked every time an Endpoint completes an inbound
// unit: one reassembled SOME/IP frame for stream endpoints, one whole
// datagram for UDP. Partial reads are never exposed.
type ReceiveCallback func(data []byte, from net.Addr)

// ConnectCallback is invoked when an Endpoint's transport-level connection
// state changes: TCP connect/disconnect, a new local IPC client attaching,
// and so on.
type ConnectCallback func(connected bool, peer net.Addr)

// Endpoint is the common contract every transport carrier implements: a
// minimal lifecycle, a buffered Send with explicit flush control, and the
// two state callbacks.
type Endpoint interface {
	// Start begins accepting/dialing/listening, as appropriate for this
	// endpoint kind. It must be safe to call Stop from any goroutine
	// afterwards.
	Start() error

	// Stop tears down the endpoint and releases its resources. Stop is
	// idempotent.
	Stop() error

	// Send queues data for transmission to the endpoint's single peer (TCP
	// client, local IPC) or, for multi-peer endpoints (TCP/UDP server),
	// returns ErrNoPeer and callers must use SendTo. If flush is false, the
	// endpoint may coalesce data with subsequent Send calls until Flush is
	// called or its internal flush timer fires.
	Send(data []byte, flush bool) error

	// Flush forces any buffered bytes out immediately.
	Flush() error

	// SetConnectCallback registers the callback invoked on connect/disconnect
	// transitions. Replaces any previously registered callback.
	SetConnectCallback(cb ConnectCallback)

	// SetReceiveCallback registers the callback invoked with each complete
	// inbound message. Replaces any previously registered callback.
	SetReceiveCallback(cb ReceiveCallback)

	// LocalAddr reports the endpoint's bound local address, or nil if not
	// yet started.
	LocalAddr() net.Addr
}

// MultiPeerEndpoint is implemented by endpoints that serve more than one
// remote peer (TCP server, UDP server/multicast) and therefore need an
// address-qualified send and a way to discover known peers.
type MultiPeerEndpoint interface {
	Endpoint
	SendTo(peer net.Addr, data []byte, flush bool) error
	Peers() []net.Addr
}

// ErrNoPeer is returned by Send on a multi-peer endpoint that has no single
// default destination.
var ErrNoPeer = fmt.Errorf("transport: endpoint has no single default peer, use SendTo")

// NewEndpointFunc constructs an Endpoint bound to a local address string
// ("host:port" or, for local IPC, a filesystem path).
type NewEndpointFunc func(bindAddr string) (Endpoint, error)

var registry = make(map[string]NewEndpointFunc)

// RegisterKind adds a new endpoint kind to the registry. Called from the
// init() of each concrete implementation file.
func RegisterKind(kind string, ctor NewEndpointFunc) {
	registry[kind] = ctor
}

// NewEndpoint looks up kind ("tcp-client", "tcp-server", "udp-client",
// "udp-server") in the registry and constructs it bound to bindAddr. The
// local IPC carriers are not registered; they are built with
// NewLocalClient and NewLocalServer.
func NewEndpoint(kind string, bindAddr string) (Endpoint, error) {
	ctor, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("transport: unsupported endpoint kind %q", kind)
	}
	return ctor(bindAddr)
}
