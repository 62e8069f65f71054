package routing

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/sd"
	"github.com/go-someip/someip/pkg/transport"
)

// Host is the routing-manager variant that owns the local rendezvous
// listener and the remote transport endpoints; exactly one process per
// machine runs a Host, and every other SOME/IP process attaches to it as a
// Proxy. Every attached application is a peer connection tracked by peerID;
// every remote service is reached through a registered transport.Endpoint.
type Host struct {
	logger     *slog.Logger
	manager    *Manager
	dispatcher *Dispatcher

	local     *transport.LocalServer
	discovery *Discovery

	mu          sync.Mutex
	peerByConn  map[net.Conn]peerID
	connByPeer  map[peerID]net.Conn
	parsedNames map[peerID]string
	remoteByKey map[ServiceKey]transport.Endpoint
	started     map[transport.Endpoint]struct{}
	// pendingRemote remembers how to write a response back to a remote
	// requester whose request was forwarded to a local application, keyed
	// by request_id (client_id<<16 | session_id).
	pendingRemote map[uint32]func(resp []byte) error
}

// peerID names one attached application connection for subscriber-key
// purposes; it is distinct from someip.ClientID because a connection can
// exist briefly before REGISTER_APPLICATION assigns a client id.
type peerID uint64

// HostConfig configures a Host's rendezvous listener.
type HostConfig struct {
	// LocalSocketPath is the UNIX domain socket (or named pipe, on
	// platforms that support it) attached applications dial; the
	// conventional default is /tmp/vsomeipd.
	LocalSocketPath string
}

// NewHost creates a Manager and Dispatcher and wires both to a fresh
// rendezvous listener, ready for Start.
func NewHost(cfg HostConfig, logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "routing-host")
	manager := NewManager(logger)
	h := &Host{
		logger:        logger,
		manager:       manager,
		local:         transport.NewLocalServer(cfg.LocalSocketPath),
		peerByConn:    make(map[net.Conn]peerID),
		connByPeer:    make(map[peerID]net.Conn),
		parsedNames:   make(map[peerID]string),
		remoteByKey:   make(map[ServiceKey]transport.Endpoint),
		started:       make(map[transport.Endpoint]struct{}),
		pendingRemote: make(map[uint32]func(resp []byte) error),
	}
	h.dispatcher = NewDispatcher(manager, h.deliverToSubscriber)
	h.dispatcher.SetMagicCookieHandler(func(msg someip.Message) {
		h.logger.Debug("received magic cookie frame, not dispatching", "client_magic_cookie", msg.IsClientMagicCookie())
	})
	h.local.SetAcceptCallback(h.onAccept)
	h.local.SetEnvelopeCallback(h.onEnvelope)
	h.local.SetClosedCallback(h.onClosed)
	return h
}

// SetDiscovery attaches the Service Discovery engine driving this host's
// remote service availability, so NOTIFICATIONs can fan out to subscribers
// that joined an eventgroup over SD/UDP rather than local IPC.
func (h *Host) SetDiscovery(d *Discovery) {
	h.mu.Lock()
	h.discovery = d
	h.mu.Unlock()
	h.dispatcher.SetEventgroupDeliverer(func(key EventgroupKey, msg someip.Message) bool {
		if dd := h.Discovery(); dd != nil {
			return dd.DeliverToEventgroup(key.ServiceKey, msg)
		}
		return false
	})
}

// Discovery returns the attached Service Discovery engine, or nil if none
// was set (a process running with SD disabled still routes local IPC
// commands normally, it just never emits FindService/OfferService).
func (h *Host) Discovery() *Discovery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.discovery
}

// Manager exposes the host's routing manager, e.g. for RegisterMessageHandler
// calls made by an in-process application attached directly rather than over
// local IPC.
func (h *Host) Manager() *Manager { return h.manager }

// Dispatcher exposes the host's inbound dispatcher, e.g. for remote
// endpoints' receive callbacks to forward into.
func (h *Host) Dispatcher() *Dispatcher { return h.dispatcher }

// Start begins listening for attaching applications.
func (h *Host) Start() error {
	return h.local.Start()
}

// Stop tears down the rendezvous listener and every attached connection.
func (h *Host) Stop() error {
	return h.local.Stop()
}

// AttachRemoteEndpoint registers ep as reachable for key, used by SD once a
// remote OfferService resolves an address. ep's receive callback should
// already be set to feed h.Dispatcher().HandleInbound.
func (h *Host) AttachRemoteEndpoint(key ServiceKey, ep transport.Endpoint) {
	h.mu.Lock()
	h.remoteByKey[key] = ep
	h.mu.Unlock()
}

// RemoteEndpoint looks up the transport used to reach a remote (service,
// instance), if one is registered.
func (h *Host) RemoteEndpoint(key ServiceKey) (transport.Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, ok := h.remoteByKey[key]
	return ep, ok
}

func (h *Host) onAccept(conn net.Conn) {
	h.mu.Lock()
	id := peerID(uintptr(len(h.peerByConn)) + 1)
	for {
		if _, taken := h.connByPeer[id]; !taken {
			break
		}
		id++
	}
	h.peerByConn[conn] = id
	h.connByPeer[id] = conn
	h.mu.Unlock()
	h.logger.Info("application attached", "peer", id)
}

func (h *Host) onClosed(conn net.Conn) {
	h.mu.Lock()
	id, ok := h.peerByConn[conn]
	name := h.parsedNames[id]
	delete(h.peerByConn, conn)
	delete(h.connByPeer, id)
	delete(h.parsedNames, id)
	h.mu.Unlock()
	if !ok {
		return
	}
	if name != "" {
		h.manager.DeregisterApplication(name)
	}
	h.logger.Info("application detached", "peer", id, "name", name)
}

// localSubscriberPrefix marks subscriber keys minted for applications
// attached over the rendezvous socket, as opposed to remote SD/UDP
// subscribers whose key is their address.
const localSubscriberPrefix = "local:"

func (h *Host) subscriberKey(id peerID) string {
	return fmt.Sprintf("%s%d", localSubscriberPrefix, id)
}

// onEnvelope bridges one decoded local IPC command to the manager.
func (h *Host) onEnvelope(conn net.Conn, env transport.Envelope) {
	h.mu.Lock()
	peer, ok := h.peerByConn[conn]
	h.mu.Unlock()
	if !ok {
		return
	}

	switch env.Command {
	case transport.CommandRegisterApplication:
		name := string(env.Payload)
		app := &remoteApplication{host: h, peer: peer}
		id := h.manager.RegisterApplication(name, app)
		h.mu.Lock()
		h.parsedNames[peer] = name
		h.mu.Unlock()
		ack := EncodeRegisteredAckPayload(RegisteredAckPayload{ClientID: id})
		h.sendTo(conn, transport.CommandRegisterApplication, id, ack)

	case transport.CommandDeregisterApplication:
		h.mu.Lock()
		name := h.parsedNames[peer]
		h.mu.Unlock()
		h.manager.DeregisterApplication(name)

	case transport.CommandOfferService:
		p, err := DecodeOfferPayload(env.Payload)
		if err != nil {
			h.logger.Warn("malformed OFFER_SERVICE", "err", err)
			return
		}
		key := ServiceKey{Service: p.Service, Instance: p.Instance}
		h.manager.OfferService(env.ClientID, key, p.Major, p.Minor, defaultServiceTTL, nil, nil)

	case transport.CommandStopOfferService:
		p, err := DecodeOfferPayload(env.Payload)
		if err != nil {
			h.logger.Warn("malformed STOP_OFFER_SERVICE", "err", err)
			return
		}
		h.manager.StopOfferService(env.ClientID, ServiceKey{Service: p.Service, Instance: p.Instance})

	case transport.CommandRequestService:
		p, err := DecodeOfferPayload(env.Payload)
		if err != nil {
			h.logger.Warn("malformed REQUEST_SERVICE", "err", err)
			return
		}
		key := ServiceKey{Service: p.Service, Instance: p.Instance}
		h.manager.RequestService(key)
		if d := h.Discovery(); d != nil {
			d.RequestRemoteService(key, p.Major, p.Minor)
		}

	case transport.CommandReleaseService:
		p, err := DecodeOfferPayload(env.Payload)
		if err != nil {
			h.logger.Warn("malformed RELEASE_SERVICE", "err", err)
			return
		}
		key := ServiceKey{Service: p.Service, Instance: p.Instance}
		h.manager.ReleaseService(key)
		if d := h.Discovery(); d != nil {
			d.ReleaseRemoteService(key)
		}

	case transport.CommandSubscribe:
		p, err := DecodeSubscribePayload(env.Payload)
		if err != nil {
			h.logger.Warn("malformed SUBSCRIBE", "err", err)
			return
		}
		key := EventgroupKey{ServiceKey: ServiceKey{Service: p.Service, Instance: p.Instance}, Eventgroup: p.Eventgroup}
		eg := h.manager.Eventgroup(key, nil)
		eg.Subscribe(h.subscriberKey(peer), ttlDuration(p.TTL))

	case transport.CommandUnsubscribe:
		p, err := DecodeSubscribePayload(env.Payload)
		if err != nil {
			h.logger.Warn("malformed UNSUBSCRIBE", "err", err)
			return
		}
		key := EventgroupKey{ServiceKey: ServiceKey{Service: p.Service, Instance: p.Instance}, Eventgroup: p.Eventgroup}
		if eg, ok := h.manager.ExistingEventgroup(key); ok {
			eg.Unsubscribe(h.subscriberKey(peer))
		}

	case transport.CommandRegisterEvent:
		p, err := DecodeRegisterEventPayload(env.Payload)
		if err != nil {
			h.logger.Warn("malformed REGISTER_EVENT", "err", err)
			return
		}
		h.manager.RegisterEvent(ServiceKey{Service: p.Service, Instance: p.Instance}, p.Event, p.Eventgroups...)

	case transport.CommandSend:
		msg, err := someip.DeserializeMessage(env.Payload)
		if err != nil {
			h.logger.Warn("malformed SEND payload", "err", err)
			return
		}
		h.routeOutbound(msg, func(resp someip.Message) error {
			h.sendTo(conn, transport.CommandSend, 0, resp.Serialize())
			return nil
		})

	case transport.CommandPing:
		h.sendTo(conn, transport.CommandPong, env.ClientID, nil)

	default:
		h.logger.Warn("unhandled local IPC command", "command", env.Command)
	}
}

// routeOutbound carries one message issued by a local application to its
// destination: straight into the local dispatcher when the target service
// is offered on this host, or out through the offering peer's endpoint when
// it is remote. Requests prefer the reliable (TCP) endpoint, notifications
// the unreliable (UDP) one, falling back to whichever the offer actually
// carried. Responses are routed by the client_id they preserve instead.
func (h *Host) routeOutbound(msg someip.Message, reply Reply) {
	switch msg.MessageType {
	case someip.MessageTypeResponse, someip.MessageTypeError:
		// A response is addressed by the client_id it preserves: either an
		// application on this host or a remote requester whose forwarded
		// request left a pending write-back.
		if app, ok := h.manager.Application(msg.ClientID); ok && app != nil {
			if err := app.DeliverLocal(msg); err != nil {
				h.logger.Warn("failed to deliver response locally", "client", msg.ClientID, "err", err)
			}
			return
		}
		if write, ok := h.takePendingRemote(msg); ok {
			if err := write(msg.Serialize()); err != nil {
				h.logger.Warn("failed to write response to remote requester", "client", msg.ClientID, "err", err)
			}
			return
		}
		h.logger.Warn("response with no destination", "client", msg.ClientID, "session", msg.SessionID)
		return
	}

	key, info, found := h.resolveService(msg.ServiceID)
	if !found || info.IsLocal {
		h.dispatcher.HandleInbound(msg, reply)
		return
	}

	ep := pickEndpoint(info, msg.MessageType)
	if ep == nil {
		h.logger.Warn("remote service has no usable endpoint", "service", key.Service, "instance", key.Instance)
		if msg.MessageType == someip.MessageTypeRequest && reply != nil {
			reply(someip.NewErrorResponse(msg, someip.ReturnCodeNotReachable))
		}
		return
	}
	h.ensureStarted(key, ep)
	// Send succeeds on enqueue; a not-yet-connected endpoint queues the
	// frame and drains it once its connection comes up.
	if err := ep.Send(msg.Serialize(), true); err != nil {
		h.logger.Warn("remote send failed", "service", key.Service, "err", err)
	}
}

// resolveService finds the first available (service, instance) entry
// backing service, mirroring the dispatcher's instance resolution.
func (h *Host) resolveService(service someip.ServiceID) (ServiceKey, ServiceInfo, bool) {
	for key, info := range h.manager.Snapshot() {
		if key.Service == service && info.IsAvailable {
			return key, info, true
		}
	}
	return ServiceKey{}, ServiceInfo{}, false
}

func pickEndpoint(info ServiceInfo, mt someip.MessageType) transport.Endpoint {
	if mt == someip.MessageTypeNotification {
		if info.UnreliableEndpoint != nil {
			return info.UnreliableEndpoint
		}
		return info.ReliableEndpoint
	}
	if info.ReliableEndpoint != nil {
		return info.ReliableEndpoint
	}
	return info.UnreliableEndpoint
}

// ensureStarted lazily starts a remote endpoint on its first send, wiring
// its receive callback so responses find their way back to the local
// application that holds the matching pending request.
func (h *Host) ensureStarted(key ServiceKey, ep transport.Endpoint) {
	h.mu.Lock()
	if _, ok := h.started[ep]; ok {
		h.mu.Unlock()
		return
	}
	h.started[ep] = struct{}{}
	h.remoteByKey[key] = ep
	h.mu.Unlock()

	ep.SetReceiveCallback(h.onRemoteBytes)
	if err := ep.Start(); err != nil {
		h.logger.Warn("failed to start remote endpoint", "service", key.Service, "err", err)
	}
}

func (h *Host) onRemoteBytes(data []byte, from net.Addr) {
	frames, err := transport.SplitDatagram(data)
	if err != nil {
		h.logger.Warn("dropping malformed frame tail from remote", "from", from, "err", err)
	}
	for _, frame := range frames {
		msg, err := someip.DeserializeMessage(frame)
		if err != nil {
			h.logger.Warn("malformed frame from remote", "from", from, "err", err)
			continue
		}
		h.routeFromRemote(msg)
	}
}

// routeFromRemote hands one message received from a remote peer to its
// local consumer: a RESPONSE/ERROR goes to the application whose client_id
// it carries, everything else through the ordinary inbound dispatch.
func (h *Host) routeFromRemote(msg someip.Message) {
	switch msg.MessageType {
	case someip.MessageTypeResponse, someip.MessageTypeError:
		if app, ok := h.manager.Application(msg.ClientID); ok && app != nil {
			if err := app.DeliverLocal(msg); err != nil {
				h.logger.Warn("failed to deliver response locally", "client", msg.ClientID, "err", err)
			}
			return
		}
		h.logger.Warn("response from remote for unknown client", "client", msg.ClientID, "session", msg.SessionID)
	default:
		h.dispatcher.HandleInbound(msg, nil)
	}
}

// HandleRemoteFrame processes bytes received on a server endpoint this host
// listens on for one of its offered services, replying through write. UDP
// callers may hand in a datagram carrying several concatenated frames.
func (h *Host) HandleRemoteFrame(data []byte, from net.Addr, write func(resp []byte) error) {
	frames, err := transport.SplitDatagram(data)
	if err != nil {
		h.logger.Warn("dropping malformed frame tail", "from", from, "err", err)
	}
	for _, frame := range frames {
		msg, err := someip.DeserializeMessage(frame)
		if err != nil {
			h.logger.Warn("malformed frame", "from", from, "err", err)
			continue
		}
		if msg.MessageType == someip.MessageTypeRequest {
			// The request may be forwarded to an attached application that
			// answers asynchronously; remember how to write back to the
			// requester until its response flows through routeOutbound.
			h.mu.Lock()
			h.pendingRemote[someip.RequestID(msg.ClientID, msg.SessionID)] = write
			h.mu.Unlock()
		}
		h.dispatcher.HandleInbound(msg, func(resp someip.Message) error {
			h.takePendingRemote(resp)
			return write(resp.Serialize())
		})
	}
}

func (h *Host) takePendingRemote(resp someip.Message) (func(resp []byte) error, bool) {
	id := someip.RequestID(resp.ClientID, resp.SessionID)
	h.mu.Lock()
	defer h.mu.Unlock()
	write, ok := h.pendingRemote[id]
	if ok {
		delete(h.pendingRemote, id)
	}
	return write, ok
}

func (h *Host) sendTo(conn net.Conn, cmd transport.Command, clientID someip.ClientID, payload []byte) {
	_, err := conn.Write(transport.EncodeEnvelope(transport.Envelope{Command: cmd, ClientID: clientID, Payload: payload}))
	if err != nil {
		h.logger.Warn("failed to write local IPC reply", "command", cmd, "err", err)
	}
}

func (h *Host) deliverToSubscriber(subscriberKey string, msg someip.Message) {
	var id peerID
	if _, err := fmt.Sscanf(subscriberKey, localSubscriberPrefix+"%d", &id); err == nil {
		h.mu.Lock()
		conn, ok := h.connByPeer[id]
		h.mu.Unlock()
		if ok {
			h.sendTo(conn, transport.CommandSend, 0, msg.Serialize())
		}
		return
	}

	if d := h.Discovery(); d != nil {
		d.DeliverToSubscriber(subscriberKey, msg)
	}
}

var errUnroutable = fmt.Errorf("routing: no endpoint reaches this service")

// defaultServiceTTL is the wire TTL (seconds) a locally offered service is
// recorded with, matching sd.DefaultTiming's ttl of 3*cyclic_offer.
var defaultServiceTTL = someip.TTL(sd.DefaultTiming().TTL.Seconds())

func ttlDuration(seconds someip.TTL) time.Duration {
	return time.Duration(seconds) * time.Second
}

// remoteApplication adapts a peer connection to the LocalApplication
// interface so the manager can deliver directly-addressed messages (a
// RESPONSE destined for this application's pending request) without the
// dispatcher's involvement.
type remoteApplication struct {
	host *Host
	peer peerID
}

func (a *remoteApplication) DeliverLocal(msg someip.Message) error {
	a.host.mu.Lock()
	conn, ok := a.host.connByPeer[a.peer]
	a.host.mu.Unlock()
	if !ok {
		return errUnroutable
	}
	a.host.sendTo(conn, transport.CommandSend, 0, msg.Serialize())
	return nil
}
