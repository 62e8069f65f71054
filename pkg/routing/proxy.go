package routing

import (
	"log/slog"
	"sync"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/transport"
)

// PendingReply is how Proxy answers a synchronous call: the caller blocks on
// this channel until the matching RESPONSE/ERROR envelope arrives or the
// caller gives up.
type PendingReply chan someip.Message

// Proxy is the routing-manager variant that attaches to a Host over local
// IPC rather than owning the rendezvous listener itself. It is the routing
// seam the application façade (pkg/application) talks to; from the façade's
// point of view a Proxy and a Host expose the same request surface.
type Proxy struct {
	logger *slog.Logger
	client *transport.LocalClient

	mu          sync.Mutex
	name        string
	clientID    someip.ClientID
	registered  chan struct{}
	sessions    *SessionAllocator
	pending     map[someip.SessionID]PendingReply
	onInbound   func(msg someip.Message)
	onAvailable func(service someip.ServiceID, instance someip.InstanceID, available bool)
}

// NewProxy creates a Proxy that will dial the host's rendezvous socket at
// socketPath once Start is called.
func NewProxy(socketPath string, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Proxy{
		logger:     logger.With("component", "routing-proxy"),
		client:     transport.NewLocalClient(socketPath),
		registered: make(chan struct{}),
		sessions:   NewSessionAllocator(),
		pending:    make(map[someip.SessionID]PendingReply),
	}
	p.client.SetEnvelopeCallback(p.onEnvelope)
	p.client.SetStateCallback(p.onState)
	return p
}

// SetInboundHandler registers the callback invoked for every REQUEST/
// REQUEST_NO_RETURN/NOTIFICATION delivered to this application (i.e.
// anything that is not the RESPONSE/ERROR to one of its own pending calls,
// which is instead routed to the waiting Call caller).
func (p *Proxy) SetInboundHandler(fn func(msg someip.Message)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onInbound = fn
}

// SetAvailabilityHandler stores an availability callback. The proxy never
// invokes it: no local IPC command it handles carries service
// availability, REGISTERED_ACK included.
func (p *Proxy) SetAvailabilityHandler(fn func(service someip.ServiceID, instance someip.InstanceID, available bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onAvailable = fn
}

// Start begins the dial/reconnect loop and, once connected, registers name
// with the host.
func (p *Proxy) Start(name string) error {
	p.mu.Lock()
	p.name = name
	p.mu.Unlock()
	return p.client.Start()
}

// Stop disconnects from the host.
func (p *Proxy) Stop() error {
	return p.client.Stop()
}

// ClientID blocks until REGISTER_APPLICATION has been acknowledged and
// returns the id the host assigned.
func (p *Proxy) ClientID() someip.ClientID {
	<-p.registered
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

func (p *Proxy) onState(connected bool) {
	if !connected {
		return
	}
	p.mu.Lock()
	name := p.name
	p.mu.Unlock()
	if name == "" {
		return
	}
	if err := p.client.SendCommand(transport.CommandRegisterApplication, 0, []byte(name)); err != nil {
		p.logger.Warn("failed to send REGISTER_APPLICATION", "err", err)
	}
}

func (p *Proxy) onEnvelope(env transport.Envelope) {
	switch env.Command {
	case transport.CommandRegisterApplication:
		ack, err := DecodeRegisteredAckPayload(env.Payload)
		if err != nil {
			p.logger.Warn("malformed REGISTERED_ACK", "err", err)
			return
		}
		p.mu.Lock()
		already := p.clientID != 0
		p.clientID = ack.ClientID
		p.mu.Unlock()
		if !already {
			close(p.registered)
		}
		p.logger.Info("registered with routing host", "client_id", ack.ClientID)

	case transport.CommandSend:
		msg, err := someip.DeserializeMessage(env.Payload)
		if err != nil {
			p.logger.Warn("malformed SEND payload from host", "err", err)
			return
		}
		p.routeInbound(msg)

	case transport.CommandPong:
		// keepalive acknowledgment; nothing to do.

	default:
		p.logger.Warn("unhandled local IPC command from host", "command", env.Command)
	}
}

func (p *Proxy) routeInbound(msg someip.Message) {
	switch msg.MessageType {
	case someip.MessageTypeResponse, someip.MessageTypeError:
		p.mu.Lock()
		reply, ok := p.pending[msg.SessionID]
		if ok {
			delete(p.pending, msg.SessionID)
		}
		p.mu.Unlock()
		if ok {
			reply <- msg
			return
		}
		p.logger.Warn("response with no pending caller", "service", msg.ServiceID, "session", msg.SessionID)

	default:
		p.mu.Lock()
		fn := p.onInbound
		p.mu.Unlock()
		if fn != nil {
			fn(msg)
		}
	}
}

// Send transmits msg to the host for routing, as a local IPC SEND envelope.
// Fire-and-forget (REQUEST_NO_RETURN, NOTIFICATION) calls use this directly;
// Call additionally registers a pending reply slot first. Unlike the
// command helpers, Send does not wait for registration — an unattached
// proxy reports NotReachable instead of blocking.
func (p *Proxy) Send(msg someip.Message) error {
	return p.client.SendCommand(transport.CommandSend, p.currentClientID(), msg.Serialize())
}

// currentClientID returns the assigned id, or zero while registration is
// still pending.
func (p *Proxy) currentClientID() someip.ClientID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

// Call sends a REQUEST and returns a channel that receives exactly one
// RESPONSE/ERROR keyed by session id, allocated from this proxy's own
// per-(client, service, method) SessionAllocator.
func (p *Proxy) Call(service someip.ServiceID, method someip.MethodID, iface someip.InterfaceVersion, payload []byte) (PendingReply, someip.SessionID, error) {
	client := p.ClientID()
	session := p.sessions.Next(client, service, method)
	reply := make(PendingReply, 1)
	p.mu.Lock()
	p.pending[session] = reply
	p.mu.Unlock()

	req := someip.NewRequest(service, method, client, session, iface, false, payload)
	if err := p.Send(req); err != nil {
		p.mu.Lock()
		delete(p.pending, session)
		p.mu.Unlock()
		return nil, 0, err
	}
	return reply, session, nil
}

// OfferService sends OFFER_SERVICE for (service, instance) to the host.
func (p *Proxy) OfferService(service someip.ServiceID, instance someip.InstanceID, major someip.MajorVersion, minor someip.MinorVersion) error {
	payload := EncodeOfferPayload(OfferPayload{Service: service, Instance: instance, Major: major, Minor: minor})
	return p.client.SendCommand(transport.CommandOfferService, p.ClientID(), payload)
}

// StopOfferService sends STOP_OFFER_SERVICE for (service, instance).
func (p *Proxy) StopOfferService(service someip.ServiceID, instance someip.InstanceID) error {
	payload := EncodeOfferPayload(OfferPayload{Service: service, Instance: instance})
	return p.client.SendCommand(transport.CommandStopOfferService, p.ClientID(), payload)
}

// RequestService sends REQUEST_SERVICE for (service, instance).
func (p *Proxy) RequestService(service someip.ServiceID, instance someip.InstanceID) error {
	payload := EncodeOfferPayload(OfferPayload{Service: service, Instance: instance})
	return p.client.SendCommand(transport.CommandRequestService, p.ClientID(), payload)
}

// ReleaseService sends RELEASE_SERVICE for (service, instance).
func (p *Proxy) ReleaseService(service someip.ServiceID, instance someip.InstanceID) error {
	payload := EncodeOfferPayload(OfferPayload{Service: service, Instance: instance})
	return p.client.SendCommand(transport.CommandReleaseService, p.ClientID(), payload)
}

// Subscribe sends SUBSCRIBE for (service, instance, eventgroup).
func (p *Proxy) Subscribe(service someip.ServiceID, instance someip.InstanceID, eventgroup someip.EventgroupID, major someip.MajorVersion, ttl someip.TTL) error {
	payload := EncodeSubscribePayload(SubscribePayload{Service: service, Instance: instance, Eventgroup: eventgroup, Major: major, TTL: ttl})
	return p.client.SendCommand(transport.CommandSubscribe, p.ClientID(), payload)
}

// Unsubscribe sends UNSUBSCRIBE for (service, instance, eventgroup).
func (p *Proxy) Unsubscribe(service someip.ServiceID, instance someip.InstanceID, eventgroup someip.EventgroupID) error {
	payload := EncodeSubscribePayload(SubscribePayload{Service: service, Instance: instance, Eventgroup: eventgroup})
	return p.client.SendCommand(transport.CommandUnsubscribe, p.ClientID(), payload)
}

// RegisterEvent sends REGISTER_EVENT, declaring which eventgroups an event
// belongs to.
func (p *Proxy) RegisterEvent(service someip.ServiceID, instance someip.InstanceID, event someip.EventID, eventgroups ...someip.EventgroupID) error {
	payload := EncodeRegisterEventPayload(RegisterEventPayload{Service: service, Instance: instance, Event: event, Eventgroups: eventgroups})
	return p.client.SendCommand(transport.CommandRegisterEvent, p.ClientID(), payload)
}
