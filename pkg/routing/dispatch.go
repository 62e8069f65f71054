package routing

import (
	"log/slog"
	"strings"

	someip "github.com/go-someip/someip"
)

// Reply is how a Dispatcher delivers an outbound message once inbound
// processing decides one is needed — either straight back to whoever sent
// the inbound message (a RESPONSE/ERROR to a REQUEST) or out to every
// subscriber of an eventgroup (a NOTIFICATION fan-out). Callers supply one
// implementation per inbound source: local delivery for a local sender,
// endpoint Send for a remote one.
type Reply func(msg someip.Message) error

// SubscriberDeliverer sends msg to the subscriber identified by
// subscriberKey (an opaque key minted by whichever transport registered the
// subscription — see pkg/sd.Subscription). The dispatcher has no notion of
// transport addresses itself; the routing host/proxy supplies this.
type SubscriberDeliverer func(subscriberKey string, msg someip.Message)

// EventgroupDeliverer sends msg once to an eventgroup's multicast address,
// covering every remote subscriber with a single datagram. It returns false
// when the eventgroup has no multicast address, in which case the
// dispatcher falls back to per-subscriber delivery.
type EventgroupDeliverer func(key EventgroupKey, msg someip.Message) bool

// MagicCookieHandler is invoked when HandleInbound recognizes a client or
// service magic cookie frame instead of an ordinary message, so the caller
// (typically the stream parser's resync logic) can react distinctly rather
// than treat the cookie as a REQUEST/NOTIFICATION with a service id that
// happens to be 0xFFFF.
type MagicCookieHandler func(msg someip.Message)

// Dispatcher implements the inbound-receive algorithm: match against
// offered services, synthesize UNKNOWN_SERVICE/UNKNOWN_METHOD errors, fan
// events out to eventgroup subscribers, and forward everything else to the
// locally registered handler.
type Dispatcher struct {
	manager             *Manager
	logger              *slog.Logger
	deliverToSubscriber SubscriberDeliverer
	deliverToEventgroup EventgroupDeliverer
	onMagicCookie       MagicCookieHandler
}

// NewDispatcher creates a Dispatcher bound to m. deliver is used to fan
// NOTIFICATIONs out to eventgroup subscribers; it may be nil if this
// process never offers events with subscribers (e.g. a pure client).
func NewDispatcher(m *Manager, deliver SubscriberDeliverer) *Dispatcher {
	return &Dispatcher{manager: m, logger: slog.Default().With("component", "dispatch"), deliverToSubscriber: deliver}
}

// SetEventgroupDeliverer installs fn as the multicast leg of notification
// fan-out. May be nil, in which case every subscriber is unicast
// individually.
func (d *Dispatcher) SetEventgroupDeliverer(fn EventgroupDeliverer) {
	d.deliverToEventgroup = fn
}

// SetMagicCookieHandler installs fn to be called instead of ordinary
// dispatch whenever HandleInbound recognizes a magic cookie frame. May be
// nil, in which case a received cookie is simply dropped.
func (d *Dispatcher) SetMagicCookieHandler(fn MagicCookieHandler) {
	d.onMagicCookie = fn
}

// HandleInbound processes one message received from the network or a local
// application's SEND. reply is invoked at most once, with the RESPONSE/
// ERROR to send back to the sender of a request (never for
// REQUEST_NO_RETURN or NOTIFICATION).
func (d *Dispatcher) HandleInbound(msg someip.Message, reply Reply) {
	if msg.IsClientMagicCookie() || msg.IsServiceMagicCookie() {
		if d.onMagicCookie != nil {
			d.onMagicCookie(msg)
		}
		return
	}

	switch msg.MessageType {
	case someip.MessageTypeNotification:
		d.dispatchNotification(msg)
	case someip.MessageTypeRequest, someip.MessageTypeRequestNoReturn:
		d.dispatchRequest(msg, reply)
	default:
		// RESPONSE/ERROR frames arriving here are answers to a request this
		// process made; routing them to the waiting caller is the
		// application façade's job (it holds the pending-request table), not
		// the dispatcher's.
	}
}

func (d *Dispatcher) dispatchRequest(msg someip.Message, reply Reply) {
	key := ServiceKey{Service: msg.ServiceID, Instance: someip.AnyInstance}
	info, offered := d.resolveOffered(msg.ServiceID)
	if !offered {
		d.respondError(msg, reply, someip.ReturnCodeUnknownService)
		return
	}

	handler, ok := d.manager.HandlerFor(key, msg.MethodID)
	if !ok {
		// No in-process handler: forward to the owning application, which
		// answers over its own attachment rather than through reply.
		if info.IsLocal {
			if app, appOK := d.manager.Application(info.OwnerClientID); appOK && app != nil {
				if err := app.DeliverLocal(msg); err == nil {
					return
				}
			}
		}
		d.respondError(msg, reply, someip.ReturnCodeUnknownMethod)
		return
	}

	response, wantsReply := handler(msg)
	if msg.MessageType == someip.MessageTypeRequestNoReturn || !wantsReply {
		return
	}
	if response == nil {
		d.respondError(msg, reply, someip.ReturnCodeNotOK)
		return
	}
	if reply != nil {
		if err := reply(*response); err != nil {
			d.logger.Warn("failed to deliver response", "service", msg.ServiceID, "method", msg.MethodID, "err", err)
		}
	}
}

// resolveOffered finds the (service, instance) entry backing service. The
// wire message only carries service_id and method_id, so the first offered
// instance of service wins; an application wanting instance-precise routing
// runs one manager per instance.
func (d *Dispatcher) resolveOffered(service someip.ServiceID) (ServiceInfo, bool) {
	for key, info := range d.manager.Snapshot() {
		if key.Service == service && info.IsAvailable {
			return info, true
		}
	}
	return ServiceInfo{}, false
}

func (d *Dispatcher) respondError(request someip.Message, reply Reply, rc someip.ReturnCode) {
	if request.MessageType == someip.MessageTypeRequestNoReturn {
		return
	}
	if reply == nil {
		return
	}
	errResp := someip.NewErrorResponse(request, rc)
	if err := reply(errResp); err != nil {
		d.logger.Warn("failed to deliver error response", "service", request.ServiceID, "rc", rc, "err", err)
	}
}

func (d *Dispatcher) dispatchNotification(msg someip.Message) {
	for _, egKey := range d.manager.EventgroupsMatching(msg.ServiceID, msg.MethodID) {
		eg, ok := d.manager.ExistingEventgroup(egKey)
		if !ok {
			continue
		}
		// One multicast datagram covers every remote subscriber; locally
		// attached subscribers do not listen on the group and still get
		// their own copy below.
		multicast := d.deliverToEventgroup != nil && d.deliverToEventgroup(egKey, msg)
		if d.deliverToSubscriber == nil {
			continue
		}
		for _, subscriberKey := range eg.Subscribers() {
			if multicast && !strings.HasPrefix(subscriberKey, localSubscriberPrefix) {
				continue
			}
			d.deliverToSubscriber(subscriberKey, msg)
		}
	}
}
