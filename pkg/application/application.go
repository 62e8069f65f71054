// Package application implements the Application façade: the object each
// client process uses to offer/request services, exchange messages, and
// subscribe to eventgroups, sitting on top of a pkg/routing.Proxy attached
// to the process-wide routing host.
package application

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/errorkind"
	"github.com/go-someip/someip/pkg/routing"
)

// MessageHandler answers a REQUEST/REQUEST_NO_RETURN for a registered
// (service, instance, method). Returning ok=false sends no reply even for a
// REQUEST that wanted one (used for methods the application chooses to
// answer out of band).
type MessageHandler func(msg someip.Message) (response []byte, ok bool)

// AvailabilityHandler is invoked whenever a (service, instance) the
// application is interested in becomes available or unavailable.
type AvailabilityHandler func(service someip.ServiceID, instance someip.InstanceID, available bool)

// EventHandler is invoked for every NOTIFICATION received for a subscribed
// eventgroup.
type EventHandler func(msg someip.Message)

// handlerKey is keyed by (service, method) only: the wire message carries no
// instance_id, so instance-precise dispatch is not resolvable from
// an inbound frame alone — the same simplification pkg/routing.Dispatcher
// documents for resolveOffered.
type handlerKey struct {
	service someip.ServiceID
	method  someip.MethodID
}

// Application is one process's attachment to the SOME/IP routing fabric.
// Create with New, call Start once, then Offer/Request/Subscribe/Send/
// Notify as needed; Stop releases everything.
type Application struct {
	name   string
	logger *slog.Logger
	proxy  *routing.Proxy

	mu               sync.Mutex
	methodHandlers   map[handlerKey]MessageHandler
	wildcardHandlers map[someip.ServiceID]MessageHandler
	availability     map[routing.ServiceKey][]AvailabilityHandler
	eventHandlers    map[routing.EventgroupKey][]EventHandler
	renewals         map[routing.EventgroupKey]*time.Timer
}

// New creates a façade named name, attaching to the routing host's
// rendezvous socket at socketPath.
func New(name, socketPath string, logger *slog.Logger) *Application {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "application", "name", name)
	a := &Application{
		name:             name,
		logger:           logger,
		proxy:            routing.NewProxy(socketPath, logger),
		methodHandlers:   make(map[handlerKey]MessageHandler),
		wildcardHandlers: make(map[someip.ServiceID]MessageHandler),
		availability:     make(map[routing.ServiceKey][]AvailabilityHandler),
		eventHandlers:    make(map[routing.EventgroupKey][]EventHandler),
		renewals:         make(map[routing.EventgroupKey]*time.Timer),
	}
	a.proxy.SetInboundHandler(a.handleInbound)
	return a
}

// Start attaches to the routing host and registers this application's name
// (init and start are combined here since this façade has no separate
// unattached-init phase worth modeling).
func (a *Application) Start() error {
	return a.proxy.Start(a.name)
}

// Stop detaches from the routing host, flushing send buffers with a
// bounded grace period. All subscription renewal timers stop with it.
func (a *Application) Stop() error {
	a.mu.Lock()
	for key, timer := range a.renewals {
		timer.Stop()
		delete(a.renewals, key)
	}
	a.mu.Unlock()
	return a.proxy.Stop()
}

// ClientID blocks until the routing host has acknowledged registration and
// returns the assigned client id.
func (a *Application) ClientID() someip.ClientID {
	return a.proxy.ClientID()
}

// OfferService advertises (service, instance) as available.
func (a *Application) OfferService(service someip.ServiceID, instance someip.InstanceID, major someip.MajorVersion, minor someip.MinorVersion) error {
	return a.proxy.OfferService(service, instance, major, minor)
}

// StopOfferService withdraws a previously offered (service, instance).
func (a *Application) StopOfferService(service someip.ServiceID, instance someip.InstanceID) error {
	return a.proxy.StopOfferService(service, instance)
}

// RequestService declares interest in (service, instance), driving
// FindService via SD until it becomes available.
func (a *Application) RequestService(service someip.ServiceID, instance someip.InstanceID) error {
	return a.proxy.RequestService(service, instance)
}

// ReleaseService withdraws a previous RequestService.
func (a *Application) ReleaseService(service someip.ServiceID, instance someip.InstanceID) error {
	return a.proxy.ReleaseService(service, instance)
}

// Subscribe joins an eventgroup, renewing automatically at every TTL/2 mark
// until Unsubscribe is called. The renewal goes out at the TTL/2 mark
// itself, not ahead of it.
func (a *Application) Subscribe(service someip.ServiceID, instance someip.InstanceID, eventgroup someip.EventgroupID, major someip.MajorVersion, ttl someip.TTL, onEvent EventHandler) error {
	key := routing.EventgroupKey{ServiceKey: routing.ServiceKey{Service: service, Instance: instance}, Eventgroup: eventgroup}
	a.mu.Lock()
	a.eventHandlers[key] = append(a.eventHandlers[key], onEvent)
	a.mu.Unlock()
	if err := a.proxy.Subscribe(service, instance, eventgroup, major, ttl); err != nil {
		return err
	}
	a.scheduleRenewal(key, major, ttl)
	return nil
}

// scheduleRenewal re-sends SUBSCRIBE at every TTL/2 mark so the offerer's
// expiry timer never fires while this application stays interested. A
// renewal whose send fails is retried at the next mark; the offerer only
// drops the subscription after a full TTL of silence.
func (a *Application) scheduleRenewal(key routing.EventgroupKey, major someip.MajorVersion, ttl someip.TTL) {
	half := time.Duration(ttl) * time.Second / 2
	if half <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if prev, ok := a.renewals[key]; ok {
		prev.Stop()
	}
	a.renewals[key] = time.AfterFunc(half, func() {
		a.mu.Lock()
		_, active := a.renewals[key]
		a.mu.Unlock()
		if !active {
			return
		}
		if err := a.proxy.Subscribe(key.Service, key.Instance, key.Eventgroup, major, ttl); err != nil {
			a.logger.Warn("subscription renewal failed", "service", key.Service, "eventgroup", key.Eventgroup, "err", err)
		}
		a.scheduleRenewal(key, major, ttl)
	})
}

// Unsubscribe leaves a previously subscribed eventgroup and stops its
// renewal timer.
func (a *Application) Unsubscribe(service someip.ServiceID, instance someip.InstanceID, eventgroup someip.EventgroupID) error {
	key := routing.EventgroupKey{ServiceKey: routing.ServiceKey{Service: service, Instance: instance}, Eventgroup: eventgroup}
	a.mu.Lock()
	delete(a.eventHandlers, key)
	if timer, ok := a.renewals[key]; ok {
		timer.Stop()
		delete(a.renewals, key)
	}
	a.mu.Unlock()
	return a.proxy.Unsubscribe(service, instance, eventgroup)
}

// Send transmits a fire-and-forget REQUEST_NO_RETURN.
func (a *Application) Send(service someip.ServiceID, method someip.MethodID, iface someip.InterfaceVersion, payload []byte) error {
	req := someip.NewRequest(service, method, a.proxy.ClientID(), 0, iface, true, payload)
	return a.proxy.Send(req)
}

// Call sends a REQUEST and blocks (up to timeout) for the matching
// RESPONSE/ERROR, returning its payload and return code.
func (a *Application) Call(service someip.ServiceID, method someip.MethodID, iface someip.InterfaceVersion, payload []byte, timeout time.Duration) ([]byte, someip.ReturnCode, error) {
	reply, _, err := a.proxy.Call(service, method, iface, payload)
	if err != nil {
		return nil, 0, err
	}
	select {
	case msg := <-reply:
		if msg.MessageType == someip.MessageTypeError || msg.ReturnCode != someip.ReturnCodeOK {
			err := errorkind.FromReturnCode(byte(msg.ReturnCode))
			if err == nil {
				err = fmt.Errorf("call to service %d method %d failed with return code 0x%02X", service, method, uint8(msg.ReturnCode))
			}
			return msg.Payload, msg.ReturnCode, err
		}
		return msg.Payload, msg.ReturnCode, nil
	case <-time.After(timeout):
		return nil, someip.ReturnCodeTimeout, fmt.Errorf("call to service %d method %d timed out", service, method)
	}
}

// Notify publishes an event to every subscriber of whichever eventgroups it
// belongs to, via REGISTER_EVENT-declared membership on the routing host.
func (a *Application) Notify(service someip.ServiceID, event someip.EventID, iface someip.InterfaceVersion, payload []byte) error {
	notif := someip.NewNotification(service, event, iface, payload)
	return a.proxy.Send(notif)
}

// RegisterEvent declares which eventgroups an event belongs to, required
// once per (service, event) before Notify's fan-out can resolve any
// subscribers via the REGISTER_EVENT local IPC command.
func (a *Application) RegisterEvent(service someip.ServiceID, instance someip.InstanceID, event someip.EventID, eventgroups ...someip.EventgroupID) error {
	return a.proxy.RegisterEvent(service, instance, event, eventgroups...)
}

// RegisterMessageHandler installs fn for (service, instance, method); a
// wildcard method (someip.AnyMethod) registers a catch-all for the service.
func (a *Application) RegisterMessageHandler(service someip.ServiceID, instance someip.InstanceID, method someip.MethodID, fn MessageHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if method == someip.AnyMethod {
		a.wildcardHandlers[service] = fn
		return
	}
	a.methodHandlers[handlerKey{service: service, method: method}] = fn
}

// RegisterAvailabilityHandler records fn for (service, instance). The façade
// never invokes the recorded handlers: the local IPC command set has
// no dedicated availability-push command, so a proxy-attached application
// only learns of availability indirectly — e.g. a subsequent Call succeeding
// rather than returning UnknownService. A co-located application that
// shares the routing host's process should register directly against
// routing.Host.Manager().RegisterAvailabilityHandler instead, which fires
// synchronously on every OfferService/StopOfferService.
func (a *Application) RegisterAvailabilityHandler(service someip.ServiceID, instance someip.InstanceID, fn AvailabilityHandler) {
	key := routing.ServiceKey{Service: service, Instance: instance}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.availability[key] = append(a.availability[key], fn)
}

func (a *Application) handleInbound(msg someip.Message) {
	if msg.MessageType == someip.MessageTypeNotification {
		a.handleNotification(msg)
		return
	}
	a.handleRequest(msg)
}

func (a *Application) handleNotification(msg someip.Message) {
	a.mu.Lock()
	var handlers []EventHandler
	for key, hs := range a.eventHandlers {
		if key.Service == msg.ServiceID {
			handlers = append(handlers, hs...)
		}
	}
	a.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (a *Application) handleRequest(msg someip.Message) {
	a.mu.Lock()
	fn, ok := a.methodHandlers[handlerKey{service: msg.ServiceID, method: msg.MethodID}]
	if !ok {
		fn, ok = a.wildcardHandlers[msg.ServiceID]
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	payload, wantsReply := fn(msg)
	if msg.MessageType == someip.MessageTypeRequestNoReturn || !wantsReply {
		return
	}
	resp := someip.NewResponse(msg, payload)
	if err := a.proxy.Send(resp); err != nil {
		a.logger.Warn("failed to send response", "service", msg.ServiceID, "method", msg.MethodID, "err", err)
	}
}
