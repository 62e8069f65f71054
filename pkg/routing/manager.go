// Package routing implements the per-process routing manager: the hub that
// multiplexes local applications and tracks which (service, instance) pairs
// are offered, requested, and subscribed to, dispatching frames between
// local handlers and remote endpoints.
package routing

import (
	"log/slog"
	"sync"
	"time"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/sd"
	"github.com/go-someip/someip/pkg/transport"
)

// ServiceKey identifies one (service, instance) pair.
type ServiceKey struct {
	Service  someip.ServiceID
	Instance someip.InstanceID
}

// EventgroupKey identifies one (service, instance, eventgroup) tuple.
type EventgroupKey struct {
	ServiceKey
	Eventgroup someip.EventgroupID
}

// ServiceInfo is the per-(service, instance) routing record: versions, TTL,
// the reliable/unreliable endpoints it is reachable over, and whether the
// instance is local to this host.
type ServiceInfo struct {
	Major              someip.MajorVersion
	Minor              someip.MinorVersion
	TTL                someip.TTL
	ReliableEndpoint   transport.Endpoint
	UnreliableEndpoint transport.Endpoint
	IsLocal            bool
	IsAvailable        bool
	OwnerClientID      someip.ClientID
}

// LocalApplication is how the routing manager delivers a message to a
// locally attached application, whether that application lives in the same
// process (the façade, wired directly) or across the rendezvous socket (an
// attached proxy, wired through the local IPC envelope codec).
type LocalApplication interface {
	DeliverLocal(msg someip.Message) error
}

// MessageHandler answers one (service, instance, method) locally, mirroring
// the façade's register_message_handler. A handler that wants
// no reply (fire-and-forget methods) returns ok=false.
type MessageHandler func(msg someip.Message) (response *someip.Message, ok bool)

// AvailabilityHandler is invoked when a (service, instance) transitions
// between available and unavailable.
type AvailabilityHandler func(service someip.ServiceID, instance someip.InstanceID, available bool)

type methodKey struct {
	ServiceKey
	Method someip.MethodID
}

// Manager owns every routing table: the service table, offered and
// requested services, eventgroups, and the client registry. All tables are
// mutated under one mutex; mutations are serialized.
type Manager struct {
	logger *slog.Logger

	mu                   sync.Mutex
	serviceTable         map[ServiceKey]*ServiceInfo
	offeredServices      map[ServiceKey]struct{}
	requestedServices    map[ServiceKey]struct{}
	eventgroups          map[EventgroupKey]*sd.EventgroupSubscriptions
	clientsByName        map[string]someip.ClientID
	applicationsByClient map[someip.ClientID]LocalApplication
	nextClientID         someip.ClientID
	sessions             *SessionAllocator
	handlers             map[methodKey]MessageHandler
	wildcardHandlers     map[ServiceKey]MessageHandler
	availability         map[ServiceKey][]AvailabilityHandler
	eventToGroups        map[ServiceKey]map[someip.EventID][]someip.EventgroupID
	remoteExpiry         map[ServiceKey]*time.Timer
	remoteSource         map[ServiceKey]string
}

// NewManager creates an empty routing manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:               logger.With("component", "routing"),
		serviceTable:         make(map[ServiceKey]*ServiceInfo),
		offeredServices:      make(map[ServiceKey]struct{}),
		requestedServices:    make(map[ServiceKey]struct{}),
		eventgroups:          make(map[EventgroupKey]*sd.EventgroupSubscriptions),
		clientsByName:        make(map[string]someip.ClientID),
		applicationsByClient: make(map[someip.ClientID]LocalApplication),
		sessions:             NewSessionAllocator(),
		handlers:             make(map[methodKey]MessageHandler),
		wildcardHandlers:     make(map[ServiceKey]MessageHandler),
		availability:         make(map[ServiceKey][]AvailabilityHandler),
		eventToGroups:        make(map[ServiceKey]map[someip.EventID][]someip.EventgroupID),
		remoteExpiry:         make(map[ServiceKey]*time.Timer),
		remoteSource:         make(map[ServiceKey]string),
	}
}

// RegisterEvent records which eventgroups a given event belongs to (local
// IPC command REGISTER_EVENT), so that a later NOTIFICATION for that event
// can be fanned out to every eventgroup's subscribers.
func (m *Manager) RegisterEvent(key ServiceKey, event someip.EventID, eventgroups ...someip.EventgroupID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.eventToGroups[key] == nil {
		m.eventToGroups[key] = make(map[someip.EventID][]someip.EventgroupID)
	}
	m.eventToGroups[key][event] = eventgroups
}

// EventgroupsFor returns the eventgroups a given (service, event) was
// registered under.
func (m *Manager) EventgroupsFor(key ServiceKey, event someip.EventID) []someip.EventgroupID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]someip.EventgroupID(nil), m.eventToGroups[key][event]...)
}

// EventgroupsMatching returns every (service, instance, eventgroup) key a
// NOTIFICATION for (service, event) fans out to, across all instances the
// event was registered under — the wire message carries no instance_id to
// narrow by.
func (m *Manager) EventgroupsMatching(service someip.ServiceID, event someip.EventID) []EventgroupKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []EventgroupKey
	for key, events := range m.eventToGroups {
		if key.Service != service {
			continue
		}
		for _, group := range events[event] {
			out = append(out, EventgroupKey{ServiceKey: key, Eventgroup: group})
		}
	}
	return out
}

// ExistingEventgroup returns the subscriber set for key if one has already
// been created, without creating it (used by dispatch, which should never
// spontaneously create an eventgroup it has no other record of).
func (m *Manager) ExistingEventgroup(key EventgroupKey) (*sd.EventgroupSubscriptions, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	eg, ok := m.eventgroups[key]
	return eg, ok
}

// clientIDMin/Max bound the assignable client id range.
const (
	clientIDMin someip.ClientID = 1
	clientIDMax someip.ClientID = 0xFFFE
)

// RegisterApplication assigns name a client_id, monotonically, rerolling on
// collision. Registering the same name twice returns its
// existing id rather than allocating a new one.
func (m *Manager) RegisterApplication(name string, app LocalApplication) someip.ClientID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.clientsByName[name]; ok {
		m.applicationsByClient[id] = app
		return id
	}

	id := m.nextFreeClientIDLocked()
	m.clientsByName[name] = id
	m.applicationsByClient[id] = app
	return id
}

func (m *Manager) nextFreeClientIDLocked() someip.ClientID {
	for {
		m.nextClientID++
		if m.nextClientID < clientIDMin || m.nextClientID > clientIDMax {
			m.nextClientID = clientIDMin
		}
		if _, taken := m.applicationsByClient[m.nextClientID]; !taken {
			return m.nextClientID
		}
	}
}

// DeregisterApplication removes name's registration and every offer it
// owned.
func (m *Manager) DeregisterApplication(name string) {
	m.mu.Lock()
	id, ok := m.clientsByName[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clientsByName, name)
	delete(m.applicationsByClient, id)
	var dropped []ServiceKey
	for key, info := range m.serviceTable {
		if info.IsLocal && info.OwnerClientID == id {
			delete(m.serviceTable, key)
			delete(m.offeredServices, key)
			dropped = append(dropped, key)
		}
	}
	m.mu.Unlock()

	for _, key := range dropped {
		m.notifyAvailability(key, false)
	}
}

// ClientID looks up the client_id assigned to an already-registered
// application name.
func (m *Manager) ClientID(name string) (someip.ClientID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.clientsByName[name]
	return id, ok
}

// OfferService records that owner now offers (service, instance), entering
// it into the offered set and the service table. A duplicate offer from the
// same owner resets its TTL; a conflicting offer from a different owner is
// rejected, first-writer-wins.
func (m *Manager) OfferService(owner someip.ClientID, key ServiceKey, major someip.MajorVersion, minor someip.MinorVersion, ttl someip.TTL, reliable, unreliable transport.Endpoint) bool {
	m.mu.Lock()
	existing, ok := m.serviceTable[key]
	if ok && existing.IsLocal && existing.OwnerClientID != owner {
		m.mu.Unlock()
		m.logger.Warn("rejecting conflicting offer, first-writer-wins", "service", key.Service, "instance", key.Instance, "incumbent", existing.OwnerClientID, "challenger", owner)
		return false
	}
	m.serviceTable[key] = &ServiceInfo{
		Major: major, Minor: minor, TTL: ttl,
		ReliableEndpoint: reliable, UnreliableEndpoint: unreliable,
		IsLocal: true, IsAvailable: true, OwnerClientID: owner,
	}
	m.offeredServices[key] = struct{}{}
	m.mu.Unlock()

	m.notifyAvailability(key, true)
	return true
}

// StopOfferService removes (service, instance) from the offered set.
func (m *Manager) StopOfferService(owner someip.ClientID, key ServiceKey) {
	m.mu.Lock()
	info, ok := m.serviceTable[key]
	if !ok || !info.IsLocal || info.OwnerClientID != owner {
		m.mu.Unlock()
		return
	}
	delete(m.serviceTable, key)
	delete(m.offeredServices, key)
	m.mu.Unlock()

	m.notifyAvailability(key, false)
}

// RecordRemoteOffer installs routing-table state for a service offered by a
// remote peer, discovered via SD, with its reachable endpoints. A duplicate
// offer from the same source resets the entry's TTL timer; an offer for an
// already-claimed key from a different source is rejected, first-writer-
// wins, with a log. An offer that goes unrenewed for its full TTL expires
// and the service goes unavailable.
func (m *Manager) RecordRemoteOffer(key ServiceKey, major someip.MajorVersion, minor someip.MinorVersion, ttl someip.TTL, reliable, unreliable transport.Endpoint, source string) {
	m.mu.Lock()
	_, existed := m.serviceTable[key]
	if existed {
		if incumbent := m.remoteSource[key]; incumbent != source {
			m.mu.Unlock()
			m.logger.Warn("rejecting conflicting remote offer, first-writer-wins", "service", key.Service, "instance", key.Instance, "incumbent", incumbent, "challenger", source)
			return
		}
		// Keep the endpoints the first offer established; a renewal only
		// refreshes the TTL.
		m.serviceTable[key].TTL = ttl
	} else {
		m.serviceTable[key] = &ServiceInfo{
			Major: major, Minor: minor, TTL: ttl,
			ReliableEndpoint: reliable, UnreliableEndpoint: unreliable,
			IsLocal: false, IsAvailable: true,
		}
		m.remoteSource[key] = source
	}
	if timer, ok := m.remoteExpiry[key]; ok {
		timer.Stop()
	}
	if ttl > 0 {
		m.remoteExpiry[key] = time.AfterFunc(time.Duration(ttl)*time.Second, func() {
			m.expireRemoteOffer(key)
		})
	}
	m.mu.Unlock()
	if !existed {
		m.notifyAvailability(key, true)
	}
}

func (m *Manager) expireRemoteOffer(key ServiceKey) {
	m.mu.Lock()
	info, ok := m.serviceTable[key]
	if !ok || info.IsLocal {
		m.mu.Unlock()
		return
	}
	delete(m.serviceTable, key)
	delete(m.remoteExpiry, key)
	delete(m.remoteSource, key)
	m.mu.Unlock()
	m.notifyAvailability(key, false)
}

// RecordRemoteStopOffer withdraws a remote offer discovered via SD.
func (m *Manager) RecordRemoteStopOffer(key ServiceKey) {
	m.mu.Lock()
	info, ok := m.serviceTable[key]
	if !ok || info.IsLocal {
		m.mu.Unlock()
		return
	}
	delete(m.serviceTable, key)
	if timer, timerOK := m.remoteExpiry[key]; timerOK {
		timer.Stop()
		delete(m.remoteExpiry, key)
	}
	delete(m.remoteSource, key)
	m.mu.Unlock()
	m.notifyAvailability(key, false)
}

// RequestService marks (service, instance) as requested by a local client,
// so FindService begins.
func (m *Manager) RequestService(key ServiceKey) {
	m.mu.Lock()
	m.requestedServices[key] = struct{}{}
	m.mu.Unlock()
}

// ReleaseService stops tracking a previously requested service.
func (m *Manager) ReleaseService(key ServiceKey) {
	m.mu.Lock()
	delete(m.requestedServices, key)
	m.mu.Unlock()
}

// Lookup returns the current routing info for (service, instance).
func (m *Manager) Lookup(key ServiceKey) (ServiceInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.serviceTable[key]
	if !ok {
		return ServiceInfo{}, false
	}
	return *info, true
}

// IsOffered reports whether (service, instance) is currently offered
// (locally or remotely known-available).
func (m *Manager) IsOffered(key ServiceKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.serviceTable[key]
	return ok && info.IsAvailable
}

// RegisterMessageHandler installs fn for (service, instance, method); a
// wildcard method (someip.AnyMethod) registers a catch-all for the service.
func (m *Manager) RegisterMessageHandler(key ServiceKey, method someip.MethodID, fn MessageHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if method == someip.AnyMethod {
		m.wildcardHandlers[key] = fn
		return
	}
	m.handlers[methodKey{ServiceKey: key, Method: method}] = fn
}

// RegisterAvailabilityHandler installs fn to be invoked whenever (service,
// instance) availability changes. Handlers match by exact key only: a key
// holding someip.AnyService or someip.AnyInstance is not a catch-all and
// fires only for an offer made under that same literal key.
func (m *Manager) RegisterAvailabilityHandler(key ServiceKey, fn AvailabilityHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.availability[key] = append(m.availability[key], fn)
}

func (m *Manager) notifyAvailability(key ServiceKey, available bool) {
	m.mu.Lock()
	handlers := append([]AvailabilityHandler(nil), m.availability[key]...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(key.Service, key.Instance, available)
	}
}

// Eventgroup returns (creating if needed) the subscriber set for key.
func (m *Manager) Eventgroup(key EventgroupKey, onEvent sd.SubscriptionEventCallback) *sd.EventgroupSubscriptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	eg, ok := m.eventgroups[key]
	if !ok {
		eg = sd.NewEventgroupSubscriptions(key.Service, key.Instance, key.Eventgroup, onEvent)
		m.eventgroups[key] = eg
	}
	return eg
}

// HandlerFor resolves the MessageHandler registered for (key, method),
// falling back to key's wildcard handler if no exact-method handler exists.
func (m *Manager) HandlerFor(key ServiceKey, method someip.MethodID) (MessageHandler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn, ok := m.handlers[methodKey{ServiceKey: key, Method: method}]; ok {
		return fn, true
	}
	fn, ok := m.wildcardHandlers[key]
	return fn, ok
}

// Application looks up the LocalApplication registered for a client_id.
func (m *Manager) Application(id someip.ClientID) (LocalApplication, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.applicationsByClient[id]
	return app, ok
}

// Sessions exposes the manager's session id allocator.
func (m *Manager) Sessions() *SessionAllocator {
	return m.sessions
}

// Snapshot returns a point-in-time copy of the service table, used by the
// read-only inspection surface.
func (m *Manager) Snapshot() map[ServiceKey]ServiceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ServiceKey]ServiceInfo, len(m.serviceTable))
	for k, v := range m.serviceTable {
		out[k] = *v
	}
	return out
}
