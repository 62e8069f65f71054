package routing

import (
	"log/slog"
	"net"
	"sync"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/sd"
	"github.com/go-someip/someip/pkg/transport"
)

// MulticastEndpoint is the subset of transport.UDPServer the Discovery
// engine drives: a single UDP socket joined to the SD multicast group that
// can both broadcast and receive.
type MulticastEndpoint interface {
	SendMulticast(data []byte) error
	SendTo(peer net.Addr, data []byte, flush bool) error
	SetReceiveCallback(transport.ReceiveCallback)
}

// Discovery is the Service Discovery engine: a per-offered-service
// OfferState, a per-requested-service FindState, and the inbound SD message
// handling that feeds discovered remote offers back into the routing
// Manager's service table.
type Discovery struct {
	logger   *slog.Logger
	manager  *Manager
	endpoint MulticastEndpoint
	timing   sd.Timing
	clientID someip.ClientID

	mu      sync.Mutex
	offers  map[ServiceKey]*offerEntry
	finds   map[ServiceKey]*sd.FindState
	session someip.SessionID
}

type offerEntry struct {
	state          *sd.OfferState
	major          someip.MajorVersion
	minor          someip.MinorVersion
	reliableAddr   *net.UDPAddr
	unreliableAddr *net.UDPAddr
	multicastAddr  *net.UDPAddr
}

// NewDiscovery wires a Discovery engine to manager (whose service table it
// populates with remote offers and reads for FindService replies) and
// endpoint (the joined SD multicast socket). clientID is used as the
// client_id field of every SD message this engine emits; the AUTOSAR
// default is 0x0000, but a routing host may use its own assigned id.
func NewDiscovery(manager *Manager, endpoint MulticastEndpoint, timing sd.Timing, clientID someip.ClientID, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Discovery{
		logger:   logger.With("component", "sd-discovery"),
		manager:  manager,
		endpoint: endpoint,
		timing:   timing,
		clientID: clientID,
		offers:   make(map[ServiceKey]*offerEntry),
		finds:    make(map[ServiceKey]*sd.FindState),
	}
	endpoint.SetReceiveCallback(d.handleDatagram)
	return d
}

// OfferLocalService starts (or restarts) advertising key over SD, from
// reliableAddr and/or unreliableAddr (either may be nil if the service only
// offers the other transport). The OfferState drives the
// INITIAL/WAIT_INITIAL/REPETITION/MAIN announcement phases.
func (d *Discovery) OfferLocalService(key ServiceKey, major someip.MajorVersion, minor someip.MinorVersion, reliableAddr, unreliableAddr *net.UDPAddr) {
	d.mu.Lock()
	entry, ok := d.offers[key]
	if !ok {
		entry = &offerEntry{major: major, minor: minor, reliableAddr: reliableAddr, unreliableAddr: unreliableAddr}
		entry.state = sd.NewOfferState(d.timing, d.logger, func(ttl uint32) {
			d.sendOffer(key, entry, ttl)
		})
		d.offers[key] = entry
	} else {
		entry.reliableAddr, entry.unreliableAddr = reliableAddr, unreliableAddr
	}
	state := entry.state
	d.mu.Unlock()
	state.Offer()
}

// SetEventgroupMulticast configures the multicast address notifications for
// key's eventgroups are published to. When set, SubscribeEventgroupAck
// replies carry an IP4_MULTICAST option naming it, and eventgroup fan-out
// sends one datagram to the group instead of unicasting per subscriber.
func (d *Discovery) SetEventgroupMulticast(key ServiceKey, addr *net.UDPAddr) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.offers[key]
	if !ok {
		entry = &offerEntry{}
		entry.state = sd.NewOfferState(d.timing, d.logger, func(ttl uint32) {
			d.sendOffer(key, entry, ttl)
		})
		d.offers[key] = entry
	}
	entry.multicastAddr = addr
}

// EventgroupMulticast returns the multicast address configured for key's
// eventgroups, if any.
func (d *Discovery) EventgroupMulticast(key ServiceKey) (*net.UDPAddr, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.offers[key]
	if !ok || entry.multicastAddr == nil {
		return nil, false
	}
	return entry.multicastAddr, true
}

// StopOfferLocalService withdraws key's SD advertisement with a
// StopOffer (TTL=0).
func (d *Discovery) StopOfferLocalService(key ServiceKey) {
	d.mu.Lock()
	entry, ok := d.offers[key]
	d.mu.Unlock()
	if !ok {
		return
	}
	entry.state.StopOffer()
}

// RequestRemoteService starts FindService for key, terminating automatically
// once a matching OfferService is observed.
func (d *Discovery) RequestRemoteService(key ServiceKey, major someip.MajorVersion, minor someip.MinorVersion) {
	d.mu.Lock()
	find, ok := d.finds[key]
	if !ok {
		find = sd.NewFindState(d.timing, d.logger, func() {
			d.sendFind(key, major, minor)
		})
		d.finds[key] = find
	}
	d.mu.Unlock()
	find.Request()
}

// ReleaseRemoteService stops FindService for key.
func (d *Discovery) ReleaseRemoteService(key ServiceKey) {
	d.mu.Lock()
	find, ok := d.finds[key]
	d.mu.Unlock()
	if !ok {
		return
	}
	find.Release()
}

func (d *Discovery) nextSession() someip.SessionID {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.session++
	if d.session == 0 {
		d.session = 1
	}
	return d.session
}

func (d *Discovery) sendOffer(key ServiceKey, entry *offerEntry, ttl uint32) {
	msg := sd.NewMessage()
	sdEntry := sd.NewOfferServiceEntry(key.Service, key.Instance, entry.major, entry.minor, ttl)
	var options []sd.Option
	if entry.reliableAddr != nil {
		options = append(options, sd.NewIP4EndpointOption(entry.reliableAddr.IP, sd.L4ProtoTCP, uint16(entry.reliableAddr.Port)))
	}
	if entry.unreliableAddr != nil {
		options = append(options, sd.NewIP4EndpointOption(entry.unreliableAddr.IP, sd.L4ProtoUDP, uint16(entry.unreliableAddr.Port)))
	}
	msg.AddEntry(sdEntry, options, nil)
	d.transmit(msg)
}

func (d *Discovery) sendFind(key ServiceKey, major someip.MajorVersion, minor someip.MinorVersion) {
	msg := sd.NewMessage()
	msg.AddEntry(sd.NewFindServiceEntry(key.Service, key.Instance, major, minor, uint32(d.timing.TTL.Seconds())), nil, nil)
	d.transmit(msg)
}

func (d *Discovery) transmit(msg *sd.Message) {
	envelope := someip.NewNotification(someip.SDServiceID, 0, 1, msg.Serialize())
	envelope.MethodID = someip.SDMethodID
	envelope.ClientID = d.clientID
	envelope.SessionID = d.nextSession()
	if err := d.endpoint.SendMulticast(envelope.Serialize()); err != nil {
		d.logger.Warn("failed to send SD message", "err", err)
	}
}

// handleDatagram is the MulticastEndpoint receive callback. A datagram may
// carry several concatenated SOME/IP frames; each is unwrapped and, if it
// is an SD envelope, its entries applied against the routing manager /
// local state machines. A partial tail is dropped with a log.
func (d *Discovery) handleDatagram(data []byte, from net.Addr) {
	frames, err := transport.SplitDatagram(data)
	if err != nil {
		d.logger.Warn("dropping malformed datagram tail", "from", from, "err", err)
	}
	for _, frame := range frames {
		d.handleFrame(frame, from)
	}
}

func (d *Discovery) handleFrame(data []byte, from net.Addr) {
	envelope, err := someip.DeserializeMessage(data)
	if err != nil {
		d.logger.Warn("malformed SD envelope", "err", err)
		return
	}
	if envelope.ServiceID != someip.SDServiceID || envelope.MethodID != someip.SDMethodID {
		return
	}
	msg, err := sd.Deserialize(envelope.Payload)
	if err != nil {
		d.logger.Warn("malformed SD payload", "err", err)
		return
	}
	for _, entry := range msg.Entries {
		switch entry.Type {
		case sd.EntryTypeOfferService:
			d.handleOfferEntry(entry, msg, from)
		case sd.EntryTypeFindService:
			d.handleFindEntry(entry)
		case sd.EntryTypeSubscribeEventgroup:
			d.handleSubscribeEntry(entry, from)
		case sd.EntryTypeSubscribeAck:
			// Client-side subscription confirmation: no action needed beyond
			// what pkg/application already assumes (a successful Call implies
			// availability); kept distinct from the default case
			// so a future renewal-tracking client can hook in here.
		default:
			d.logger.Debug("skipping unrecognized SD entry", "type", entry.Type)
		}
	}
}

func (d *Discovery) handleOfferEntry(entry sd.Entry, msg *sd.Message, from net.Addr) {
	key := ServiceKey{Service: entry.ServiceID, Instance: entry.InstanceID}
	if entry.IsStop() {
		d.manager.RecordRemoteStopOffer(key)
		return
	}
	var reliable, unreliable transport.Endpoint
	for _, opt := range msg.RunOptions1(entry) {
		if opt.Type != sd.OptionTypeIP4Endpoint {
			continue
		}
		addr := &net.UDPAddr{IP: opt.IP4, Port: int(opt.Port)}
		switch opt.L4Proto {
		case sd.L4ProtoTCP:
			reliable = transport.NewTCPClient(addr.String())
		case sd.L4ProtoUDP:
			unreliable = transport.NewUDPClient(addr.String())
		}
	}
	d.manager.RecordRemoteOffer(key, entry.Major, entry.Minor, entry.TTL, reliable, unreliable, from.String())

	d.mu.Lock()
	find, ok := d.finds[key]
	d.mu.Unlock()
	if ok {
		find.ServiceFound()
	}
}

func (d *Discovery) handleFindEntry(entry sd.Entry) {
	key := ServiceKey{Service: entry.ServiceID, Instance: entry.InstanceID}
	d.mu.Lock()
	offer, ok := d.offers[key]
	d.mu.Unlock()
	if !ok || !offer.state.IsAdvertised() {
		return
	}
	d.sendOffer(key, offer, uint32(d.timing.TTL.Seconds()))
}

func (d *Discovery) handleSubscribeEntry(entry sd.Entry, from net.Addr) {
	key := EventgroupKey{ServiceKey: ServiceKey{Service: entry.ServiceID, Instance: entry.InstanceID}, Eventgroup: entry.EventgroupID}
	if !d.manager.IsOffered(key.ServiceKey) {
		return
	}
	subscriberKey := from.String()
	eg := d.manager.Eventgroup(key, nil)
	if entry.IsStop() {
		eg.Unsubscribe(subscriberKey)
		return
	}
	eg.Subscribe(subscriberKey, ttlDuration(entry.TTL))

	ack := sd.NewMessage()
	ackEntry := sd.NewSubscribeAckEntry(entry.ServiceID, entry.InstanceID, entry.Major, entry.EventgroupID, entry.TTL, entry.Counter)
	var run1 []sd.Option
	if mcast, ok := d.EventgroupMulticast(key.ServiceKey); ok {
		run1 = append(run1, sd.NewIP4MulticastOption(mcast.IP, uint16(mcast.Port)))
	}
	ack.AddEntry(ackEntry, run1, nil)
	d.transmit(ack)
}

// DeliverToEventgroup sends msg once to the eventgroup's configured
// multicast address, reaching every subscriber with one datagram. Returns
// false when no multicast address is configured for the service, in which
// case the caller falls back to per-subscriber unicast.
func (d *Discovery) DeliverToEventgroup(key ServiceKey, msg someip.Message) bool {
	mcast, ok := d.EventgroupMulticast(key)
	if !ok {
		return false
	}
	if err := d.endpoint.SendTo(mcast, msg.Serialize(), true); err != nil {
		d.logger.Warn("failed to multicast notification", "group", mcast, "err", err)
	}
	return true
}

// DeliverToSubscriber sends msg directly to a subscriber whose key was
// minted by handleSubscribeEntry (a UDP address string), used for
// subscribers that joined over SD/UDP rather than the local IPC rendezvous
// socket: the SUBSCRIBE_EVENTGROUP source address becomes exactly the peer
// every subsequent NOTIFICATION is unicast to.
func (d *Discovery) DeliverToSubscriber(subscriberKey string, msg someip.Message) bool {
	addr, err := net.ResolveUDPAddr("udp", subscriberKey)
	if err != nil {
		return false
	}
	if err := d.endpoint.SendTo(addr, msg.Serialize(), true); err != nil {
		d.logger.Warn("failed to deliver notification to remote subscriber", "peer", subscriberKey, "err", err)
	}
	return true
}
