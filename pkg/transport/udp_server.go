package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/pkg/sd"
)

func init() {
	RegisterKind("udp-server", func(bindAddr string) (Endpoint, error) {
		return NewUDPServer(bindAddr), nil
	})
}

// UDPServer receives datagrams from any peer on bindAddr, optionally also
// joining a multicast group: Service Discovery rides on a single UDP
// socket that both unicasts and multicasts on the SD port.
type UDPServer struct {
	bindAddr string
	logger   *slog.Logger

	mu         sync.Mutex
	conn       *net.UDPConn
	packetConn *ipv4.PacketConn
	multicast  *net.UDPAddr
	onConnect  ConnectCallback
	onReceive  ReceiveCallback
	knownPeers map[string]net.Addr
	stopCh     chan struct{}
}

// NewUDPServer creates a server bound to bindAddr ("host:port" or ":port"
// to bind all interfaces).
func NewUDPServer(bindAddr string) *UDPServer {
	return &UDPServer{
		bindAddr:   bindAddr,
		logger:     slog.Default().With("endpoint", "udp-server", "bind", bindAddr),
		knownPeers: make(map[string]net.Addr),
	}
}

// JoinMulticast arranges for Start to also join groupAddr ("224.x.x.x:port"),
// used for the SD multicast rendezvous group.
func (s *UDPServer) JoinMulticast(groupAddr string) error {
	addr, err := net.ResolveUDPAddr("udp", groupAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.multicast = addr
	s.mu.Unlock()
	return nil
}

func (s *UDPServer) SetConnectCallback(cb ConnectCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = cb
}

func (s *UDPServer) SetReceiveCallback(cb ReceiveCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceive = cb
}

func (s *UDPServer) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// reuseAddrListenConfig sets SO_REUSEADDR before bind. The SD multicast
// group is typically joined by more than one process on the same host (the
// routing host and any directly-attached application that also listens for
// SD traffic), so the listening socket must tolerate a shared port rather
// than fail bind with "address already in use".
var reuseAddrListenConfig = net.ListenConfig{
	Control: func(_, _ string, c syscall.RawConn) error {
		var ctrlErr error
		err := c.Control(func(fd uintptr) {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		})
		if err != nil {
			return err
		}
		return ctrlErr
	},
}

// Start binds the socket, joins the multicast group if one was configured,
// and begins the receive loop in the background.
func (s *UDPServer) Start() error {
	s.mu.Lock()
	multicast := s.multicast
	s.mu.Unlock()

	var conn *net.UDPConn
	var err error
	if multicast != nil {
		conn, err = s.listenMulticast(multicast)
	} else {
		var addr *net.UDPAddr
		addr, err = net.ResolveUDPAddr("udp", s.bindAddr)
		if err == nil {
			conn, err = s.listenUnicast(addr)
		}
	}
	if err != nil {
		return err
	}
	conn.SetReadBuffer(sd.DefaultMaxUDPMessageSize * 8)

	s.mu.Lock()
	s.conn = conn
	s.packetConn = ipv4.NewPacketConn(conn)
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	go s.readLoop(conn, stopCh)
	return nil
}

// listenUnicast binds addr with SO_REUSEADDR set.
func (s *UDPServer) listenUnicast(addr *net.UDPAddr) (*net.UDPConn, error) {
	pc, err := reuseAddrListenConfig.ListenPacket(context.Background(), "udp", addr.String())
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

// listenMulticast binds the multicast group's port with SO_REUSEADDR set
// (so multiple SD listeners on the same host can share it), then joins
// group on the system-assigned multicast interface via
// ipv4.PacketConn.JoinGroup with a nil interface.
func (s *UDPServer) listenMulticast(group *net.UDPAddr) (*net.UDPConn, error) {
	bindAddr := &net.UDPAddr{Port: group.Port}
	pc, err := reuseAddrListenConfig.ListenPacket(context.Background(), "udp4", bindAddr.String())
	if err != nil {
		return nil, err
	}
	conn := pc.(*net.UDPConn)

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(nil, &net.UDPAddr{IP: group.IP}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *UDPServer) readLoop(conn *net.UDPConn, stopCh chan struct{}) {
	buf := make([]byte, sd.DefaultMaxUDPMessageSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
				s.logger.Warn("udp read failed", "err", err)
				return
			}
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		s.mu.Lock()
		key := from.String()
		_, known := s.knownPeers[key]
		s.knownPeers[key] = from
		cb := s.onReceive
		connectCb := s.onConnect
		s.mu.Unlock()

		if !known && connectCb != nil {
			connectCb(true, from)
		}
		if cb != nil {
			cb(data, from)
		}
	}
}

// Stop closes the socket and stops the receive loop.
func (s *UDPServer) Stop() error {
	s.mu.Lock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send implements Endpoint by requiring an explicit peer.
func (s *UDPServer) Send(data []byte, flush bool) error {
	return ErrNoPeer
}

// Flush is a no-op: UDP has no coalescing buffer.
func (s *UDPServer) Flush() error { return nil }

// SendTo writes data as a single datagram to peer.
func (s *UDPServer) SendTo(peer net.Addr, data []byte, flush bool) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return someip.ErrNotReachable
	}
	udpAddr, ok := peer.(*net.UDPAddr)
	if !ok {
		resolved, err := net.ResolveUDPAddr("udp", peer.String())
		if err != nil {
			return err
		}
		udpAddr = resolved
	}
	_, err := conn.WriteToUDP(data, udpAddr)
	return err
}

// SendMulticast writes data to the joined multicast group, used to emit SD
// OfferService/FindService.
func (s *UDPServer) SendMulticast(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	group := s.multicast
	s.mu.Unlock()
	if conn == nil || group == nil {
		return someip.ErrNotReachable
	}
	_, err := conn.WriteToUDP(data, group)
	return err
}

// Peers returns every peer this server has received a datagram from.
func (s *UDPServer) Peers() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]net.Addr, 0, len(s.knownPeers))
	for _, p := range s.knownPeers {
		peers = append(peers, p)
	}
	return peers
}
