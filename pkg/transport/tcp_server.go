package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/internal/ring"
)

func init() {
	RegisterKind("tcp-server", func(bindAddr string) (Endpoint, error) {
		return NewTCPServer(bindAddr), nil
	})
}

type tcpConn struct {
	conn   net.Conn
	buf    *ring.Buffer
	parser *StreamParser
	mu     sync.Mutex
}

// TCPServer listens for and serves multiple inbound TCP connections, one
// per remote client, each with its own stream parser and send buffer. A
// single ReceiveCallback fans in from the per-connection readers.
type TCPServer struct {
	bindAddr string
	logger   *slog.Logger

	mu        sync.Mutex
	listener  net.Listener
	conns     map[string]*tcpConn
	onConnect ConnectCallback
	onReceive ReceiveCallback

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTCPServer creates a server bound to bindAddr ("host:port").
func NewTCPServer(bindAddr string) *TCPServer {
	return &TCPServer{
		bindAddr: bindAddr,
		logger:   slog.Default().With("endpoint", "tcp-server", "bind", bindAddr),
		conns:    make(map[string]*tcpConn),
	}
}

func (s *TCPServer) SetConnectCallback(cb ConnectCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = cb
}

func (s *TCPServer) SetReceiveCallback(cb ReceiveCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReceive = cb
}

func (s *TCPServer) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start opens the listener and begins accepting connections in the
// background.
func (s *TCPServer) Start() error {
	ln, err := net.Listen("tcp", s.bindAddr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()
	return nil
}

// Stop closes the listener, every accepted connection, and waits for the
// accept loop to exit.
func (s *TCPServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.conns = make(map[string]*tcpConn)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *TCPServer) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.logger.Warn("accept failed", "err", err)
				return
			}
		}
		key := conn.RemoteAddr().String()
		tc := &tcpConn{conn: conn, buf: ring.New(someip.HeaderLength), parser: NewStreamParser()}

		s.mu.Lock()
		s.conns[key] = tc
		cb := s.onConnect
		s.mu.Unlock()
		if cb != nil {
			cb(true, conn.RemoteAddr())
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(key, tc)
		}()
	}
}

func (s *TCPServer) serveConn(key string, tc *tcpConn) {
	defer tc.conn.Close()
	chunk := make([]byte, 4096)
	for {
		n, err := tc.conn.Read(chunk)
		if n > 0 {
			data := make([]byte, n)
			copy(data, chunk[:n])
			for _, frame := range tc.parser.Feed(data) {
				s.mu.Lock()
				cb := s.onReceive
				s.mu.Unlock()
				if cb != nil {
					cb(frame, tc.conn.RemoteAddr())
				}
			}
			if tc.parser.Overflowed() {
				s.logger.Warn("stream unrecoverable, no magic cookie within resync limit, dropping client", "peer", tc.conn.RemoteAddr())
				break
			}
		}
		if err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.conns, key)
	cb := s.onConnect
	s.mu.Unlock()
	if cb != nil {
		cb(false, tc.conn.RemoteAddr())
	}
}

// Send implements Endpoint by requiring an explicit peer: a server has no
// single default destination.
func (s *TCPServer) Send(data []byte, flush bool) error {
	return ErrNoPeer
}

// Flush flushes every connection's pending buffer.
func (s *TCPServer) Flush() error {
	s.mu.Lock()
	conns := make([]*tcpConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		pending := c.buf.Drain()
		c.mu.Unlock()
		if len(pending) > 0 {
			c.conn.Write(pending)
		}
	}
	return nil
}

// SendTo writes data to the connection identified by peer, buffering it if
// flush is false. Returns someip.ErrNotReachable if peer is not currently
// connected.
func (s *TCPServer) SendTo(peer net.Addr, data []byte, flush bool) error {
	s.mu.Lock()
	c, ok := s.conns[peer.String()]
	s.mu.Unlock()
	if !ok {
		return someip.ErrNotReachable
	}
	c.mu.Lock()
	c.buf.Write(data)
	var pending []byte
	if flush {
		pending = c.buf.Drain()
	}
	c.mu.Unlock()
	if flush && len(pending) > 0 {
		_, err := c.conn.Write(pending)
		return err
	}
	return nil
}

// Peers returns the addresses of every currently connected client.
func (s *TCPServer) Peers() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := make([]net.Addr, 0, len(s.conns))
	for _, c := range s.conns {
		peers = append(peers, c.conn.RemoteAddr())
	}
	return peers
}
