package transport

import (
	"log/slog"
	"net"
	"sync"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/internal/ring"
	"github.com/go-someip/someip/pkg/sd"
)

func init() {
	RegisterKind("udp-client", func(bindAddr string) (Endpoint, error) {
		return NewUDPClient(bindAddr), nil
	})
}

// UDPClient sends and receives datagrams to/from a single remote peer over
// a connected socket. Sends with flush=false coalesce into one datagram
// until it would exceed the maximum UDP message size, at which point the
// accumulated datagram goes out and a new one starts.
type UDPClient struct {
	remoteAddr string
	logger     *slog.Logger

	mu        sync.Mutex
	conn      *net.UDPConn
	buf       *ring.Buffer
	onConnect ConnectCallback
	onReceive ReceiveCallback
	stopCh    chan struct{}
}

// NewUDPClient creates a client that will send datagrams to remoteAddr
// ("host:port").
func NewUDPClient(remoteAddr string) *UDPClient {
	return &UDPClient{
		remoteAddr: remoteAddr,
		logger:     slog.Default().With("endpoint", "udp-client", "remote", remoteAddr),
		buf:        ring.New(sd.DefaultMaxUDPMessageSize),
	}
}

func (c *UDPClient) SetConnectCallback(cb ConnectCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = cb
}

func (c *UDPClient) SetReceiveCallback(cb ReceiveCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReceive = cb
}

func (c *UDPClient) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Start resolves and "connects" the UDP socket (fixes the default peer for
// Write/Read) and begins the receive loop.
func (c *UDPClient) Start() error {
	addr, err := net.ResolveUDPAddr("udp", c.remoteAddr)
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	cb := c.onConnect
	c.stopCh = make(chan struct{})
	stopCh := c.stopCh
	c.mu.Unlock()

	if cb != nil {
		cb(true, addr)
	}

	go c.readLoop(conn, stopCh)
	return nil
}

func (c *UDPClient) readLoop(conn *net.UDPConn, stopCh chan struct{}) {
	buf := make([]byte, sd.DefaultMaxUDPMessageSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-stopCh:
				return
			default:
				c.logger.Warn("udp read failed", "err", err)
				return
			}
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		c.mu.Lock()
		cb := c.onReceive
		c.mu.Unlock()
		if cb != nil {
			cb(data, from)
		}
	}
}

// Stop closes the socket and stops the receive loop.
func (c *UDPClient) Stop() error {
	c.mu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Send queues data for the remote peer. With flush=false, consecutive
// messages concatenate into one datagram; a message that would push the
// accumulation past the maximum UDP message size first flushes the current
// datagram and starts a new one. With flush=true the accumulated datagram
// goes out immediately.
func (c *UDPClient) Send(data []byte, flush bool) error {
	if len(data) > sd.DefaultMaxUDPMessageSize {
		return someip.ErrMalformedMessage
	}
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return someip.ErrNotReachable
	}
	var full []byte
	if c.buf.Len()+len(data) > sd.DefaultMaxUDPMessageSize {
		full = c.buf.Drain()
	}
	c.buf.Write(data)
	var pending []byte
	if flush {
		pending = c.buf.Drain()
	}
	c.mu.Unlock()

	if full != nil {
		if _, err := conn.Write(full); err != nil {
			return err
		}
	}
	if pending != nil {
		_, err := conn.Write(pending)
		return err
	}
	return nil
}

// Flush sends the accumulated datagram, if any.
func (c *UDPClient) Flush() error {
	c.mu.Lock()
	conn := c.conn
	pending := c.buf.Drain()
	c.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	if conn == nil {
		return someip.ErrNotReachable
	}
	_, err := conn.Write(pending)
	return err
}
