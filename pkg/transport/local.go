package transport

import (
	"context"
	"encoding/binary"
	"log/slog"
	"net"
	"sync"

	someip "github.com/go-someip/someip"
)

// Local IPC envelope framing: every payload crossing the
// rendezvous socket between an application and the routing host is wrapped
// as start-tag | command | client_id | size | payload | end-tag.
const (
	localStartTag    uint32 = 0x67376D07
	localEndTag      uint32 = 0x076D3767
	envelopeFixedLen        = 4 + 1 + 2 + 4 + 4 // start + command + client_id + size + end, payload excluded
)

// Command identifies the kind of local IPC envelope.
type Command uint8

const (
	CommandRegisterApplication   Command = 0x10
	CommandDeregisterApplication Command = 0x11
	CommandOfferService          Command = 0x12
	CommandStopOfferService      Command = 0x13
	CommandRequestService        Command = 0x14
	CommandReleaseService        Command = 0x15
	CommandSubscribe             Command = 0x16
	CommandUnsubscribe           Command = 0x17
	CommandSubscribeAck          Command = 0x18
	CommandRegisterEvent         Command = 0x22
	CommandSend                  Command = 0x40
	CommandPing                  Command = 0xE0
	CommandPong                  Command = 0xE1
)

// Envelope is one decoded local IPC message.
type Envelope struct {
	Command  Command
	ClientID someip.ClientID
	Payload  []byte
}

// EncodeEnvelope serializes e using the start-tag | command | client_id |
// size | payload | end-tag layout.
func EncodeEnvelope(e Envelope) []byte {
	out := make([]byte, 0, envelopeFixedLen+len(e.Payload))
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], localStartTag)
	out = append(out, tmp[:]...)
	out = append(out, byte(e.Command))
	var cid [2]byte
	binary.BigEndian.PutUint16(cid[:], e.ClientID)
	out = append(out, cid[:]...)
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(e.Payload)))
	out = append(out, size[:]...)
	out = append(out, e.Payload...)
	binary.BigEndian.PutUint32(tmp[:], localEndTag)
	out = append(out, tmp[:]...)
	return out
}

// EnvelopeParser reassembles a local IPC byte stream into envelopes,
// discarding unknown command ids with a log rather than failing the
// connection.
type EnvelopeParser struct {
	buf    []byte
	logger *slog.Logger
}

// NewEnvelopeParser returns an empty parser.
func NewEnvelopeParser(logger *slog.Logger) *EnvelopeParser {
	if logger == nil {
		logger = slog.Default()
	}
	return &EnvelopeParser{logger: logger}
}

// Feed appends newly read bytes and returns every complete, known-command
// envelope extracted so far.
func (p *EnvelopeParser) Feed(data []byte) []Envelope {
	p.buf = append(p.buf, data...)
	var out []Envelope
	for {
		env, consumed, ok := p.tryExtract()
		if !ok {
			break
		}
		p.buf = p.buf[consumed:]
		if env != nil {
			out = append(out, *env)
		}
	}
	return out
}

func (p *EnvelopeParser) tryExtract() (env *Envelope, consumed int, ok bool) {
	if len(p.buf) < 4 {
		return nil, 0, false
	}
	if binary.BigEndian.Uint32(p.buf[0:4]) != localStartTag {
		return nil, 1, true
	}
	const headerLen = 4 + 1 + 2 + 4
	if len(p.buf) < headerLen {
		return nil, 0, false
	}
	cmd := Command(p.buf[4])
	clientID := binary.BigEndian.Uint16(p.buf[5:7])
	size := binary.BigEndian.Uint32(p.buf[7:11])
	total := headerLen + int(size) + 4
	if len(p.buf) < total {
		return nil, 0, false
	}
	if binary.BigEndian.Uint32(p.buf[total-4:total]) != localEndTag {
		// Desynced: drop the start tag and resync from the next byte.
		return nil, 1, true
	}
	payload := make([]byte, size)
	copy(payload, p.buf[headerLen:headerLen+int(size)])

	if !isKnownCommand(cmd) {
		p.logger.Warn("discarding unknown local IPC command", "command", cmd)
		return nil, total, true
	}
	return &Envelope{Command: cmd, ClientID: clientID, Payload: payload}, total, true
}

func isKnownCommand(c Command) bool {
	switch c {
	case CommandRegisterApplication, CommandDeregisterApplication,
		CommandOfferService, CommandStopOfferService,
		CommandRequestService, CommandReleaseService,
		CommandSubscribe, CommandUnsubscribe, CommandSubscribeAck,
		CommandRegisterEvent, CommandSend, CommandPing, CommandPong:
		return true
	default:
		return false
	}
}

// LocalClient is one application's attachment to the routing host's
// rendezvous socket. It reconnects with the same backoff TCPClient uses;
// the owner replays REGISTER_APPLICATION from its state callback once
// reconnected.
type LocalClient struct {
	socketPath string
	logger     *slog.Logger

	mu      sync.Mutex
	conn    net.Conn
	parser  *EnvelopeParser
	onEnv   func(Envelope)
	onState func(connected bool)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalClient creates a client that will dial the UNIX domain socket (or
// named pipe path, on platforms that support it) at socketPath.
func NewLocalClient(socketPath string) *LocalClient {
	logger := slog.Default().With("endpoint", "local-client", "path", socketPath)
	return &LocalClient{
		socketPath: socketPath,
		logger:     logger,
		parser:     NewEnvelopeParser(logger),
	}
}

// SetEnvelopeCallback registers the callback invoked for each decoded
// envelope received from the host.
func (c *LocalClient) SetEnvelopeCallback(cb func(Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnv = cb
}

// SetStateCallback registers the callback invoked when the connection to
// the host is established or lost.
func (c *LocalClient) SetStateCallback(cb func(connected bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = cb
}

// Start dials the host and begins the reconnect/read loop in the
// background.
func (c *LocalClient) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return nil
}

// Stop disconnects and stops the reconnect loop.
func (c *LocalClient) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *LocalClient) run(ctx context.Context) {
	backoff := reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		conn, err := net.Dial("unix", c.socketPath)
		if err != nil {
			c.logger.Warn("local dial failed, retrying", "err", err, "backoff", backoff)
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectMin

		c.mu.Lock()
		c.conn = conn
		cb := c.onState
		c.mu.Unlock()
		if cb != nil {
			cb(true)
		}

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		cb = c.onState
		c.mu.Unlock()
		if cb != nil {
			cb(false)
		}
	}
}

func (c *LocalClient) readLoop(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	readErr := make(chan error, 1)
	chunk := make([]byte, 4096)
	go func() {
		for {
			n, err := conn.Read(chunk)
			if n > 0 {
				data := make([]byte, n)
				copy(data, chunk[:n])
				for _, env := range c.parser.Feed(data) {
					c.mu.Lock()
					cb := c.onEnv
					c.mu.Unlock()
					if cb != nil {
						cb(env)
					}
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()
	select {
	case <-ctx.Done():
	case <-readErr:
	}
}

// SendCommand writes one envelope to the host, returning
// someip.ErrNotReachable if not currently connected.
func (c *LocalClient) SendCommand(cmd Command, clientID someip.ClientID, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return someip.ErrNotReachable
	}
	_, err := conn.Write(EncodeEnvelope(Envelope{Command: cmd, ClientID: clientID, Payload: payload}))
	return err
}

// LocalServer is the routing host's rendezvous listener, accepting one
// connection per attached application.
type LocalServer struct {
	socketPath string
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]*EnvelopeParser
	onAccept func(conn net.Conn)
	onEnv    func(conn net.Conn, env Envelope)
	onClosed func(conn net.Conn)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLocalServer creates a server that will listen on the UNIX domain
// socket path socketPath once Start is called.
func NewLocalServer(socketPath string) *LocalServer {
	return &LocalServer{
		socketPath: socketPath,
		logger:     slog.Default().With("endpoint", "local-server", "path", socketPath),
		conns:      make(map[net.Conn]*EnvelopeParser),
	}
}

// SetAcceptCallback registers a callback invoked with each newly accepted
// connection, before any envelopes are read from it.
func (s *LocalServer) SetAcceptCallback(cb func(conn net.Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAccept = cb
}

// SetEnvelopeCallback registers the callback invoked for each decoded
// envelope, tagged with the connection it arrived on so the routing host
// can look up which application sent it.
func (s *LocalServer) SetEnvelopeCallback(cb func(conn net.Conn, env Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEnv = cb
}

// SetClosedCallback registers the callback invoked when a connection is
// torn down, so the routing host can deregister the application.
func (s *LocalServer) SetClosedCallback(cb func(conn net.Conn)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = cb
}

// Start begins listening and accepting connections in the background.
func (s *LocalServer) Start() error {
	ln, err := net.Listen("unix", s.socketPath)
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

// Stop closes the listener and every accepted connection.
func (s *LocalServer) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]*EnvelopeParser)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}

func (s *LocalServer) acceptLoop(ctx context.Context, ln net.Listener) {
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
		logger := s.logger
		s.mu.Lock()
		s.conns[conn] = NewEnvelopeParser(logger)
		cb := s.onAccept
		s.mu.Unlock()
		if cb != nil {
			cb(conn)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

func (s *LocalServer) serveConn(conn net.Conn) {
	defer conn.Close()
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			data := make([]byte, n)
			copy(data, chunk[:n])
			s.mu.Lock()
			parser := s.conns[conn]
			cb := s.onEnv
			s.mu.Unlock()
			if parser != nil {
				for _, env := range parser.Feed(data) {
					if cb != nil {
						cb(conn, env)
					}
				}
			}
		}
		if err != nil {
			break
		}
	}
	s.mu.Lock()
	delete(s.conns, conn)
	cb := s.onClosed
	s.mu.Unlock()
	if cb != nil {
		cb(conn)
	}
}

// SendTo writes one envelope to the application attached over conn.
func (s *LocalServer) SendTo(conn net.Conn, env Envelope) error {
	_, err := conn.Write(EncodeEnvelope(env))
	return err
}
