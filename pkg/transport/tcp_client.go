package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	someip "github.com/go-someip/someip"
	"github.com/go-someip/someip/internal/ring"
	"github.com/go-someip/someip/pkg/sd"
)

func init() {
	RegisterKind("tcp-client", func(bindAddr string) (Endpoint, error) {
		return NewTCPClient(bindAddr), nil
	})
}

const (
	reconnectMin = 200 * time.Millisecond
	reconnectMax = 10 * time.Second
)

// TCPClient is a single outbound TCP connection to one remote service
// endpoint, with reconnect-with-backoff and a ping/pong watchdog: every
// watchdog cycle it writes a magic-cookie probe frame and counts missing
// pongs, but any complete frame actually received (a real reply, ordinary
// traffic) resets the count to zero, so an actively communicating
// connection is never force-closed. Magic cookies from the peer are
// consumed by the stream parser and do not reset the count. A connection
// that delivers no frame for max_missing_pongs cycles gets reconnected.
//
// Bytes sent while disconnected accumulate in the send buffer and go out
// as soon as the next connect succeeds.
type TCPClient struct {
	remoteAddr string
	logger     *slog.Logger

	mu          sync.Mutex
	conn        net.Conn
	buf         *ring.Buffer
	parser      *StreamParser
	sendMagic   bool
	onConnect   ConnectCallback
	onReceive   ReceiveCallback
	missingPong int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTCPClient creates a client dialing remoteAddr ("host:port") once
// Start is called.
func NewTCPClient(remoteAddr string) *TCPClient {
	return &TCPClient{
		remoteAddr: remoteAddr,
		logger:     slog.Default().With("endpoint", "tcp-client", "remote", remoteAddr),
		buf:        ring.New(someip.HeaderLength),
		parser:     NewStreamParser(),
	}
}

// SendMagicCookieOnConnect arranges for the client magic cookie message to
// be sent immediately after every successful connect, marking the stream
// for peers that use magic-cookie framing detection.
func (c *TCPClient) SendMagicCookieOnConnect(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendMagic = enabled
}

func (c *TCPClient) SetConnectCallback(cb ConnectCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = cb
}

func (c *TCPClient) SetReceiveCallback(cb ReceiveCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReceive = cb
}

func (c *TCPClient) LocalAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.LocalAddr()
}

// Start launches the reconnect-and-read loop in the background.
func (c *TCPClient) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	return nil
}

// Stop cancels the reconnect loop and waits for it to exit.
func (c *TCPClient) Stop() error {
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

func (c *TCPClient) run(ctx context.Context) {
	backoff := reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		conn, err := net.Dial("tcp", c.remoteAddr)
		if err != nil {
			c.logger.Warn("dial failed, retrying", "err", err, "backoff", backoff)
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
		c.missingPong = 0
		wantMagic := c.sendMagic
		cb := c.onConnect
		c.mu.Unlock()

		if wantMagic {
			conn.Write(someip.ClientMagicCookie().Serialize())
		}
		if cb != nil {
			cb(true, conn.RemoteAddr())
		}
		// Anything queued while disconnected goes out now.
		if err := c.Flush(); err != nil {
			c.logger.Warn("flush of queued bytes after reconnect failed", "err", err)
		}

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		cb = c.onConnect
		c.mu.Unlock()
		if cb != nil {
			cb(false, nil)
		}
	}
}

func (c *TCPClient) readLoop(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	readErr := make(chan error, 1)
	chunk := make([]byte, 4096)

	go func() {
		for {
			n, err := conn.Read(chunk)
			if n > 0 {
				data := make([]byte, n)
				copy(data, chunk[:n])
				frames := c.parser.Feed(data)
				if len(frames) > 0 {
					c.mu.Lock()
					c.missingPong = 0
					c.mu.Unlock()
				}
				for _, frame := range frames {
					c.mu.Lock()
					cb := c.onReceive
					c.mu.Unlock()
					if cb != nil {
						cb(frame, conn.RemoteAddr())
					}
				}
				if c.parser.Overflowed() {
					c.logger.Warn("stream unrecoverable, no magic cookie within resync limit, reconnecting")
					readErr <- someip.ErrMalformedMessage
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	watchdog := time.NewTicker(sd.DefaultWatchdogCycle)
	defer watchdog.Stop()
	flushTick := time.NewTicker(sd.DefaultFlushTimeout)
	defer flushTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readErr:
			c.parser.Reset()
			return
		case <-flushTick.C:
			if err := c.Flush(); err != nil {
				c.logger.Warn("timed flush failed", "err", err)
			}
		case <-watchdog.C:
			c.mu.Lock()
			c.missingPong++
			tooManyMissing := c.missingPong >= sd.DefaultMaxMissingPongs
			c.mu.Unlock()
			if tooManyMissing {
				c.logger.Warn("watchdog exceeded max missing pongs, reconnecting")
				return
			}
			if _, err := conn.Write(someip.ClientMagicCookie().Serialize()); err != nil {
				c.logger.Warn("watchdog ping failed, reconnecting", "err", err)
				return
			}
		}
	}
}

// Send writes data to the single remote peer, buffering it if flush is
// false until the next flush. While disconnected, data stays queued and
// Send reports success; the reconnect loop drains the queue once the
// connection is back.
func (c *TCPClient) Send(data []byte, flush bool) error {
	c.mu.Lock()
	c.buf.Write(data)
	if !flush || c.conn == nil {
		c.mu.Unlock()
		return nil
	}
	conn := c.conn
	pending := c.buf.Drain()
	c.mu.Unlock()

	_, err := conn.Write(pending)
	return err
}

// Flush writes any buffered bytes to the wire immediately. While
// disconnected the bytes stay queued for the next reconnect.
func (c *TCPClient) Flush() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil || c.buf.Len() == 0 {
		c.mu.Unlock()
		return nil
	}
	pending := c.buf.Drain()
	c.mu.Unlock()

	_, err := conn.Write(pending)
	return err
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
