// Package transport holds the optional data-plane plug-ins layered over the
// established peer path: PseudoTCP (AIMD congestion control), DTLS (PSK
// encryption), and SCTP. The session owns exactly one plug-in when
// configured; without one, DATA rides the built-in reliable window alone.
package transport

import (
	"errors"
	"net"
	"sync"
	"time"
)

// Transport is the plug-in capability set. The session calls Init once the
// peer path is up, feeds inbound payloads through OnPacket, and drives
// Tick from its update loop. No method may block on the network.
type Transport interface {
	// Init starts the plug-in over the active path. send transmits one
	// raw payload toward the peer.
	Init(send func(payload []byte)) error
	// Tick advances timers and drains background results.
	Tick(now time.Time)
	// SendData submits application bytes. Returns bytes accepted.
	SendData(b []byte) (int, error)
	// Recv drains received application bytes. Returns 0 when empty.
	Recv(b []byte) (int, error)
	// OnPacket feeds one inbound payload from the active path.
	OnPacket(b []byte)
	// IsReady reports whether the plug-in finished its handshake.
	IsReady() bool
	Close() error
}

// ErrNotReady is returned by SendData before the handshake completes.
var ErrNotReady = errors.New("transport: not ready")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: closed")

// pathConn adapts the session's polled path to the net.Conn/net.PacketConn
// surface the pion stacks expect. Inbound payloads arrive via deliver;
// outbound ones leave through the send callback. Reads happen on the
// plug-in's background goroutines, never on the session tick.
type pathConn struct {
	local  net.Addr
	remote net.Addr
	send   func([]byte)

	inbound chan []byte

	mu       sync.Mutex
	deadline *time.Timer
	expired  chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func newPathConn(local, remote net.Addr, send func([]byte)) *pathConn {
	return &pathConn{
		local:   local,
		remote:  remote,
		send:    send,
		inbound: make(chan []byte, 256),
		expired: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// deliver hands one inbound payload to a pending read. Drops when the
// buffer is full; the protocols above retransmit.
func (c *pathConn) deliver(b []byte) {
	data := append([]byte(nil), b...)
	select {
	case c.inbound <- data:
	default:
	}
}

func (c *pathConn) Read(b []byte) (int, error) {
	n, _, err := c.ReadFrom(b)
	return n, err
}

func (c *pathConn) ReadFrom(b []byte) (int, net.Addr, error) {
	select {
	case data := <-c.inbound:
		return copy(b, data), c.remote, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-c.currentExpired():
		return 0, nil, errDeadline{}
	}
}

func (c *pathConn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.send(b)
	return len(b), nil
}

func (c *pathConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	return c.Write(b)
}

func (c *pathConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *pathConn) LocalAddr() net.Addr  { return c.local }
func (c *pathConn) RemoteAddr() net.Addr { return c.remote }

func (c *pathConn) SetDeadline(t time.Time) error      { return c.SetReadDeadline(t) }
func (c *pathConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *pathConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadline != nil {
		c.deadline.Stop()
	}
	c.expired = make(chan struct{})
	if t.IsZero() {
		c.deadline = nil
		return nil
	}
	expired := c.expired
	d := time.Until(t)
	if d <= 0 {
		close(expired)
		return nil
	}
	c.deadline = time.AfterFunc(d, func() { close(expired) })
	return nil
}

func (c *pathConn) currentExpired() chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

type errDeadline struct{}

func (errDeadline) Error() string   { return "transport: i/o timeout" }
func (errDeadline) Timeout() bool   { return true }
func (errDeadline) Temporary() bool { return true }
