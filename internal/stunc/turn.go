package stunc

import (
	"errors"
	"net"
	"time"

	"github.com/pion/logging"
	"github.com/pion/turn/v4"

	"github.com/wirehole/wirehole/internal/protocol"
)

// TurnConfig describes the TURN server to allocate a relay candidate from.
type TurnConfig struct {
	Server   protocol.Endpoint
	Username string
	Password string
	Realm    string
}

// TurnClient wraps a pion TURN client multiplexed onto the session socket.
// The session feeds inbound server traffic via HandleInbound; the client
// never spawns its own read loop. Only Allocate and permission creation are
// exercised; relayed I/O is out of scope, so the relay candidate serves as
// an advertised receive location.
type TurnClient struct {
	cfg    TurnConfig
	client *turn.Client

	relayConn net.PacketConn
	relayAddr protocol.Endpoint
	allocated bool
}

// sendConn adapts the session's send callback to the net.PacketConn the
// pion client wants. Reads are never issued because Listen is not called.
type sendConn struct {
	local net.Addr
	send  func(ep protocol.Endpoint, data []byte)
}

func (c *sendConn) ReadFrom(p []byte) (int, net.Addr, error) {
	return 0, nil, errors.New("stunc: sendConn is write-only")
}

func (c *sendConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, errors.New("stunc: non-UDP address")
	}
	c.send(protocol.EndpointFromUDPAddr(udp), p)
	return len(p), nil
}

func (c *sendConn) Close() error                       { return nil }
func (c *sendConn) LocalAddr() net.Addr                { return c.local }
func (c *sendConn) SetDeadline(t time.Time) error      { return nil }
func (c *sendConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sendConn) SetWriteDeadline(t time.Time) error { return nil }

// NewTurnClient builds the client over the session socket. send transmits a
// raw datagram; local is the socket's bound address.
func NewTurnClient(cfg TurnConfig, local net.Addr, send func(ep protocol.Endpoint, data []byte)) (*TurnClient, error) {
	server := cfg.Server.UDPAddr().String()
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelError
	client, err := turn.NewClient(&turn.ClientConfig{
		STUNServerAddr: server,
		TURNServerAddr: server,
		Conn:           &sendConn{local: local, send: send},
		Username:       cfg.Username,
		Password:       cfg.Password,
		Realm:          cfg.Realm,
		LoggerFactory:  lf,
	})
	if err != nil {
		return nil, err
	}
	return &TurnClient{cfg: cfg, client: client}, nil
}

// Allocate requests a relayed transport address. Blocking; the session runs
// it on a short-lived goroutine and collects the result during update.
func (t *TurnClient) Allocate() (protocol.Endpoint, error) {
	conn, err := t.client.Allocate()
	if err != nil {
		return protocol.Endpoint{}, err
	}
	udp, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		conn.Close()
		return protocol.Endpoint{}, errors.New("stunc: relay address is not UDP")
	}
	t.relayConn = conn
	t.relayAddr = protocol.EndpointFromUDPAddr(udp)
	t.allocated = true
	return t.relayAddr, nil
}

// HandleInbound feeds one datagram from the TURN server into the client.
// Returns true when the client consumed it.
func (t *TurnClient) HandleInbound(data []byte, from protocol.Endpoint) bool {
	handled, err := t.client.HandleInbound(data, from.UDPAddr())
	return err == nil && handled
}

// PermitPeer installs a TURN permission for the peer by pushing a probe
// through the relayed connection (the pion client creates the permission on
// first WriteTo).
func (t *TurnClient) PermitPeer(ep protocol.Endpoint) {
	if !t.allocated {
		return
	}
	_, _ = t.relayConn.WriteTo([]byte{0}, ep.UDPAddr())
}

// Close releases the allocation.
func (t *TurnClient) Close() {
	if t.relayConn != nil {
		t.relayConn.Close()
	}
	t.client.Close()
}
