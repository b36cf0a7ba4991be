package transport

import (
	"context"
	"net"
	"time"

	"github.com/pion/dtls/v3"
)

const handshakeTimeout = 10 * time.Second

// dtlsAddrs are placeholder addresses for the path adapter; the real
// addressing lives below the plug-in.
var (
	dtlsLocalAddr  = &net.UDPAddr{IP: net.IPv4zero, Port: 1}
	dtlsRemoteAddr = &net.UDPAddr{IP: net.IPv4zero, Port: 2}
)

// DTLS encrypts the data plane with PSK DTLS. The handshake runs on a
// background goroutine over the path adapter; Tick collects the result.
type DTLS struct {
	psk    []byte
	client bool

	pc   *pathConn
	conn *dtls.Conn

	hsResult chan hsResult
	recvQ    chan []byte
	ready    bool
	closed   bool
	failed   error
}

type hsResult struct {
	conn *dtls.Conn
	err  error
}

// NewDTLS builds the plug-in. client selects the handshake role: the side
// that initiated the connection acts as DTLS client.
func NewDTLS(psk []byte, client bool) *DTLS {
	return &DTLS{
		psk:      psk,
		client:   client,
		hsResult: make(chan hsResult, 1),
		recvQ:    make(chan []byte, 256),
	}
}

func (d *DTLS) Init(send func(payload []byte)) error {
	d.pc = newPathConn(dtlsLocalAddr, dtlsRemoteAddr, send)
	cfg := &dtls.Config{
		PSK:             func(hint []byte) ([]byte, error) { return d.psk, nil },
		PSKIdentityHint: []byte("wirehole"),
		CipherSuites:    []dtls.CipherSuiteID{dtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
	}
	go func() {
		conn, err := handshakeDTLS(d.pc, cfg, d.client)
		d.hsResult <- hsResult{conn: conn, err: err}
	}()
	return nil
}

// handshakeDTLS runs the role-appropriate handshake bounded by
// handshakeTimeout and returns an established connection.
func handshakeDTLS(pc *pathConn, cfg *dtls.Config, client bool) (*dtls.Conn, error) {
	var conn *dtls.Conn
	var err error
	if client {
		conn, err = dtls.Client(pc, dtlsRemoteAddr, cfg)
	} else {
		conn, err = dtls.Server(pc, dtlsRemoteAddr, cfg)
	}
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Tick collects the handshake result and starts the read pump.
func (d *DTLS) Tick(now time.Time) {
	if d.ready || d.closed || d.failed != nil {
		return
	}
	select {
	case res := <-d.hsResult:
		if res.err != nil {
			d.failed = res.err
			return
		}
		d.conn = res.conn
		d.ready = true
		go d.readLoop()
	default:
	}
}

func (d *DTLS) readLoop() {
	buf := make([]byte, 8192)
	for {
		n, err := d.conn.Read(buf)
		if err != nil {
			return
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case d.recvQ <- data:
		default:
		}
	}
}

func (d *DTLS) IsReady() bool { return d.ready && !d.closed }

// Err returns the terminal failure, if any.
func (d *DTLS) Err() error { return d.failed }

func (d *DTLS) SendData(b []byte) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	if !d.ready {
		return 0, ErrNotReady
	}
	return d.conn.Write(b)
}

func (d *DTLS) Recv(b []byte) (int, error) {
	if d.closed {
		return 0, ErrClosed
	}
	select {
	case data := <-d.recvQ:
		return copy(b, data), nil
	default:
		return 0, nil
	}
}

func (d *DTLS) OnPacket(b []byte) {
	if d.pc != nil {
		d.pc.deliver(b)
	}
}

func (d *DTLS) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.conn != nil {
		d.conn.Close()
	}
	if d.pc != nil {
		d.pc.Close()
	}
	return nil
}
