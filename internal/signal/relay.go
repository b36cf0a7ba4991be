package signal

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/wirehole/wirehole/internal/protocol"
)

// RelayState tracks the TCP rendezvous lifecycle.
type RelayState int

const (
	RelayDisconnected RelayState = iota
	RelayConnecting
	RelayLoggedIn
	RelayActive
	RelayWaiting
)

func (s RelayState) String() string {
	switch s {
	case RelayDisconnected:
		return "disconnected"
	case RelayConnecting:
		return "connecting"
	case RelayLoggedIn:
		return "logged_in"
	case RelayActive:
		return "active"
	case RelayWaiting:
		return "waiting"
	}
	return "unknown"
}

const (
	HeartbeatInterval = 20 * time.Second
	dialTimeout       = 5 * time.Second
	writeTimeout      = 5 * time.Second
)

// RelayHooks receive rendezvous events. Nil hooks are skipped.
type RelayHooks struct {
	LoggedIn   func()
	Offer      func(sender string, flags uint8, payload []byte)
	Forward    func(sender string, payload []byte)
	ConnectAck func(status uint8, acked uint8)
	List       func(names []string)
	Failed     func(err error)
}

type relayFrame struct {
	typ  uint8
	body []byte
}

// Relay is the TCP-mode rendezvous client. Dialing and reading happen on
// background goroutines; Tick drains their results so the session's update
// loop never blocks on the network.
type Relay struct {
	addr    string
	localID string
	hooks   RelayHooks

	mu      sync.Mutex
	conn    net.Conn
	state   RelayState
	outQ    chan relayFrame
	outDone chan struct{}

	dialed chan net.Conn
	frames chan relayFrame
	errs   chan error

	lastHeartbeat time.Time
}

// NewRelay prepares a client for the signaling server at addr (host:port).
func NewRelay(addr, localID string, hooks RelayHooks) *Relay {
	return &Relay{
		addr:    addr,
		localID: localID,
		hooks:   hooks,
		dialed:  make(chan net.Conn, 1),
		frames:  make(chan relayFrame, 64),
		errs:    make(chan error, 4),
	}
}

// State returns the rendezvous state.
func (r *Relay) State() RelayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start begins dialing. Safe to call once.
func (r *Relay) Start() {
	r.mu.Lock()
	if r.state != RelayDisconnected {
		r.mu.Unlock()
		return
	}
	r.state = RelayConnecting
	r.mu.Unlock()
	go func() {
		conn, err := net.DialTimeout("tcp", r.addr, dialTimeout)
		if err != nil {
			r.errs <- fmt.Errorf("dial signaling server: %w", err)
			return
		}
		r.dialed <- conn
	}()
}

// Tick drains dial results and inbound frames and keeps the heartbeat going.
func (r *Relay) Tick(now time.Time) {
	for {
		select {
		case conn := <-r.dialed:
			r.onDialed(conn, now)
		case f := <-r.frames:
			r.onFrame(f)
		case err := <-r.errs:
			r.fail(err)
		default:
			r.heartbeat(now)
			return
		}
	}
}

func (r *Relay) onDialed(conn net.Conn, now time.Time) {
	outQ := make(chan relayFrame, 64)
	done := make(chan struct{})
	r.mu.Lock()
	r.conn = conn
	r.outQ = outQ
	r.outDone = done
	r.mu.Unlock()
	r.lastHeartbeat = now
	go r.readLoop(conn)
	go r.writeLoop(conn, outQ, done)
	r.write(protocol.RelayLogin, protocol.EncodeLogin(r.localID))
}

// writeLoop owns the socket's write side so Tick and the session update
// never block on a slow or stalled server. Exits on the first write error
// or on teardown.
func (r *Relay) writeLoop(conn net.Conn, outQ chan relayFrame, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case f := <-outQ:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := protocol.WriteFrame(conn, f.typ, f.body); err != nil {
				r.errs <- fmt.Errorf("signaling write: %w", err)
				return
			}
		}
	}
}

func (r *Relay) readLoop(conn net.Conn) {
	for {
		typ, body, err := protocol.ReadFrame(conn)
		if err != nil {
			r.errs <- fmt.Errorf("signaling read: %w", err)
			return
		}
		r.frames <- relayFrame{typ: typ, body: body}
	}
}

func (r *Relay) onFrame(f relayFrame) {
	switch f.typ {
	case protocol.RelayLoginAck:
		r.mu.Lock()
		r.state = RelayLoggedIn
		r.mu.Unlock()
		if r.hooks.LoggedIn != nil {
			r.hooks.LoggedIn()
		}
	case protocol.RelayOffer:
		sender, flags, payload, err := protocol.DecodeOffer(f.body)
		if err != nil {
			r.fail(err)
			return
		}
		if r.hooks.Offer != nil {
			r.hooks.Offer(sender, flags, payload)
		}
	case protocol.RelayForward:
		sender, payload, err := protocol.DecodeForward(f.body)
		if err != nil {
			r.fail(err)
			return
		}
		if r.hooks.Forward != nil {
			r.hooks.Forward(sender, payload)
		}
	case protocol.RelayConnectAck:
		ack, err := protocol.DecodeConnectAck(f.body)
		if err != nil {
			r.fail(err)
			return
		}
		if r.hooks.ConnectAck != nil {
			r.hooks.ConnectAck(ack.Status, ack.CandidatesAcked)
		}
	case protocol.RelayListRes:
		names, err := protocol.DecodeListRes(f.body)
		if err != nil {
			r.fail(err)
			return
		}
		if r.hooks.List != nil {
			r.hooks.List(names)
		}
	case protocol.RelayHeartbeat:
		// Server echo; nothing to do.
	default:
		r.fail(fmt.Errorf("%w: unexpected frame type 0x%02x", protocol.ErrMalformed, f.typ))
	}
}

func (r *Relay) heartbeat(now time.Time) {
	r.mu.Lock()
	connected := r.conn != nil && r.state >= RelayLoggedIn
	r.mu.Unlock()
	if !connected || now.Sub(r.lastHeartbeat) < HeartbeatInterval {
		return
	}
	r.lastHeartbeat = now
	r.write(protocol.RelayHeartbeat, nil)
}

// Connect sends CONNECT{target, payload} and marks the client active.
func (r *Relay) Connect(target string, payload []byte) {
	r.mu.Lock()
	r.state = RelayActive
	r.mu.Unlock()
	r.write(protocol.RelayConnect, protocol.EncodeConnect(target, payload))
}

// Wait marks the client as a passive answerer.
func (r *Relay) Wait() {
	r.mu.Lock()
	if r.state == RelayLoggedIn {
		r.state = RelayWaiting
	}
	r.mu.Unlock()
}

// Answer sends ANSWER{target, payload} back toward an offering peer.
func (r *Relay) Answer(target string, payload []byte) {
	r.write(protocol.RelayAnswer, protocol.EncodeConnect(target, payload))
}

// ListPeers asks the server for the logged-in peer names.
func (r *Relay) ListPeers() {
	r.write(protocol.RelayList, nil)
}

// write enqueues one frame for the writer goroutine. A full queue means the
// server stopped draining; treat it as a dead channel.
func (r *Relay) write(typ uint8, body []byte) {
	r.mu.Lock()
	outQ := r.outQ
	r.mu.Unlock()
	if outQ == nil {
		return
	}
	select {
	case outQ <- relayFrame{typ: typ, body: body}:
	default:
		r.fail(fmt.Errorf("signaling write queue full"))
	}
}

func (r *Relay) fail(err error) {
	r.mu.Lock()
	closing := r.state == RelayDisconnected
	r.state = RelayDisconnected
	conn := r.conn
	r.conn = nil
	r.outQ = nil
	if r.outDone != nil {
		close(r.outDone)
		r.outDone = nil
	}
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if !closing && r.hooks.Failed != nil {
		r.hooks.Failed(err)
	}
}

// Close tears the TCP channel down. Graceful once the UDP path is up.
func (r *Relay) Close() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.state = RelayDisconnected
	r.outQ = nil
	if r.outDone != nil {
		close(r.outDone)
		r.outDone = nil
	}
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
