// Package signal implements the three rendezvous clients: COMPACT over the
// session's UDP socket, RELAY over a framed TCP connection, and PUBSUB over
// a polled key/value store. All three are polled state machines; none blocks
// inside a tick.
package signal

import (
	"errors"
	"time"

	"github.com/wirehole/wirehole/internal/protocol"
)

// CompactState tracks the UDP rendezvous lifecycle.
type CompactState int

const (
	CompactIdle CompactState = iota
	CompactRegistering
	CompactRegistered
	CompactReady
	CompactTeardown
)

func (s CompactState) String() string {
	switch s {
	case CompactIdle:
		return "idle"
	case CompactRegistering:
		return "registering"
	case CompactRegistered:
		return "registered"
	case CompactReady:
		return "ready"
	case CompactTeardown:
		return "teardown"
	}
	return "unknown"
}

// REGISTER retransmit schedule.
const (
	RegisterRetryInterval = time.Second
	RegisterRetryLimit    = 10
	infoRetryInterval     = time.Second
	infoRetryLimit        = 10
)

// AliveInterval paces the slot keepalive sent while registered or paired,
// well inside the server's slot expiry so a waiting client is never
// forgotten.
const AliveInterval = 20 * time.Second

// ErrRegisterTimeout is reported when the rendezvous server never answers.
var ErrRegisterTimeout = errors.New("signal: register retries exhausted")

// CompactHooks receive rendezvous events. Nil hooks are skipped.
type CompactHooks struct {
	// Registered fires on the first REGISTER_ACK.
	Registered func(ack protocol.RegisterAck)
	// PeerInfo delivers a candidate batch from the peer. seq 0 is the
	// initial bilateral exchange; seq >= 1 are incremental updates with
	// base telling how many candidates we already hold.
	PeerInfo func(seq uint16, flags uint8, base uint8, cands []protocol.Candidate)
	// PeerOff fires when the server reports the peer gone.
	PeerOff func()
	// Failed fires once when registration gives up.
	Failed func(err error)
}

// pendingInfo is one unacked incremental PEER_INFO.
type pendingInfo struct {
	seq      uint16
	base     uint8
	flags    uint8
	cand     protocol.Candidate
	attempts int
	lastSend time.Time
}

// Compact is the COMPACT-mode rendezvous client. It owns no socket; the
// session passes a send callback and feeds inbound signaling packets in.
type Compact struct {
	server  protocol.Endpoint
	localID string
	peerID  string
	hooks   CompactHooks

	state        CompactState
	regAttempts  int
	lastRegister time.Time

	sessionID  uint64
	haveSess   bool
	peerOnline bool
	ack        protocol.RegisterAck

	sentBase uint8 // candidates the peer is known to hold
	nextSeq  uint16
	queue    []protocol.Candidate
	inflight *pendingInfo

	lastAlive time.Time
}

// NewCompact prepares a rendezvous client toward server. remoteID is
// mandatory in this mode.
func NewCompact(server protocol.Endpoint, localID, remoteID string, hooks CompactHooks) *Compact {
	return &Compact{
		server:  server,
		localID: localID,
		peerID:  remoteID,
		hooks:   hooks,
		nextSeq: 1,
	}
}

// State returns the rendezvous state.
func (c *Compact) State() CompactState { return c.state }

// SessionID returns the server-allocated session id once assigned.
func (c *Compact) SessionID() (uint64, bool) { return c.sessionID, c.haveSess }

// PeerOnline reports whether the server has seen the peer register.
func (c *Compact) PeerOnline() bool { return c.peerOnline }

// RegisterAck returns the last REGISTER_ACK received.
func (c *Compact) RegisterAck() protocol.RegisterAck { return c.ack }

// Server returns the rendezvous server endpoint.
func (c *Compact) Server() protocol.Endpoint { return c.server }

// Start begins registering with the given initial local candidates.
func (c *Compact) Start() {
	if c.state != CompactIdle {
		return
	}
	c.state = CompactRegistering
}

// Trickle queues one newly gathered candidate for an incremental PEER_INFO.
func (c *Compact) Trickle(cand protocol.Candidate) {
	c.queue = append(c.queue, cand)
}

// Tick drives retransmits. localCands is the current full local candidate
// list (carried in REGISTER). send transmits one raw datagram.
func (c *Compact) Tick(now time.Time, localCands []protocol.Candidate, send func(ep protocol.Endpoint, data []byte)) {
	switch c.state {
	case CompactRegistering:
		c.tickRegister(now, localCands, send)
	case CompactRegistered, CompactReady:
		c.tickPeerInfo(now, send)
		c.tickAlive(now, send)
	}
}

// tickAlive keeps the server slot warm while the client sits registered
// (possibly for a long time, waiting for a vanished peer to return) or
// paired. Without it the server would expire the slot and tell the
// returning peer nobody is waiting.
func (c *Compact) tickAlive(now time.Time, send func(protocol.Endpoint, []byte)) {
	if now.Sub(c.lastAlive) < AliveInterval {
		return
	}
	reg := protocol.Register{LocalID: c.localID, RemoteID: c.peerID}
	send(c.server, protocol.Encode(protocol.Header{Type: protocol.TypeAlive}, protocol.EncodeRegister(&reg)))
	c.lastAlive = now
}

func (c *Compact) tickRegister(now time.Time, localCands []protocol.Candidate, send func(protocol.Endpoint, []byte)) {
	if c.regAttempts > 0 && now.Sub(c.lastRegister) < RegisterRetryInterval {
		return
	}
	if c.regAttempts >= RegisterRetryLimit {
		c.state = CompactTeardown
		if c.hooks.Failed != nil {
			c.hooks.Failed(ErrRegisterTimeout)
		}
		return
	}
	reg := protocol.Register{LocalID: c.localID, RemoteID: c.peerID, Candidates: localCands}
	send(c.server, protocol.Encode(protocol.Header{Type: protocol.TypeRegister}, protocol.EncodeRegister(&reg)))
	c.regAttempts++
	c.lastRegister = now
	c.sentBase = uint8(len(localCands))
}

func (c *Compact) tickPeerInfo(now time.Time, send func(protocol.Endpoint, []byte)) {
	if c.inflight == nil {
		if len(c.queue) == 0 || !c.haveSess {
			return
		}
		c.inflight = &pendingInfo{
			seq:  c.nextSeq,
			base: c.sentBase,
			cand: c.queue[0],
		}
		c.queue = c.queue[1:]
		c.nextSeq++
	}
	p := c.inflight
	if p.attempts > 0 && now.Sub(p.lastSend) < infoRetryInterval {
		return
	}
	if p.attempts >= infoRetryLimit {
		// Drop the update; the path may already work without it.
		c.inflight = nil
		return
	}
	info := protocol.PeerInfo{SessionID: c.sessionID, Base: p.base, Candidates: []protocol.Candidate{p.cand}}
	send(c.server, protocol.Encode(protocol.Header{Type: protocol.TypePeerInfo, Flags: p.flags, Seq: p.seq}, protocol.EncodePeerInfo(&info)))
	p.attempts++
	p.lastSend = now
}

// OnPacket handles one signaling packet from the server. Returns true when
// consumed.
func (c *Compact) OnPacket(hdr protocol.Header, body []byte, send func(ep protocol.Endpoint, data []byte)) bool {
	switch hdr.Type {
	case protocol.TypeRegisterAck:
		return c.onRegisterAck(body)
	case protocol.TypePeerInfo:
		return c.onPeerInfo(hdr, body, send)
	case protocol.TypePeerInfoAck:
		return c.onPeerInfoAck(hdr, body)
	case protocol.TypePeerOff:
		return c.onPeerOff(body)
	case protocol.TypeAliveAck:
		// Keepalive confirmation carries no state.
		return true
	}
	return false
}

func (c *Compact) onRegisterAck(body []byte) bool {
	ack, err := protocol.DecodeRegisterAck(body)
	if err != nil {
		return false
	}
	if c.state == CompactRegistering {
		c.state = CompactRegistered
		c.ack = *ack
		c.peerOnline = ack.PeerOnline != 0
		if c.hooks.Registered != nil {
			c.hooks.Registered(*ack)
		}
	} else {
		// Idempotent re-ack; refresh peer visibility only.
		c.peerOnline = ack.PeerOnline != 0
	}
	return true
}

func (c *Compact) onPeerInfo(hdr protocol.Header, body []byte, send func(protocol.Endpoint, []byte)) bool {
	info, err := protocol.DecodePeerInfo(body)
	if err != nil {
		return false
	}
	if hdr.Seq == 0 && !c.haveSess {
		// The initial exchange carries the server-allocated session id.
		c.sessionID = info.SessionID
		c.haveSess = true
		c.peerOnline = true
		c.state = CompactReady
	}
	if !c.haveSess || info.SessionID != c.sessionID {
		return true
	}
	ackBody := protocol.EncodePeerInfoAck(&protocol.PeerInfoAck{SessionID: c.sessionID, AckSeq: hdr.Seq})
	send(c.server, protocol.Encode(protocol.Header{Type: protocol.TypePeerInfoAck, Seq: hdr.Seq}, ackBody))
	if c.hooks.PeerInfo != nil {
		c.hooks.PeerInfo(hdr.Seq, hdr.Flags, info.Base, info.Candidates)
	}
	return true
}

func (c *Compact) onPeerInfoAck(hdr protocol.Header, body []byte) bool {
	ack, err := protocol.DecodePeerInfoAck(body)
	if err != nil {
		return false
	}
	if !c.haveSess || ack.SessionID != c.sessionID {
		return true
	}
	if c.inflight != nil && ack.AckSeq == c.inflight.seq {
		c.sentBase++
		c.inflight = nil
	}
	return true
}

func (c *Compact) onPeerOff(body []byte) bool {
	off, err := protocol.DecodePeerOff(body)
	if err != nil {
		return false
	}
	if c.haveSess && off.SessionID != c.sessionID {
		return true
	}
	// Peer vanished. Fall back to REGISTERED and wait for it to return
	// under a fresh session id.
	c.haveSess = false
	c.sessionID = 0
	c.peerOnline = false
	c.state = CompactRegistered
	c.inflight = nil
	c.nextSeq = 1
	if c.hooks.PeerOff != nil {
		c.hooks.PeerOff()
	}
	return true
}

// Unregister announces departure and enters teardown. Fire and forget.
func (c *Compact) Unregister(send func(ep protocol.Endpoint, data []byte)) {
	if c.state == CompactIdle || c.state == CompactTeardown {
		c.state = CompactTeardown
		return
	}
	reg := protocol.Register{LocalID: c.localID, RemoteID: c.peerID}
	send(c.server, protocol.Encode(protocol.Header{Type: protocol.TypeUnregister}, protocol.EncodeRegister(&reg)))
	c.state = CompactTeardown
}
