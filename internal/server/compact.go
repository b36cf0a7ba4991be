// Package server hosts the two rendezvous servers: the COMPACT UDP server
// with its slot-arena pair table, and the RELAY TCP server with its offline
// offer cache. Both run in-process for tests and behind the cmd daemons in
// production.
package server

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wirehole/wirehole/internal/protocol"
	"github.com/wirehole/wirehole/metrics"
)

// Slot arena sentinels. Slots reference their pair partner by index; a
// tombstone marks a partner that existed and left, which is distinct from
// never having had one.
type slotID int32

const (
	noSlot    slotID = -1
	tombstone slotID = -2
)

const (
	slotExpiry       = 2 * time.Minute
	infoSeedInterval = 500 * time.Millisecond
	infoRetryMax     = 8
)

type peerSlot struct {
	used     bool
	localID  string
	remoteID string
	addr     protocol.Endpoint
	cands    []protocol.Candidate
	peer     slotID
	session  uint64
	lastSeen time.Time

	// PEER_INFO(seq=0) delivery toward this slot.
	infoAcked    bool
	infoAttempts int
	infoLast     time.Time
	infoInterval time.Duration
}

// CompactConfig configures the UDP rendezvous server.
type CompactConfig struct {
	// Addr is the main socket bind address, e.g. ":7300".
	Addr string
	// ProbeAddr optionally binds the NAT-probe socket. Empty disables
	// NAT-type probing.
	ProbeAddr string
	// MaxPeers caps the slot arena. 0 selects a default.
	MaxPeers int
	Logger   *zap.Logger
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector
}

// Compact is the COMPACT-mode rendezvous server.
type Compact struct {
	conn  *net.UDPConn
	probe *net.UDPConn
	log   *zap.Logger
	met   *metrics.Collector

	mu        sync.Mutex
	slots     []peerSlot
	free      []slotID
	byKey     map[string]slotID // localID + "\x00" + remoteID
	bySession map[uint64]slotID // session -> one slot (partner via peer field)
	nextSess  uint64

	closed  chan struct{}
	closeMu sync.Once
}

// NewCompact binds the server sockets and starts serving.
func NewCompact(cfg CompactConfig) (*Compact, error) {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	addr, err := net.ResolveUDPAddr("udp4", cfg.Addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, err
	}
	s := &Compact{
		conn:      conn,
		log:       cfg.Logger,
		met:       cfg.Metrics,
		slots:     make([]peerSlot, cfg.MaxPeers),
		byKey:     make(map[string]slotID),
		bySession: make(map[uint64]slotID),
		nextSess:  uint64(time.Now().UnixNano()),
		closed:    make(chan struct{}),
	}
	for i := cfg.MaxPeers - 1; i >= 0; i-- {
		s.free = append(s.free, slotID(i))
	}
	if cfg.ProbeAddr != "" {
		paddr, err := net.ResolveUDPAddr("udp4", cfg.ProbeAddr)
		if err != nil {
			conn.Close()
			return nil, err
		}
		s.probe, err = net.ListenUDP("udp4", paddr)
		if err != nil {
			conn.Close()
			return nil, err
		}
		go s.probeLoop()
	}
	go s.readLoop()
	go s.tickLoop()
	return s, nil
}

// Addr returns the main socket's bound address.
func (s *Compact) Addr() *net.UDPAddr { return s.conn.LocalAddr().(*net.UDPAddr) }

// ProbeAddr returns the probe socket's bound address, or nil.
func (s *Compact) ProbeAddr() *net.UDPAddr {
	if s.probe == nil {
		return nil
	}
	return s.probe.LocalAddr().(*net.UDPAddr)
}

// Close stops the server.
func (s *Compact) Close() {
	s.closeMu.Do(func() {
		close(s.closed)
		s.conn.Close()
		if s.probe != nil {
			s.probe.Close()
		}
	})
}

func (s *Compact) readLoop() {
	buf := make([]byte, protocol.MTU)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.log.Warn("rendezvous read", zap.Error(err))
			return
		}
		s.handle(buf[:n], protocol.EndpointFromUDPAddr(from))
	}
}

// probeLoop answers NAT probes on the secondary socket so clients can
// compare the mapping each socket observed.
func (s *Compact) probeLoop() {
	buf := make([]byte, protocol.MTU)
	for {
		n, from, err := s.probe.ReadFromUDP(buf)
		if err != nil {
			return
		}
		hdr, body, err := protocol.DecodeHeader(buf[:n])
		if err != nil || hdr.Type != protocol.TypeNatProbe {
			continue
		}
		probe, err := protocol.DecodeNatProbe(body)
		if err != nil {
			continue
		}
		ack := protocol.NatProbeAck{RequestID: probe.RequestID, Mapped: protocol.EndpointFromUDPAddr(from)}
		out := protocol.Encode(protocol.Header{Type: protocol.TypeNatProbeAck}, protocol.EncodeNatProbeAck(&ack))
		s.probe.WriteToUDP(out, from)
	}
}

func (s *Compact) tickLoop() {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.closed:
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Compact) handle(data []byte, from protocol.Endpoint) {
	hdr, body, err := protocol.DecodeHeader(data)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch hdr.Type {
	case protocol.TypeRegister:
		s.onRegister(body, from)
	case protocol.TypeUnregister:
		s.onUnregister(body, from)
	case protocol.TypeAlive:
		s.onAlive(body, from)
	case protocol.TypePeerInfo:
		s.forwardPeerInfo(hdr, body, from)
	case protocol.TypePeerInfoAck:
		s.onPeerInfoAck(hdr, body, from)
	case protocol.TypeNatProbe:
		s.onNatProbe(body, from)
	case protocol.TypeRelayData, protocol.TypeRelayAck:
		s.forwardRelay(hdr, body, from)
	}
}

func (s *Compact) onRegister(body []byte, from protocol.Endpoint) {
	reg, err := protocol.DecodeRegister(body)
	if err != nil || reg.LocalID == "" {
		return
	}
	id, ok := s.byKey[reg.LocalID+"\x00"+reg.RemoteID]
	if !ok {
		if len(s.free) == 0 {
			s.sendRegisterAck(from, protocol.RegisterStatusReject, false)
			return
		}
		id = s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		s.slots[id] = peerSlot{used: true, localID: reg.LocalID, remoteID: reg.RemoteID, peer: noSlot}
		s.byKey[reg.LocalID+"\x00"+reg.RemoteID] = id
		if s.met != nil {
			s.met.PeerRegistered()
		}
	}
	slot := &s.slots[id]
	slot.addr = from
	slot.cands = reg.Candidates
	slot.lastSeen = time.Now()

	other, paired := s.byKey[reg.RemoteID+"\x00"+reg.LocalID]
	peerOnline := paired && s.slots[other].used
	s.sendRegisterAck(from, protocol.RegisterStatusOK, peerOnline)

	if peerOnline && slot.peer != other {
		// Re-registering an already paired slot is idempotent; only a
		// fresh pairing allocates a session.
		s.pair(id, other)
	}
}

func (s *Compact) sendRegisterAck(to protocol.Endpoint, status uint8, peerOnline bool) {
	ack := protocol.RegisterAck{
		Status:         status,
		MaxCandidates:  protocol.MaxCandidateCount,
		Flags:          protocol.RegisterAckFlagRelay,
		PublicEndpoint: to,
	}
	if peerOnline {
		ack.PeerOnline = 1
	}
	if s.probe != nil {
		ack.ProbePort = uint16(s.ProbeAddr().Port)
	}
	s.send(to, protocol.Header{Type: protocol.TypeRegisterAck}, protocol.EncodeRegisterAck(&ack))
}

// pair links two slots under a fresh session id and arms the bilateral
// PEER_INFO(seq=0) delivery toward both.
func (s *Compact) pair(a, b slotID) {
	s.nextSess++
	sess := s.nextSess
	for _, id := range [2]slotID{a, b} {
		slot := &s.slots[id]
		delete(s.bySession, slot.session)
		slot.session = sess
		slot.infoAcked = false
		slot.infoAttempts = 0
		slot.infoLast = time.Time{}
		slot.infoInterval = infoSeedInterval
	}
	s.slots[a].peer = b
	s.slots[b].peer = a
	s.bySession[sess] = a
	if s.met != nil {
		s.met.SessionPaired()
	}
	s.log.Info("paired peers",
		zap.String("a", s.slots[a].localID),
		zap.String("b", s.slots[b].localID),
		zap.Uint64("session", sess))
}

func (s *Compact) onUnregister(body []byte, from protocol.Endpoint) {
	reg, err := protocol.DecodeRegister(body)
	if err != nil {
		return
	}
	id, ok := s.byKey[reg.LocalID+"\x00"+reg.RemoteID]
	if !ok || s.slots[id].addr != from {
		return
	}
	s.dropSlot(id)
}

// onAlive refreshes the sender's slot so a registered client waiting out a
// long peer absence is not expired at the 2 minute mark.
func (s *Compact) onAlive(body []byte, from protocol.Endpoint) {
	reg, err := protocol.DecodeRegister(body)
	if err != nil {
		return
	}
	id, ok := s.byKey[reg.LocalID+"\x00"+reg.RemoteID]
	if !ok || s.slots[id].addr != from {
		return
	}
	s.slots[id].lastSeen = time.Now()
	s.send(from, protocol.Header{Type: protocol.TypeAliveAck}, nil)
}

// dropSlot tombstones the partner reference, notifies the partner, and
// recycles the slot.
func (s *Compact) dropSlot(id slotID) {
	slot := &s.slots[id]
	if !slot.used {
		return
	}
	if slot.peer >= 0 {
		partner := &s.slots[slot.peer]
		if partner.used {
			off := protocol.PeerOff{SessionID: partner.session}
			s.send(partner.addr, protocol.Header{Type: protocol.TypePeerOff}, protocol.EncodePeerOff(&off))
			partner.peer = tombstone
			partner.infoAcked = true
		}
	}
	delete(s.byKey, slot.localID+"\x00"+slot.remoteID)
	delete(s.bySession, slot.session)
	*slot = peerSlot{peer: noSlot}
	s.free = append(s.free, id)
	if s.met != nil {
		s.met.PeerUnregistered()
	}
}

// forwardPeerInfo relays a trickle batch (seq >= 1) to the session partner.
func (s *Compact) forwardPeerInfo(hdr protocol.Header, body []byte, from protocol.Endpoint) {
	info, err := protocol.DecodePeerInfo(body)
	if err != nil || hdr.Seq == 0 {
		return
	}
	if to, ok := s.partnerAddr(info.SessionID, from); ok {
		s.send(to, hdr, body)
	}
}

func (s *Compact) onPeerInfoAck(hdr protocol.Header, body []byte, from protocol.Endpoint) {
	ack, err := protocol.DecodePeerInfoAck(body)
	if err != nil {
		return
	}
	if hdr.Seq == 0 {
		// Acknowledges our bilateral exchange toward this sender.
		id, ok := s.slotByAddr(ack.SessionID, from)
		if ok {
			s.slots[id].infoAcked = true
		}
		return
	}
	if to, ok := s.partnerAddr(ack.SessionID, from); ok {
		s.send(to, hdr, body)
	}
}

func (s *Compact) onNatProbe(body []byte, from protocol.Endpoint) {
	probe, err := protocol.DecodeNatProbe(body)
	if err != nil {
		return
	}
	ack := protocol.NatProbeAck{RequestID: probe.RequestID, Mapped: from}
	s.send(from, protocol.Header{Type: protocol.TypeNatProbeAck}, protocol.EncodeNatProbeAck(&ack))
}

// forwardRelay demultiplexes RELAY_DATA / RELAY_ACK by session id and
// forwards verbatim to the partner.
func (s *Compact) forwardRelay(hdr protocol.Header, body []byte, from protocol.Endpoint) {
	sess, _, err := protocol.DecodeRelay(body)
	if err != nil {
		return
	}
	if to, ok := s.partnerAddr(sess, from); ok {
		if id, idOK := s.slotByAddr(sess, from); idOK {
			s.slots[id].lastSeen = time.Now()
		}
		s.send(to, hdr, body)
		if s.met != nil {
			s.met.RelayForwarded(protocol.HeaderSize + len(body))
		}
	}
}

// slotByAddr finds the session slot whose observed address matches from.
func (s *Compact) slotByAddr(sess uint64, from protocol.Endpoint) (slotID, bool) {
	id, ok := s.bySession[sess]
	if !ok || !s.slots[id].used {
		return noSlot, false
	}
	if s.slots[id].addr == from {
		return id, true
	}
	peer := s.slots[id].peer
	if peer >= 0 && s.slots[peer].used && s.slots[peer].addr == from {
		return peer, true
	}
	return noSlot, false
}

// partnerAddr resolves the session partner of the sender at from.
func (s *Compact) partnerAddr(sess uint64, from protocol.Endpoint) (protocol.Endpoint, bool) {
	id, ok := s.slotByAddr(sess, from)
	if !ok {
		return protocol.Endpoint{}, false
	}
	peer := s.slots[id].peer
	if peer < 0 || !s.slots[peer].used {
		return protocol.Endpoint{}, false
	}
	return s.slots[peer].addr, true
}

// tick drives PEER_INFO(seq=0) retransmits and slot expiry.
func (s *Compact) tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.slots {
		slot := &s.slots[i]
		if !slot.used {
			continue
		}
		if now.Sub(slot.lastSeen) > slotExpiry {
			s.dropSlot(slotID(i))
			continue
		}
		if slot.peer < 0 || slot.infoAcked {
			continue
		}
		if !slot.infoLast.IsZero() && now.Sub(slot.infoLast) < slot.infoInterval {
			continue
		}
		if slot.infoAttempts >= infoRetryMax {
			// Give up on this pairing; both sides fall back to
			// REGISTERED via PEER_OFF.
			s.log.Warn("peer info delivery abandoned", zap.String("peer", slot.localID))
			s.dropSlot(slotID(i))
			continue
		}
		partner := &s.slots[slot.peer]
		info := protocol.PeerInfo{SessionID: slot.session, Candidates: partner.cands}
		s.send(slot.addr, protocol.Header{Type: protocol.TypePeerInfo, Seq: 0}, protocol.EncodePeerInfo(&info))
		slot.infoAttempts++
		slot.infoLast = now
		slot.infoInterval *= 2
	}
}

func (s *Compact) send(to protocol.Endpoint, hdr protocol.Header, body []byte) {
	s.conn.WriteToUDP(protocol.Encode(hdr, body), to.UDPAddr())
}
