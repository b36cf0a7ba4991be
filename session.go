// Package wirehole establishes peer-to-peer UDP connectivity: candidate
// gathering, three signaling modes, NAT hole punching with relay fallback,
// and a reliable byte stream over the punched path.
package wirehole

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wirehole/wirehole/internal/ice"
	"github.com/wirehole/wirehole/internal/nat"
	"github.com/wirehole/wirehole/internal/protocol"
	"github.com/wirehole/wirehole/internal/reliable"
	"github.com/wirehole/wirehole/internal/route"
	"github.com/wirehole/wirehole/internal/signal"
	"github.com/wirehole/wirehole/internal/stream"
	"github.com/wirehole/wirehole/internal/stunc"
	"github.com/wirehole/wirehole/internal/transport"
	"github.com/wirehole/wirehole/metrics"
)

// State is the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateRegistering
	StatePunching
	StateConnected
	StateRelay
	StateClosing
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRegistering:
		return "registering"
	case StatePunching:
		return "punching"
	case StateConnected:
		return "connected"
	case StateRelay:
		return "relay"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Path is the packet path user data currently takes.
type Path int

const (
	PathNone Path = iota
	PathLan
	PathPunch
	PathRelay
)

func (p Path) String() string {
	switch p {
	case PathLan:
		return "lan"
	case PathPunch:
		return "punch"
	case PathRelay:
		return "relay"
	}
	return "none"
}

// Stats is a snapshot of session counters.
type Stats struct {
	RTT              time.Duration
	RTO              time.Duration
	Retransmits      uint64
	DupDatagrams     uint64
	OutOfWindow      uint64
	AcksProcessed    uint64
	MalformedDropped uint64
	PunchAttempts    int
	NatKind          string
	SessionID        uint64
}

type datagram struct {
	data []byte
	from protocol.Endpoint
}

// lanProbe tracks the same-subnet shortcut attempt.
type lanProbe struct {
	target   protocol.Endpoint
	active   bool
	done     bool
	attempts int
	lastSend time.Time
}

const (
	lanProbeInterval = 250 * time.Millisecond
	lanProbeAttempts = 4
	ackRefresh       = 200 * time.Millisecond
)

// Session is one end of a peer connection. All mutable state is guarded by
// mu; in cooperative mode the caller provides the single-threaded
// discipline and the mutex is uncontended.
type Session struct {
	cfg Config
	log *zap.Logger
	met *metrics.Collector

	mu sync.Mutex

	conn      *net.UDPConn
	localPort uint16
	inbound   chan datagram

	state State
	path  Path
	errv  *Error

	remoteID string
	serverEP protocol.Endpoint
	active   protocol.Endpoint

	rel  *reliable.Reliable
	str  *stream.Stream
	trav *nat.Traversal

	local     ice.Set
	remote    ice.Set
	checklist *ice.Checklist
	published int

	compact  *signal.Compact
	relaySig *signal.Relay
	pubsub   *signal.PubSub
	sealer   *signal.Sealer

	binding     *stunc.Binding
	stunEP      protocol.Endpoint
	stunDone    bool
	turn        *stunc.TurnClient
	turnEP      protocol.Endpoint
	turnStarted bool
	turnResult  chan turnOutcome

	natProbe *nat.Probe
	natKind  nat.Kind

	routes *route.Table
	lan    lanProbe

	plugin       transport.Transport
	pluginPseudo bool
	pluginUp     bool

	sessionID    uint64
	relayAvail   bool
	punchArmedAt time.Time
	punchStart   time.Time
	punchDelayed bool

	lastAckSent time.Time
	dropped     uint64

	stop     chan struct{}
	workerWG sync.WaitGroup

	// dropOutbound is a test hook: return true to discard the datagram.
	dropOutbound func(data []byte, to protocol.Endpoint) bool
}

type turnOutcome struct {
	relay protocol.Endpoint
	err   error
}

// New validates the configuration, binds the UDP socket, and prepares the
// sub-components. Signaling starts at Connect.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, newError(KindConfigInvalid, "create", err)
	}
	s := &Session{
		cfg:     cfg,
		log:     cfg.logger().With(zap.String("peer", cfg.LocalPeerID)),
		met:     cfg.Metrics,
		state:   StateIdle,
		rel:     reliable.New(),
		str:     stream.New(true),
		trav:    nat.New(),
		inbound: make(chan datagram, 1024),
		stop:    make(chan struct{}),
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cfg.BindPort})
	if err != nil {
		return nil, newError(KindSocketBind, "create", err)
	}
	s.conn = conn
	s.localPort = uint16(conn.LocalAddr().(*net.UDPAddr).Port)

	s.routes = route.Discover()
	if !cfg.SkipHostCandidates {
		for i, ep := range s.routes.HostEndpoints(s.localPort) {
			s.local.Add(protocol.Candidate{
				Kind:     protocol.CandidateHost,
				Endpoint: ep,
				Priority: ice.Priority(protocol.CandidateHost, uint16(65535-i), 1),
			})
		}
	}

	switch cfg.Mode {
	case ModeCompact, ModeRelay:
		ep, err := resolveEndpoint(cfg.ServerHost, cfg.ServerPort)
		if err != nil {
			conn.Close()
			return nil, newError(KindResolveFailed, "create", err)
		}
		s.serverEP = ep
	}

	if cfg.STUNServer != "" {
		ep, err := resolveHostPort(cfg.STUNServer)
		if err != nil {
			conn.Close()
			return nil, newError(KindResolveFailed, "create", err)
		}
		s.stunEP = ep
		s.binding = stunc.NewBinding(ep)
	}

	if cfg.TURNServer != "" {
		ep, err := resolveHostPort(cfg.TURNServer)
		if err != nil {
			conn.Close()
			return nil, newError(KindResolveFailed, "create", err)
		}
		s.turnEP = ep
		turn, err := stunc.NewTurnClient(stunc.TurnConfig{
			Server:   ep,
			Username: cfg.TURNUsername,
			Password: cfg.TURNPassword,
			Realm:    cfg.TURNRealm,
		}, conn.LocalAddr(), s.sendRaw)
		if err != nil {
			conn.Close()
			return nil, newError(KindNetworkInit, "create", err)
		}
		s.turn = turn
		s.turnResult = make(chan turnOutcome, 1)
	}

	if cfg.AuthKey != "" {
		s.sealer = signal.NewSealer(cfg.AuthKey)
	} else if cfg.Mode == ModePubsub {
		s.log.Warn("pubsub signaling without auth_key: payloads travel unauthenticated")
	}

	go s.readLoop()
	if cfg.Threaded {
		s.workerWG.Add(1)
		go s.worker()
	}
	s.log.Info("session created",
		zap.String("mode", cfg.Mode.String()),
		zap.Uint16("port", s.localPort))
	return s, nil
}

// makePlugin builds the configured transport plug-in once the peer path is
// up. client selects the handshake role for DTLS/SCTP.
func (s *Session) makePlugin(client bool) transport.Transport {
	switch {
	case s.cfg.UsePseudoTCP:
		s.pluginPseudo = true
		return transport.NewPseudoTCP(true)
	case s.cfg.UseSCTP:
		var psk []byte
		if s.cfg.UseDTLS && s.cfg.AuthKey != "" {
			psk = []byte(s.cfg.AuthKey)
		}
		return transport.NewSCTP(psk, client)
	case s.cfg.UseDTLS:
		return transport.NewDTLS([]byte(s.cfg.AuthKey), client)
	}
	return nil
}

// Connect starts signaling toward remoteID. An empty remoteID waits
// passively (Relay/Pubsub only).
func (s *Session) Connect(remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return newError(KindClosed, "connect", fmt.Errorf("state %s", s.state))
	}
	if remoteID == "" && s.cfg.Mode == ModeCompact {
		return newError(KindConfigInvalid, "connect", fmt.Errorf("compact mode needs a remote peer id"))
	}
	if remoteID == "" && s.cfg.Mode == ModePubsub && s.cfg.Channel == "" {
		return newError(KindConfigInvalid, "connect", fmt.Errorf("passive pubsub needs an explicit channel"))
	}
	s.remoteID = remoteID
	s.state = StateRegistering
	s.startSignaling()
	return nil
}

// Update runs one tick: drain the socket, dispatch, advance every
// sub-component, flush outbound data. Never blocks on the network.
func (s *Session) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.update(time.Now())
}

func (s *Session) update(now time.Time) {
	for {
		select {
		case d := <-s.inbound:
			if s.state != StateClosed && s.state != StateError {
				s.dispatch(d.data, d.from, now)
			}
		default:
			goto drained
		}
	}
drained:
	if s.state == StateClosed || s.state == StateError || s.state == StateIdle {
		return
	}
	s.tickGather(now)
	s.tickSignaling(now)
	s.tickLan(now)
	s.tickNat(now)
	s.tickData(now)
}

// Send submits application bytes. Returns the count accepted, 0 on a full
// buffer, -1 when the session cannot carry data.
func (s *Session) Send(b []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected && s.state != StateRelay {
		return -1
	}
	if s.pluginUp {
		n, err := s.plugin.SendData(b)
		if err != nil {
			return 0
		}
		return n
	}
	return s.str.Write(b)
}

// Recv drains received bytes into b. Returns 0 when none are pending, -1
// once the session is dead.
func (s *Session) Recv(b []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateError {
		return -1
	}
	if s.pluginUp {
		n, err := s.plugin.Recv(b)
		if err != nil {
			return -1
		}
		return n
	}
	return s.str.Read(b)
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Path returns the current data path.
func (s *Session) Path() Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// IsReady reports whether user data can flow.
func (s *Session) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected && s.state != StateRelay {
		return false
	}
	if s.plugin != nil {
		return s.pluginUp && s.plugin.IsReady()
	}
	return true
}

// Err returns the error detail once state is Error.
func (s *Session) Err() *Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errv
}

// SessionID returns the server-allocated id (COMPACT mode).
func (s *Session) SessionID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Stats snapshots the session counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		RTT:              s.rel.SRTT(),
		RTO:              s.rel.RTO(),
		Retransmits:      s.rel.Retransmits,
		DupDatagrams:     s.rel.DupDatagrams,
		OutOfWindow:      s.rel.OutOfWindow,
		AcksProcessed:    s.rel.AcksProcessed,
		MalformedDropped: s.dropped,
		PunchAttempts:    s.trav.Attempts(),
		NatKind:          s.natKind.String(),
		SessionID:        s.sessionID,
	}
}

// Close tears down gracefully: FIN on the current path, best-effort
// UNREGISTER, then Closed.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateError {
		return
	}
	s.state = StateClosing
	if s.path == PathLan || s.path == PathPunch {
		s.sendPacket(s.active, protocol.Header{Type: protocol.TypeFin}, nil)
	}
	if s.compact != nil {
		s.compact.Unregister(s.sendRaw)
	}
	if s.relaySig != nil {
		s.relaySig.Close()
	}
	s.state = StateClosed
	s.path = PathNone
	s.log.Info("session closed")
}

// Destroy tears everything down unconditionally and releases the socket.
func (s *Session) Destroy() {
	s.mu.Lock()
	if s.state != StateClosed && s.state != StateError {
		s.state = StateClosed
		s.path = PathNone
	}
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	if s.plugin != nil {
		s.plugin.Close()
	}
	if s.turn != nil {
		s.turn.Close()
	}
	if s.relaySig != nil {
		s.relaySig.Close()
	}
	conn := s.conn
	s.mu.Unlock()
	conn.Close()
	s.workerWG.Wait()
}

func (s *Session) worker() {
	defer s.workerWG.Done()
	ticker := time.NewTicker(s.cfg.updateInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Update()
		}
	}
}

func (s *Session) readLoop() {
	buf := make([]byte, protocol.MTU+64)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		d := datagram{data: append([]byte(nil), buf[:n]...), from: protocol.EndpointFromUDPAddr(from)}
		select {
		case s.inbound <- d:
		default:
			// Update loop is behind; drop rather than block the reader.
		}
	}
}

// sendRaw transmits one datagram, honoring the test drop hook.
func (s *Session) sendRaw(to protocol.Endpoint, data []byte) {
	if s.dropOutbound != nil && s.dropOutbound(data, to) {
		return
	}
	s.conn.WriteToUDP(data, to.UDPAddr())
}

func (s *Session) sendPacket(to protocol.Endpoint, hdr protocol.Header, body []byte) {
	s.sendRaw(to, protocol.Encode(hdr, body))
}

// drop discards one datagram with the counter bump.
func (s *Session) drop() {
	s.dropped++
	if s.met != nil {
		s.met.DatagramDropped()
	}
}

// setError moves to the terminal Error state and fires on_disconnected.
func (s *Session) setError(kind ErrorKind, op string, err error) {
	if s.state == StateError || s.state == StateClosed {
		return
	}
	if s.met != nil {
		switch kind {
		case KindSignalingTimeout, KindSignalingProtocol, KindPeerOffline:
			s.met.SignalingError(s.cfg.Mode.String())
		}
	}
	s.errv = newError(kind, op, err)
	s.state = StateError
	s.path = PathNone
	s.log.Warn("session failed", zap.String("kind", kind.String()), zap.Error(err))
	s.fireDisconnected()
}

func (s *Session) fireConnected() {
	if cb := s.cfg.Callbacks.OnConnected; cb != nil {
		safeCallback(cb)
	}
}

func (s *Session) fireDisconnected() {
	if cb := s.cfg.Callbacks.OnDisconnected; cb != nil {
		safeCallback(cb)
	}
}

func (s *Session) fireData() {
	if cb := s.cfg.Callbacks.OnData; cb != nil {
		safeCallback(cb)
	}
}

// safeCallback keeps user panics from unwinding through the update loop.
func safeCallback(fn func()) {
	defer func() { recover() }()
	fn()
}

func resolveEndpoint(host string, port int) (protocol.Endpoint, error) {
	return resolveHostPort(net.JoinHostPort(host, strconv.Itoa(port)))
}

func resolveHostPort(hostport string) (protocol.Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp4", hostport)
	if err != nil {
		return protocol.Endpoint{}, err
	}
	ep := protocol.EndpointFromUDPAddr(addr)
	if ep.IsZero() {
		return protocol.Endpoint{}, fmt.Errorf("no IPv4 address for %q", hostport)
	}
	return ep, nil
}
