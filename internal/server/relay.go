package server

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wirehole/wirehole/internal/protocol"
	"github.com/wirehole/wirehole/metrics"
)

// Relay server defaults.
const (
	DefaultClientTimeout = 60 * time.Second
	// DefaultMaxCached bounds the per-target offline offer cache.
	DefaultMaxCached = 64
	acceptRate       = 10
	acceptBurst      = 20
)

// RelayConfig configures the TCP rendezvous server.
type RelayConfig struct {
	Addr string
	// ClientTimeout drops connections idle beyond it. 0 selects the default.
	ClientTimeout time.Duration
	// MaxCached bounds cached offers per offline target. 0 selects the
	// default.
	MaxCached int
	Logger    *zap.Logger
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Collector
}

type cachedOffer struct {
	sender  string
	payload []byte
	at      time.Time
}

type relayClient struct {
	name string
	conn net.Conn

	writeMu sync.Mutex
}

func (c *relayClient) write(typ uint8, body []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeoutServer))
	return protocol.WriteFrame(c.conn, typ, body)
}

const writeTimeoutServer = 5 * time.Second

// RelayServer is the RELAY-mode rendezvous server: a login table, offer
// forwarding, and a bounded offline cache flushed when the target returns.
type RelayServer struct {
	ln      net.Listener
	timeout time.Duration
	maxCach int
	log     *zap.Logger
	met     *metrics.Collector

	mu      sync.Mutex
	clients map[string]*relayClient
	cache   map[string][]cachedOffer
	// reverse remembers senders turned away by a full cache; the target
	// gets an empty flagged OFFER on login so it connects back itself.
	reverse map[string][]string

	limiters map[string]*rate.Limiter

	closed  chan struct{}
	closeMu sync.Once
}

// NewRelayServer binds and starts serving.
func NewRelayServer(cfg RelayConfig) (*RelayServer, error) {
	if cfg.ClientTimeout <= 0 {
		cfg.ClientTimeout = DefaultClientTimeout
	}
	if cfg.MaxCached <= 0 {
		cfg.MaxCached = DefaultMaxCached
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}
	s := &RelayServer{
		ln:       ln,
		timeout:  cfg.ClientTimeout,
		maxCach:  cfg.MaxCached,
		log:      cfg.Logger,
		met:      cfg.Metrics,
		clients:  make(map[string]*relayClient),
		cache:    make(map[string][]cachedOffer),
		reverse:  make(map[string][]string),
		limiters: make(map[string]*rate.Limiter),
		closed:   make(chan struct{}),
	}
	go s.acceptLoop()
	return s, nil
}

// Addr returns the bound listener address.
func (s *RelayServer) Addr() net.Addr { return s.ln.Addr() }

// Close stops the server and disconnects every client.
func (s *RelayServer) Close() {
	s.closeMu.Do(func() {
		close(s.closed)
		s.ln.Close()
		s.mu.Lock()
		for _, c := range s.clients {
			c.conn.Close()
		}
		s.mu.Unlock()
	})
}

func (s *RelayServer) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.log.Warn("accept", zap.Error(err))
			return
		}
		if !s.allow(conn) {
			conn.Close()
			continue
		}
		go s.serve(conn)
	}
}

// allow applies the per-IP connection rate limit.
func (s *RelayServer) allow(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return false
	}
	s.mu.Lock()
	lim, ok := s.limiters[host]
	if !ok {
		lim = rate.NewLimiter(acceptRate, acceptBurst)
		s.limiters[host] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func (s *RelayServer) serve(conn net.Conn) {
	client := &relayClient{conn: conn}
	defer func() {
		conn.Close()
		if client.name != "" {
			s.mu.Lock()
			if s.clients[client.name] == client {
				delete(s.clients, client.name)
			}
			s.mu.Unlock()
			s.log.Info("client left", zap.String("name", client.name))
			if s.met != nil {
				s.met.PeerUnregistered()
			}
		}
	}()
	for {
		conn.SetReadDeadline(time.Now().Add(s.timeout))
		typ, body, err := protocol.ReadFrame(conn)
		if err != nil {
			return
		}
		if !s.dispatch(client, typ, body) {
			return
		}
	}
}

// dispatch handles one frame. Returns false to terminate the connection.
func (s *RelayServer) dispatch(client *relayClient, typ uint8, body []byte) bool {
	switch typ {
	case protocol.RelayLogin:
		return s.onLogin(client, body)
	case protocol.RelayConnect:
		return client.name != "" && s.onConnect(client, body)
	case protocol.RelayAnswer:
		return client.name != "" && s.onAnswer(client, body)
	case protocol.RelayHeartbeat:
		client.write(protocol.RelayHeartbeat, nil)
		return true
	case protocol.RelayList:
		return client.name != "" && s.onList(client)
	default:
		return false
	}
}

func (s *RelayServer) onLogin(client *relayClient, body []byte) bool {
	name, err := protocol.DecodeLogin(body)
	if err != nil || name == "" {
		return false
	}
	s.mu.Lock()
	if prev, ok := s.clients[name]; ok {
		prev.conn.Close()
	}
	client.name = name
	s.clients[name] = client
	cached := s.cache[name]
	delete(s.cache, name)
	reversed := s.reverse[name]
	delete(s.reverse, name)
	s.mu.Unlock()

	s.log.Info("client joined", zap.String("name", name))
	if s.met != nil {
		s.met.PeerRegistered()
	}
	if err := client.write(protocol.RelayLoginAck, []byte{0}); err != nil {
		return false
	}
	// Flush cached offers in original arrival order, then reverse hints.
	for _, off := range cached {
		client.write(protocol.RelayOffer, protocol.EncodeOffer(off.sender, 0, off.payload))
		if s.met != nil {
			s.met.OfferFlushed()
		}
	}
	for _, sender := range reversed {
		client.write(protocol.RelayOffer, protocol.EncodeOffer(sender, protocol.OfferFlagReverse, nil))
	}
	return true
}

func (s *RelayServer) onConnect(client *relayClient, body []byte) bool {
	target, payload, err := protocol.DecodeConnect(body)
	if err != nil {
		return false
	}
	status := protocol.ConnectStatusOK
	acked := candidateCount(payload)

	s.mu.Lock()
	dst, online := s.clients[target]
	if !online {
		status = s.cacheOffer(target, client.name, payload)
	}
	s.mu.Unlock()

	if online {
		if err := dst.write(protocol.RelayOffer, protocol.EncodeOffer(client.name, 0, payload)); err != nil {
			s.log.Warn("offer forward", zap.String("target", target), zap.Error(err))
		}
	}
	if status != protocol.ConnectStatusOK {
		acked = 0
	}
	ack := protocol.ConnectAck{Status: status, CandidatesAcked: acked}
	return client.write(protocol.RelayConnectAck, protocol.EncodeConnectAck(&ack)) == nil
}

// cacheOffer stores an offer for an offline target. One entry per sender;
// a repeat CONNECT refreshes the entry and its LRU position. Caller holds mu.
func (s *RelayServer) cacheOffer(target, sender string, payload []byte) uint8 {
	entries := s.cache[target]
	for i, e := range entries {
		if e.sender == sender {
			entries = append(entries[:i], entries[i+1:]...)
			entries = append(entries, cachedOffer{sender: sender, payload: payload, at: e.at})
			s.cache[target] = entries
			return protocol.ConnectStatusPeerOffline
		}
	}
	if len(entries) >= s.maxCach {
		for _, pending := range s.reverse[target] {
			if pending == sender {
				return protocol.ConnectStatusStorageFull
			}
		}
		s.reverse[target] = append(s.reverse[target], sender)
		return protocol.ConnectStatusStorageFull
	}
	s.cache[target] = append(entries, cachedOffer{sender: sender, payload: payload, at: time.Now()})
	if s.met != nil {
		s.met.OfferCached()
	}
	return protocol.ConnectStatusPeerOffline
}

func (s *RelayServer) onAnswer(client *relayClient, body []byte) bool {
	target, payload, err := protocol.DecodeConnect(body)
	if err != nil {
		return false
	}
	s.mu.Lock()
	dst, online := s.clients[target]
	s.mu.Unlock()
	if online {
		dst.write(protocol.RelayForward, protocol.EncodeForward(client.name, payload))
	}
	return true
}

func (s *RelayServer) onList(client *relayClient) bool {
	s.mu.Lock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	s.mu.Unlock()
	return client.write(protocol.RelayListRes, protocol.EncodeListRes(names)) == nil
}

// candidateCount peeks at a signaling payload to report how many
// candidates the server accepted. Opaque payloads count as zero.
func candidateCount(payload []byte) uint8 {
	p, err := protocol.DecodeSignalingPayload(payload)
	if err != nil {
		return 0
	}
	n := len(p.Candidates)
	if n > 255 {
		n = 255
	}
	return uint8(n)
}
