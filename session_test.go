package wirehole

import (
	"bytes"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirehole/wirehole/internal/nat"
	"github.com/wirehole/wirehole/internal/protocol"
	"github.com/wirehole/wirehole/internal/route"
	"github.com/wirehole/wirehole/internal/server"
	"github.com/wirehole/wirehole/kvstore"
	"github.com/wirehole/wirehole/metrics"
)

// End-to-end scenarios: two real sessions against in-process rendezvous
// servers over loopback, driven by explicit Update calls.

func startCompactServer(t *testing.T) *server.Compact {
	t.Helper()
	srv, err := server.NewCompact(server.CompactConfig{Addr: "127.0.0.1:0", ProbeAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func compactConfig(srv *server.Compact, id string) Config {
	return Config{
		Mode:        ModeCompact,
		ServerHost:  "127.0.0.1",
		ServerPort:  srv.Addr().Port,
		LocalPeerID: id,
	}
}

func newSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Destroy)
	return s
}

// pump drives the sessions until cond holds or the deadline passes.
func pump(t *testing.T, timeout time.Duration, cond func() bool, sessions ...*Session) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, s := range sessions {
			s.Update()
		}
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	for _, s := range sessions {
		t.Logf("session %s: state=%s path=%s", s.cfg.LocalPeerID, s.State(), s.Path())
		if e := s.Err(); e != nil {
			t.Logf("session %s error: %v", s.cfg.LocalPeerID, e)
		}
	}
	require.Fail(t, "condition not reached within deadline")
}

// tickAt runs one update with an explicit clock, letting tests lapse the
// punch budget and the liveness window without waiting in real time.
func tickAt(s *Session, now time.Time) {
	s.mu.Lock()
	s.update(now)
	s.mu.Unlock()
}

// dropTypes installs an outbound filter discarding the listed packet types.
// Must be set before Connect.
func dropTypes(s *Session, types ...uint8) {
	s.dropOutbound = func(data []byte, to protocol.Endpoint) bool {
		if len(data) < protocol.HeaderSize {
			return false
		}
		for _, typ := range types {
			if data[0] == typ {
				return true
			}
		}
		return false
	}
}

// transfer moves payload from src to dst and returns the received bytes.
func transfer(t *testing.T, src, dst *Session, payload []byte) []byte {
	t.Helper()
	sent := 0
	var got bytes.Buffer
	buf := make([]byte, 4096)
	pump(t, 30*time.Second, func() bool {
		if sent < len(payload) {
			n := src.Send(payload[sent:])
			require.GreaterOrEqual(t, n, 0, "session died mid-send")
			sent += n
		}
		for {
			n := dst.Recv(buf)
			require.GreaterOrEqual(t, n, 0, "session died mid-receive")
			if n == 0 {
				break
			}
			got.Write(buf[:n])
		}
		return got.Len() >= len(payload)
	}, src, dst)
	return got.Bytes()
}

func bothReady(a, b *Session) func() bool {
	return func() bool { return a.IsReady() && b.IsReady() }
}

func TestCompactConnectAndTransfer(t *testing.T) {
	srv := startCompactServer(t)
	a := newSession(t, compactConfig(srv, "alice"))
	b := newSession(t, compactConfig(srv, "bob"))

	require.NoError(t, a.Connect("bob"))
	require.NoError(t, b.Connect("alice"))
	pump(t, 15*time.Second, bothReady(a, b), a, b)

	assert.NotZero(t, a.SessionID())
	assert.Equal(t, a.SessionID(), b.SessionID())
	assert.NotEqual(t, PathNone, a.Path())

	msg := []byte("hello over the punched path")
	assert.Equal(t, msg, transfer(t, a, b, msg))
	assert.Equal(t, []byte("and back"), transfer(t, b, a, []byte("and back")))

	stats := a.Stats()
	assert.Greater(t, stats.AcksProcessed, uint64(0))

	// Graceful close propagates as FIN.
	a.Close()
	assert.Equal(t, StateClosed, a.State())
	pump(t, 5*time.Second, func() bool { return b.State() == StateClosed }, b)
}

func TestCompactConnectedCallback(t *testing.T) {
	srv := startCompactServer(t)
	var connected atomic.Int32
	cfgA := compactConfig(srv, "alice")
	cfgA.Callbacks = Callbacks{OnConnected: func() { connected.Add(1) }}
	a := newSession(t, cfgA)
	b := newSession(t, compactConfig(srv, "bob"))

	require.NoError(t, a.Connect("bob"))
	require.NoError(t, b.Connect("alice"))
	pump(t, 15*time.Second, bothReady(a, b), a, b)
	assert.Equal(t, int32(1), connected.Load())
}

func TestRelayPassiveAnswerAndClose(t *testing.T) {
	if len(route.Discover().Entries()) == 0 {
		t.Skip("no routable interface; relay signaling has no candidates to offer")
	}
	relay, err := server.NewRelayServer(server.RelayConfig{Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	t.Cleanup(relay.Close)
	port := relay.Addr().(*net.TCPAddr).Port

	relayConfig := func(id string) Config {
		return Config{
			Mode:        ModeRelay,
			ServerHost:  "127.0.0.1",
			ServerPort:  port,
			LocalPeerID: id,
		}
	}

	// The passive side connects first with no target and waits for offers.
	b := newSession(t, relayConfig("bob"))
	require.NoError(t, b.Connect(""))
	a := newSession(t, relayConfig("alice"))
	require.NoError(t, a.Connect("bob"))

	pump(t, 15*time.Second, bothReady(a, b), a, b)
	assert.Equal(t, "alice", b.remoteID)

	msg := []byte("offer, answer, punch")
	assert.Equal(t, msg, transfer(t, a, b, msg))

	b.Close()
	assert.Equal(t, StateClosed, b.State())
	pump(t, 5*time.Second, func() bool { return a.State() == StateClosed }, a)
}

func TestPunchFailureFallsBackToRelay(t *testing.T) {
	srv := startCompactServer(t)
	cfgA := compactConfig(srv, "alice")
	cfgA.DisableLanShortcut = true
	cfgB := compactConfig(srv, "bob")
	cfgB.DisableLanShortcut = true
	a := newSession(t, cfgA)
	b := newSession(t, cfgB)
	// No punch ever lands: the sessions must degrade to the server relay.
	dropTypes(a, protocol.TypePunch, protocol.TypePunchAck)
	dropTypes(b, protocol.TypePunch, protocol.TypePunchAck)

	require.NoError(t, a.Connect("bob"))
	require.NoError(t, b.Connect("alice"))
	pump(t, 10*time.Second, func() bool {
		return a.State() == StatePunching && b.State() == StatePunching &&
			a.SessionID() != 0 && b.SessionID() != 0
	}, a, b)

	// Lapse the punch budget without waiting it out.
	spent := time.Now().Add(nat.PunchBudget + time.Second)
	tickAt(a, spent)
	tickAt(b, spent)
	assert.Equal(t, StateRelay, a.State())
	assert.Equal(t, PathRelay, a.Path())
	assert.Equal(t, StateRelay, b.State())
	require.True(t, a.IsReady())

	msg := []byte("data rides RELAY_DATA through the server")
	assert.Equal(t, msg, transfer(t, a, b, msg))
	assert.Equal(t, "relay", a.Path().String())
}

func TestLanShortcut(t *testing.T) {
	if len(route.Discover().Entries()) == 0 {
		t.Skip("no routable interface; the same-subnet probe has no target")
	}
	srv := startCompactServer(t)
	a := newSession(t, compactConfig(srv, "alice"))
	b := newSession(t, compactConfig(srv, "bob"))
	// Suppress punching so only the ROUTE_PROBE path can establish.
	dropTypes(a, protocol.TypePunch, protocol.TypePunchAck)
	dropTypes(b, protocol.TypePunch, protocol.TypePunchAck)

	require.NoError(t, a.Connect("bob"))
	require.NoError(t, b.Connect("alice"))
	pump(t, 15*time.Second, bothReady(a, b), a, b)

	assert.Equal(t, PathLan, a.Path())
	msg := []byte("short path")
	assert.Equal(t, msg, transfer(t, a, b, msg))
}

func TestPeerDisappearsLivenessLost(t *testing.T) {
	srv := startCompactServer(t)
	a := newSession(t, compactConfig(srv, "alice"))
	b := newSession(t, compactConfig(srv, "bob"))

	require.NoError(t, a.Connect("bob"))
	require.NoError(t, b.Connect("alice"))
	pump(t, 15*time.Second, bothReady(a, b), a, b)

	// Kill the peer without a FIN, then lapse the liveness window.
	b.Destroy()
	tickAt(a, time.Now().Add(nat.LivenessTimeout+time.Second))

	require.Equal(t, StateError, a.State())
	require.NotNil(t, a.Err())
	assert.Equal(t, KindLivenessLost, a.Err().Kind)
	assert.Equal(t, -1, a.Send([]byte("x")))
	assert.Equal(t, -1, a.Recv(make([]byte, 16)))
}

func TestLossyTransfer(t *testing.T) {
	srv := startCompactServer(t)
	a := newSession(t, compactConfig(srv, "alice"))
	b := newSession(t, compactConfig(srv, "bob"))

	// Drop every fifth DATA datagram in each direction; retransmission must
	// recover the stream intact.
	var nA, nB atomic.Uint64
	lossy := func(counter *atomic.Uint64) func(data []byte, to protocol.Endpoint) bool {
		return func(data []byte, to protocol.Endpoint) bool {
			if len(data) < protocol.HeaderSize || data[0] != protocol.TypeData {
				return false
			}
			return counter.Add(1)%5 == 0
		}
	}
	a.dropOutbound = lossy(&nA)
	b.dropOutbound = lossy(&nB)

	require.NoError(t, a.Connect("bob"))
	require.NoError(t, b.Connect("alice"))
	pump(t, 15*time.Second, bothReady(a, b), a, b)

	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	got := transfer(t, a, b, payload)
	require.Equal(t, payload, got)
	assert.Greater(t, a.Stats().Retransmits, uint64(0))
}

// counterTotal sums every sample of the named counter family on reg.
func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	fams, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, fam := range fams {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestSessionMetrics(t *testing.T) {
	srv := startCompactServer(t)
	reg := prometheus.NewRegistry()
	cfgA := compactConfig(srv, "alice")
	cfgA.Metrics = metrics.NewCollector(reg)
	a := newSession(t, cfgA)
	b := newSession(t, compactConfig(srv, "bob"))

	require.NoError(t, a.Connect("bob"))
	require.NoError(t, b.Connect("alice"))
	pump(t, 15*time.Second, bothReady(a, b), a, b)

	// Reaching a working path records one connection under its path label.
	assert.Equal(t, 1.0, counterTotal(t, reg, "wirehole_connections_total"))

	// Garbage from an unknown sender lands in the drop counter.
	junk, err := net.DialUDP("udp4", nil,
		&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: int(a.localPort)})
	require.NoError(t, err)
	t.Cleanup(func() { junk.Close() })
	_, err = junk.Write([]byte{0xFF, 0x00, 0x00, 0x00})
	require.NoError(t, err)
	pump(t, 5*time.Second, func() bool {
		return counterTotal(t, reg, "wirehole_datagrams_dropped_total") >= 1.0
	}, a)
}

// TestSymmetricNatShortensPunchBudget verifies the probe verdict feeds path
// selection: once classified symmetric, the session stops burning the full
// punch budget and cuts over to the relay early.
func TestSymmetricNatShortensPunchBudget(t *testing.T) {
	srv := startCompactServer(t)
	a := newSession(t, compactConfig(srv, "alice"))

	main := protocol.Endpoint{IP: [4]byte{198, 51, 100, 1}, Port: 7300}
	alt := protocol.Endpoint{IP: [4]byte{198, 51, 100, 1}, Port: 7301}
	p := nat.NewProbe(main, alt, protocol.Endpoint{IP: [4]byte{10, 0, 0, 2}, Port: 4000}, 9)
	p.Tick(time.Now(), func(protocol.Endpoint, protocol.NatProbe) {})
	// Two sockets, two different mapped ports: symmetric.
	p.OnAck(main, protocol.NatProbeAck{RequestID: 9,
		Mapped: protocol.Endpoint{IP: [4]byte{203, 0, 113, 9}, Port: 60001}})
	p.OnAck(alt, protocol.NatProbeAck{RequestID: 9,
		Mapped: protocol.Endpoint{IP: [4]byte{203, 0, 113, 9}, Port: 60002}})
	require.True(t, p.Done())

	a.mu.Lock()
	a.natProbe = p
	a.onNatClassified()
	budget := a.trav.Budget()
	a.mu.Unlock()

	assert.Equal(t, nat.KindSymmetric.String(), a.Stats().NatKind)
	assert.Equal(t, nat.PunchBudgetSymmetric, budget)
}

func TestPubsubExchangeOverMemoryStore(t *testing.T) {
	if len(route.Discover().Entries()) == 0 {
		t.Skip("no routable interface; pubsub payloads carry no candidates")
	}
	store := kvstore.NewMemory()
	cfg := func(id string) Config {
		return Config{
			Mode:         ModePubsub,
			KVStore:      store,
			Channel:      "e2e",
			PollInterval: 5 * time.Millisecond,
			LocalPeerID:  id,
			AuthKey:      "shared-secret",
		}
	}

	b := newSession(t, cfg("bob"))
	require.NoError(t, b.Connect("")) // subscriber waits on the channel
	a := newSession(t, cfg("alice"))
	require.NoError(t, a.Connect("bob"))

	pump(t, 15*time.Second, bothReady(a, b), a, b)
	assert.Equal(t, "alice", b.remoteID)

	msg := []byte("sealed rendezvous, direct data")
	assert.Equal(t, msg, transfer(t, a, b, msg))
}
