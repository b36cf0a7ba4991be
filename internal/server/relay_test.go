package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirehole/wirehole/internal/protocol"
)

type relayPeer struct {
	t    *testing.T
	conn net.Conn
}

func dialRelay(t *testing.T, srv *RelayServer) *relayPeer {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &relayPeer{t: t, conn: conn}
}

func (p *relayPeer) write(typ uint8, body []byte) {
	require.NoError(p.t, protocol.WriteFrame(p.conn, typ, body))
}

func (p *relayPeer) read(want uint8) []byte {
	p.t.Helper()
	require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	typ, body, err := protocol.ReadFrame(p.conn)
	require.NoError(p.t, err, "waiting for frame type %d", want)
	require.Equal(p.t, want, typ)
	return body
}

func (p *relayPeer) login(name string) {
	p.t.Helper()
	p.write(protocol.RelayLogin, protocol.EncodeLogin(name))
	p.read(protocol.RelayLoginAck)
}

func offerBody(cands int) []byte {
	p := protocol.SignalingPayload{Sender: "sender"}
	for i := 0; i < cands; i++ {
		p.Candidates = append(p.Candidates, protocol.Candidate{
			Kind:     protocol.CandidateHost,
			Endpoint: protocol.Endpoint{IP: [4]byte{10, 0, 0, byte(i + 1)}, Port: 4000},
			Priority: uint32(i),
		})
	}
	return protocol.EncodeSignalingPayload(&p)
}

func startRelay(t *testing.T, cfg RelayConfig) *RelayServer {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv, err := NewRelayServer(cfg)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func TestRelayOnlineForward(t *testing.T) {
	srv := startRelay(t, RelayConfig{})
	alice := dialRelay(t, srv)
	bob := dialRelay(t, srv)
	alice.login("alice")
	bob.login("bob")

	payload := offerBody(2)
	alice.write(protocol.RelayConnect, protocol.EncodeConnect("bob", payload))

	ack, err := protocol.DecodeConnectAck(alice.read(protocol.RelayConnectAck))
	require.NoError(t, err)
	assert.Equal(t, protocol.ConnectStatusOK, ack.Status)
	assert.Equal(t, uint8(2), ack.CandidatesAcked)

	sender, flags, got, err := protocol.DecodeOffer(bob.read(protocol.RelayOffer))
	require.NoError(t, err)
	assert.Equal(t, "alice", sender)
	assert.Zero(t, flags)
	assert.Equal(t, payload, got)
}

func TestRelayAnswerForward(t *testing.T) {
	srv := startRelay(t, RelayConfig{})
	alice := dialRelay(t, srv)
	bob := dialRelay(t, srv)
	alice.login("alice")
	bob.login("bob")

	payload := offerBody(1)
	bob.write(protocol.RelayAnswer, protocol.EncodeConnect("alice", payload))

	sender, got, err := protocol.DecodeForward(alice.read(protocol.RelayForward))
	require.NoError(t, err)
	assert.Equal(t, "bob", sender)
	assert.Equal(t, payload, got)
}

func TestRelayOfflineCacheFlushedOnLogin(t *testing.T) {
	srv := startRelay(t, RelayConfig{})
	alice := dialRelay(t, srv)
	alice.login("alice")

	payload := offerBody(1)
	alice.write(protocol.RelayConnect, protocol.EncodeConnect("bob", payload))
	ack, err := protocol.DecodeConnectAck(alice.read(protocol.RelayConnectAck))
	require.NoError(t, err)
	assert.Equal(t, protocol.ConnectStatusPeerOffline, ack.Status)
	assert.Zero(t, ack.CandidatesAcked)

	// The target logging in drains the cache.
	bob := dialRelay(t, srv)
	bob.login("bob")
	sender, flags, got, err := protocol.DecodeOffer(bob.read(protocol.RelayOffer))
	require.NoError(t, err)
	assert.Equal(t, "alice", sender)
	assert.Zero(t, flags)
	assert.Equal(t, payload, got)
}

func TestRelayRepeatConnectRefreshesCache(t *testing.T) {
	srv := startRelay(t, RelayConfig{})
	alice := dialRelay(t, srv)
	alice.login("alice")

	alice.write(protocol.RelayConnect, protocol.EncodeConnect("bob", offerBody(1)))
	alice.read(protocol.RelayConnectAck)
	fresh := offerBody(3)
	alice.write(protocol.RelayConnect, protocol.EncodeConnect("bob", fresh))
	alice.read(protocol.RelayConnectAck)

	// Only the latest offer per sender survives.
	bob := dialRelay(t, srv)
	bob.login("bob")
	_, _, got, err := protocol.DecodeOffer(bob.read(protocol.RelayOffer))
	require.NoError(t, err)
	assert.Equal(t, fresh, got)

	bob.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = protocol.ReadFrame(bob.conn)
	assert.Error(t, err, "no second cached offer expected")
}

func TestRelayCacheFullReverseHint(t *testing.T) {
	srv := startRelay(t, RelayConfig{MaxCached: 1})
	alice := dialRelay(t, srv)
	carol := dialRelay(t, srv)
	alice.login("alice")
	carol.login("carol")

	alice.write(protocol.RelayConnect, protocol.EncodeConnect("bob", offerBody(1)))
	ack, err := protocol.DecodeConnectAck(alice.read(protocol.RelayConnectAck))
	require.NoError(t, err)
	require.Equal(t, protocol.ConnectStatusPeerOffline, ack.Status)

	carol.write(protocol.RelayConnect, protocol.EncodeConnect("bob", offerBody(1)))
	ack, err = protocol.DecodeConnectAck(carol.read(protocol.RelayConnectAck))
	require.NoError(t, err)
	assert.Equal(t, protocol.ConnectStatusStorageFull, ack.Status)

	// Bob gets the cached offer, then an empty reverse-connect hint.
	bob := dialRelay(t, srv)
	bob.login("bob")
	sender, flags, _, err := protocol.DecodeOffer(bob.read(protocol.RelayOffer))
	require.NoError(t, err)
	assert.Equal(t, "alice", sender)
	assert.Zero(t, flags)

	sender, flags, payload, err := protocol.DecodeOffer(bob.read(protocol.RelayOffer))
	require.NoError(t, err)
	assert.Equal(t, "carol", sender)
	assert.Equal(t, protocol.OfferFlagReverse, flags)
	assert.Empty(t, payload)
}

func TestRelayHeartbeatEcho(t *testing.T) {
	srv := startRelay(t, RelayConfig{})
	alice := dialRelay(t, srv)
	alice.login("alice")

	alice.write(protocol.RelayHeartbeat, nil)
	body := alice.read(protocol.RelayHeartbeat)
	assert.Empty(t, body)
}

func TestRelayList(t *testing.T) {
	srv := startRelay(t, RelayConfig{})
	alice := dialRelay(t, srv)
	bob := dialRelay(t, srv)
	alice.login("alice")
	bob.login("bob")

	alice.write(protocol.RelayList, nil)
	names, err := protocol.DecodeListRes(alice.read(protocol.RelayListRes))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestRelayRequiresLoginFirst(t *testing.T) {
	srv := startRelay(t, RelayConfig{})
	stranger := dialRelay(t, srv)

	stranger.write(protocol.RelayConnect, protocol.EncodeConnect("bob", nil))
	stranger.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := protocol.ReadFrame(stranger.conn)
	assert.Error(t, err, "server should close the connection")
}

func TestRelayDuplicateLoginEvictsPrevious(t *testing.T) {
	srv := startRelay(t, RelayConfig{})
	first := dialRelay(t, srv)
	first.login("alice")

	second := dialRelay(t, srv)
	second.login("alice")

	// The first connection is force-closed.
	first.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := protocol.ReadFrame(first.conn)
	assert.Error(t, err)

	// The new connection owns the name.
	bob := dialRelay(t, srv)
	bob.login("bob")
	bob.write(protocol.RelayConnect, protocol.EncodeConnect("alice", offerBody(1)))
	ack, decErr := protocol.DecodeConnectAck(bob.read(protocol.RelayConnectAck))
	require.NoError(t, decErr)
	assert.Equal(t, protocol.ConnectStatusOK, ack.Status)
	second.read(protocol.RelayOffer)
}
