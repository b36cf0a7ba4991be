package signal

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirehole/wirehole/internal/protocol"
)

// fakeRelayServer accepts one TCP connection and hands it to the test.
func fakeRelayServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	conns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conns <- conn
	}()
	return ln.Addr().String(), conns
}

// pumpUntil ticks the client until cond holds or the deadline lapses.
func pumpUntil(t *testing.T, r *Relay, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition never held")
		r.Tick(time.Now())
		time.Sleep(5 * time.Millisecond)
	}
}

func (r *Relay) hasConn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// TestRelayWritesStayOrdered drives a full login and checks that frames
// queued back to back arrive at the server in submission order through the
// writer goroutine.
func TestRelayWritesStayOrdered(t *testing.T) {
	addr, conns := fakeRelayServer(t)
	loggedIn := false
	r := NewRelay(addr, "alice", RelayHooks{LoggedIn: func() { loggedIn = true }})
	t.Cleanup(r.Close)
	r.Start()

	pumpUntil(t, r, r.hasConn)
	conn := <-conns
	defer conn.Close()

	typ, body, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.RelayLogin, typ)
	name, err := protocol.DecodeLogin(body)
	require.NoError(t, err)
	assert.Equal(t, "alice", name)

	require.NoError(t, protocol.WriteFrame(conn, protocol.RelayLoginAck, []byte{0}))
	pumpUntil(t, r, func() bool { return loggedIn })
	assert.Equal(t, RelayLoggedIn, r.State())

	r.Connect("bob", []byte("offer"))
	r.Answer("bob", []byte("answer"))
	r.ListPeers()

	wantTypes := []uint8{protocol.RelayConnect, protocol.RelayAnswer, protocol.RelayList}
	for _, want := range wantTypes {
		typ, body, err := protocol.ReadFrame(conn)
		require.NoError(t, err)
		assert.Equal(t, want, typ)
		if typ == protocol.RelayConnect {
			target, payload, err := protocol.DecodeConnect(body)
			require.NoError(t, err)
			assert.Equal(t, "bob", target)
			assert.Equal(t, []byte("offer"), payload)
		}
	}
}

// TestRelayStalledServerNeverBlocksCaller parks the server so nothing
// drains the socket. Submitting a burst of large frames must return
// immediately, with the dead channel reported through the Failed hook
// instead of stalling the caller on a write deadline.
func TestRelayStalledServerNeverBlocksCaller(t *testing.T) {
	addr, conns := fakeRelayServer(t)
	failed := make(chan error, 1)
	r := NewRelay(addr, "alice", RelayHooks{Failed: func(err error) {
		select {
		case failed <- err:
		default:
		}
	}})
	t.Cleanup(r.Close)
	r.Start()
	pumpUntil(t, r, r.hasConn)
	conn := <-conns
	defer conn.Close()

	payload := make([]byte, 64*1024)
	start := time.Now()
	for i := 0; i < 400; i++ {
		r.Connect("bob", payload)
	}
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 2*time.Second, "submission must not wait on the socket")

	select {
	case err := <-failed:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("stalled channel never reported")
	}
}
