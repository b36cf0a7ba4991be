package nat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirehole/wirehole/internal/protocol"
)

func ep(last byte, port uint16) protocol.Endpoint {
	return protocol.Endpoint{IP: [4]byte{192, 0, 2, last}, Port: port}
}

func targets(eps ...protocol.Endpoint) []protocol.Candidate {
	out := make([]protocol.Candidate, 0, len(eps))
	for _, e := range eps {
		out = append(out, protocol.Candidate{Endpoint: e})
	}
	return out
}

func TestPunchRoundsAndBackoff(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.StartPunching(now)
	require.Equal(t, StatePunching, tr.State())

	var sent []protocol.Endpoint
	send := func(e protocol.Endpoint) { sent = append(sent, e) }
	tgts := targets(ep(1, 100), ep(2, 200))

	// First round fires immediately, to every target in order.
	tr.TickPunch(now, tgts, send)
	assert.Equal(t, []protocol.Endpoint{ep(1, 100), ep(2, 200)}, sent)
	assert.Equal(t, 1, tr.Attempts())

	// Second round only after the seed interval.
	tr.TickPunch(now.Add(PunchSeedInterval-time.Millisecond), tgts, send)
	assert.Equal(t, 1, tr.Attempts())
	tr.TickPunch(now.Add(PunchSeedInterval), tgts, send)
	assert.Equal(t, 2, tr.Attempts())

	// Interval doubles per round and caps at PunchIntervalMax.
	last := now.Add(PunchSeedInterval)
	for i := 0; i < 8; i++ {
		last = last.Add(PunchIntervalMax)
		tr.TickPunch(last, tgts, send)
	}
	tr.TickPunch(last.Add(PunchIntervalMax-time.Millisecond), tgts, send)
	attempts := tr.Attempts()
	tr.TickPunch(last.Add(PunchIntervalMax), tgts, send)
	assert.Equal(t, attempts+1, tr.Attempts())
}

func TestPunchBudget(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.StartPunching(now)

	assert.False(t, tr.Expired(now.Add(PunchBudget-time.Millisecond)))
	assert.True(t, tr.Expired(now.Add(PunchBudget)))

	// Re-arming mid-punch keeps the original budget clock.
	tr.StartPunching(now.Add(5 * time.Second))
	assert.True(t, tr.Expired(now.Add(PunchBudget)))
}

func TestSymmetricBiasShortensBudget(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.StartPunching(now)
	require.Equal(t, PunchBudget, tr.Budget())

	tr.BiasSymmetric()
	assert.Equal(t, PunchBudgetSymmetric, tr.Budget())
	assert.False(t, tr.Expired(now.Add(PunchBudgetSymmetric-time.Millisecond)))
	assert.True(t, tr.Expired(now.Add(PunchBudgetSymmetric)))

	// Idempotent; a repeat classification never lengthens the budget.
	tr.BiasSymmetric()
	assert.Equal(t, PunchBudgetSymmetric, tr.Budget())
}

func TestConnectedStopsPunching(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.StartPunching(now)
	tr.Connected(ep(7, 700), now)

	assert.Equal(t, StateConnected, tr.State())
	assert.Equal(t, ep(7, 700), tr.Active())

	var fired bool
	tr.TickPunch(now.Add(time.Hour), targets(ep(1, 1)), func(protocol.Endpoint) { fired = true })
	assert.False(t, fired)
	assert.False(t, tr.Expired(now.Add(time.Hour)))
}

func TestRestartOnlyFromRelay(t *testing.T) {
	now := time.Now()

	tr := New()
	tr.StartPunching(now)
	tr.Connected(ep(1, 1), now)
	assert.False(t, tr.RestartFromRelay(now), "a working path must not regress")

	tr = New()
	tr.StartPunching(now)
	tr.FallbackRelay(now)
	require.Equal(t, StateRelay, tr.State())
	assert.True(t, tr.RestartFromRelay(now.Add(time.Second)))
	assert.Equal(t, StatePunching, tr.State())
	assert.Zero(t, tr.Attempts())
}

func TestKeepaliveCadence(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.Connected(ep(3, 300), now)

	var pings int
	send := func(protocol.Endpoint) { pings++ }

	tr.TickKeepalive(now.Add(KeepaliveInterval-time.Millisecond), send)
	assert.Zero(t, pings)
	tr.TickKeepalive(now.Add(KeepaliveInterval), send)
	assert.Equal(t, 1, pings)
	// Cadence restarts from the last ping.
	tr.TickKeepalive(now.Add(KeepaliveInterval+time.Millisecond), send)
	assert.Equal(t, 1, pings)
	tr.TickKeepalive(now.Add(2*KeepaliveInterval), send)
	assert.Equal(t, 2, pings)
}

func TestLiveness(t *testing.T) {
	tr := New()
	now := time.Now()
	tr.Connected(ep(3, 300), now)

	assert.False(t, tr.Dead(now.Add(LivenessTimeout-time.Millisecond)))
	assert.True(t, tr.Dead(now.Add(LivenessTimeout)))

	// Any credited traffic resets the window.
	tr.Seen(now.Add(20 * time.Second))
	assert.False(t, tr.Dead(now.Add(LivenessTimeout)))

	// An idle machine is never dead.
	assert.False(t, New().Dead(now.Add(time.Hour)))
}

func TestProbeClassification(t *testing.T) {
	main, alt := ep(10, 7300), ep(10, 7301)
	local := ep(99, 5000)

	testCases := []struct {
		name       string
		mainMapped protocol.Endpoint
		altMapped  protocol.Endpoint
		want       Kind
	}{
		{"open", local, local, KindOpen},
		{"cone", ep(50, 60001), ep(50, 60001), KindCone},
		{"symmetric", ep(50, 60001), ep(50, 60002), KindSymmetric},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewProbe(main, alt, local, 42)
			p.Tick(time.Now(), func(protocol.Endpoint, protocol.NatProbe) {})

			p.OnAck(main, protocol.NatProbeAck{RequestID: 42, Mapped: tc.mainMapped})
			assert.False(t, p.Done(), "one mapping is not enough")
			p.OnAck(alt, protocol.NatProbeAck{RequestID: 42, Mapped: tc.altMapped})

			require.True(t, p.Done())
			assert.Equal(t, tc.want, p.Kind())
		})
	}
}

func TestProbeIgnoresForeignAcks(t *testing.T) {
	main, alt := ep(10, 7300), ep(10, 7301)
	p := NewProbe(main, alt, ep(99, 5000), 42)

	p.OnAck(main, protocol.NatProbeAck{RequestID: 7, Mapped: ep(1, 1)}) // wrong id
	p.OnAck(ep(66, 66), protocol.NatProbeAck{RequestID: 42, Mapped: ep(1, 1)})
	assert.False(t, p.Done())
}

func TestProbeRetryAndUnreachable(t *testing.T) {
	main, alt := ep(10, 7300), ep(10, 7301)
	p := NewProbe(main, alt, ep(99, 5000), 42)
	now := time.Now()

	var sends []protocol.Endpoint
	send := func(e protocol.Endpoint, _ protocol.NatProbe) { sends = append(sends, e) }

	p.Tick(now, send)
	assert.Equal(t, []protocol.Endpoint{main, alt}, sends)

	// No retransmit before the probe RTO.
	p.Tick(now.Add(100*time.Millisecond), send)
	assert.Len(t, sends, 2)

	// After the main socket answers only the alt is retried.
	p.OnAck(main, protocol.NatProbeAck{RequestID: 42, Mapped: ep(50, 60001)})
	sends = nil
	p.Tick(now.Add(500*time.Millisecond), send)
	assert.Equal(t, []protocol.Endpoint{alt}, sends)

	// Burning the shared budget with no reply at all is unreachable.
	p2 := NewProbe(main, alt, ep(99, 5000), 1)
	for i := 0; i <= probeAttempts; i++ {
		p2.Tick(now.Add(time.Duration(i)*time.Second), func(protocol.Endpoint, protocol.NatProbe) {})
	}
	require.True(t, p2.Done())
	assert.Equal(t, KindUnreachable, p2.Kind())
}
