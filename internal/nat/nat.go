// Package nat drives hole punching and path liveness: the
// INIT -> PUNCHING -> {CONNECTED, RELAY} machine, the punch scheduler, and
// the PING/PONG keepalive that tears the session down when the peer is gone.
package nat

import (
	"time"

	"github.com/wirehole/wirehole/internal/protocol"
)

// State of the traversal machine.
type State int

const (
	StateInit State = iota
	StatePunching
	StateConnected
	StateRelay
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePunching:
		return "punching"
	case StateConnected:
		return "connected"
	case StateRelay:
		return "relay"
	}
	return "unknown"
}

// Timing defaults. The punch interval is seeded below the initial RTO and
// doubles each round so early rounds are aggressive while a long punch does
// not flood the NAT.
const (
	PunchSeedInterval = 200 * time.Millisecond
	PunchIntervalMax  = 2 * time.Second
	PunchBudget       = 10 * time.Second
	KeepaliveInterval = 5 * time.Second
	LivenessTimeout   = 30 * time.Second
)

// PunchBudgetSymmetric is the shortened budget applied once the NAT probe
// classifies the local NAT as symmetric. Punching through a symmetric NAT
// almost never succeeds, so the session cuts over to the relay early rather
// than burning the full budget.
const PunchBudgetSymmetric = 3 * time.Second

// Traversal holds punch scheduling and keepalive state.
type Traversal struct {
	state State

	punchStart    time.Time
	lastPunch     time.Time
	punchInterval time.Duration
	punchAttempts int
	budget        time.Duration

	active protocol.Endpoint

	lastPingSent time.Time
	lastSeen     time.Time // last PONG (or any peer traffic the session credits)
}

// New returns an idle traversal machine.
func New() *Traversal {
	return &Traversal{budget: PunchBudget}
}

// State returns the current machine state.
func (t *Traversal) State() State { return t.state }

// Active returns the punched endpoint once connected.
func (t *Traversal) Active() protocol.Endpoint { return t.active }

// Attempts returns the number of punch rounds fired.
func (t *Traversal) Attempts() int { return t.punchAttempts }

// StartPunching enters PUNCHING and arms the budget clock. Calling it again
// while already punching restarts the interval but keeps the original
// budget, so trickled candidates cannot extend the deadline.
func (t *Traversal) StartPunching(now time.Time) {
	if t.state == StatePunching {
		t.punchInterval = PunchSeedInterval
		return
	}
	t.state = StatePunching
	t.punchStart = now
	t.lastPunch = time.Time{}
	t.punchInterval = PunchSeedInterval
	t.punchAttempts = 0
}

// Expired reports whether the punch budget is spent without success.
func (t *Traversal) Expired(now time.Time) bool {
	return t.state == StatePunching && now.Sub(t.punchStart) >= t.budget
}

// Budget returns the current punch budget.
func (t *Traversal) Budget() time.Duration { return t.budget }

// BiasSymmetric shortens the punch budget after the NAT probe reports a
// symmetric mapping. Idempotent; never lengthens a budget already cut.
func (t *Traversal) BiasSymmetric() {
	if t.budget > PunchBudgetSymmetric {
		t.budget = PunchBudgetSymmetric
	}
}

// TickPunch fires one punch round when the interval elapses: a PUNCH to
// every target in the given priority order. The interval doubles per round
// up to PunchIntervalMax.
func (t *Traversal) TickPunch(now time.Time, targets []protocol.Candidate, send func(ep protocol.Endpoint)) {
	if t.state != StatePunching || len(targets) == 0 {
		return
	}
	if !t.lastPunch.IsZero() && now.Sub(t.lastPunch) < t.punchInterval {
		return
	}
	for _, c := range targets {
		send(c.Endpoint)
	}
	t.lastPunch = now
	t.punchAttempts++
	// The first round fires immediately; the gap before round n+1 is the
	// seed doubled n-1 times, capped.
	if t.punchAttempts > 1 {
		t.punchInterval *= 2
		if t.punchInterval > PunchIntervalMax {
			t.punchInterval = PunchIntervalMax
		}
	}
}

// Connected records a working peer endpoint and stops punching.
func (t *Traversal) Connected(ep protocol.Endpoint, now time.Time) {
	t.state = StateConnected
	t.active = ep
	t.lastSeen = now
	t.lastPingSent = now
}

// FallbackRelay moves to the server-relay path.
func (t *Traversal) FallbackRelay(now time.Time) {
	t.state = StateRelay
	t.active = protocol.Endpoint{}
	t.lastSeen = now
	t.lastPingSent = now
}

// RestartFromRelay re-enters punching after a relay fallback when a fresh
// remote candidate arrives. Established LAN or punched paths are never
// regressed; only RELAY may restart.
func (t *Traversal) RestartFromRelay(now time.Time) bool {
	if t.state != StateRelay {
		return false
	}
	t.state = StateInit
	t.StartPunching(now)
	return true
}

// TickKeepalive emits a PING on the active path every KeepaliveInterval.
func (t *Traversal) TickKeepalive(now time.Time, send func(ep protocol.Endpoint)) {
	if t.state != StateConnected {
		return
	}
	if now.Sub(t.lastPingSent) >= KeepaliveInterval {
		send(t.active)
		t.lastPingSent = now
	}
}

// Seen credits peer liveness (PONG or any authenticated peer traffic).
func (t *Traversal) Seen(now time.Time) {
	t.lastSeen = now
}

// Dead reports whether the liveness window has lapsed on a connected path.
func (t *Traversal) Dead(now time.Time) bool {
	if t.state != StateConnected && t.state != StateRelay {
		return false
	}
	return now.Sub(t.lastSeen) >= LivenessTimeout
}
