// Package stunc holds the STUN and TURN client glue used for candidate
// gathering. Both share the session's UDP socket: outbound messages go
// through a send callback, inbound server traffic is fed back from the
// session's dispatch loop, so the polled update never blocks.
package stunc

import (
	"time"

	"github.com/pion/stun/v3"

	"github.com/wirehole/wirehole/internal/protocol"
)

// Binding retransmission schedule (RFC 5389 §7.2.1 flavored).
const (
	bindingRTO      = 500 * time.Millisecond
	bindingAttempts = 7
)

// Binding runs one STUN Binding Request transaction to discover the
// server-reflexive mapping of the session socket.
type Binding struct {
	server protocol.Endpoint
	msg    *stun.Message

	attempts int
	lastSend time.Time
	rto      time.Duration

	mapped protocol.Endpoint
	done   bool
	failed bool
}

// NewBinding prepares a Binding Request toward the given STUN server.
func NewBinding(server protocol.Endpoint) *Binding {
	return &Binding{
		server: server,
		msg:    stun.MustBuild(stun.TransactionID, stun.BindingRequest),
		rto:    bindingRTO,
	}
}

// Server returns the STUN server endpoint this transaction targets.
func (b *Binding) Server() protocol.Endpoint { return b.server }

// Done reports whether the transaction finished (successfully or not).
func (b *Binding) Done() bool { return b.done || b.failed }

// Mapped returns the XOR-MAPPED-ADDRESS once Done and not failed.
func (b *Binding) Mapped() (protocol.Endpoint, bool) { return b.mapped, b.done }

// Tick retransmits with exponential backoff until the attempt budget is
// spent. send transmits a raw datagram to the STUN server.
func (b *Binding) Tick(now time.Time, send func(ep protocol.Endpoint, data []byte)) {
	if b.Done() {
		return
	}
	if b.attempts > 0 && now.Sub(b.lastSend) < b.rto {
		return
	}
	if b.attempts >= bindingAttempts {
		b.failed = true
		return
	}
	send(b.server, b.msg.Raw)
	b.attempts++
	b.lastSend = now
	b.rto *= 2
}

// OnPacket inspects a datagram that did not parse as protocol traffic.
// Returns true when it completed this transaction.
func (b *Binding) OnPacket(data []byte) bool {
	if b.Done() || !stun.IsMessage(data) {
		return false
	}
	m := &stun.Message{Raw: append([]byte(nil), data...)}
	if err := m.Decode(); err != nil {
		return false
	}
	if m.TransactionID != b.msg.TransactionID || m.Type != stun.BindingSuccess {
		return false
	}
	var xor stun.XORMappedAddress
	if err := xor.GetFrom(m); err != nil {
		return false
	}
	ip4 := xor.IP.To4()
	if ip4 == nil {
		return false
	}
	copy(b.mapped.IP[:], ip4)
	b.mapped.Port = uint16(xor.Port)
	b.done = true
	return true
}
