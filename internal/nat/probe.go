package nat

import (
	"time"

	"github.com/wirehole/wirehole/internal/protocol"
)

// Kind classifies the local NAT from the rendezvous server's two probe
// sockets. The mapping seen by the main port is compared against the mapping
// seen by the probe port: equal mappings mean an endpoint-independent (cone)
// NAT, differing ones a symmetric NAT, and a mapping equal to the local bind
// address means no NAT at all.
type Kind int

const (
	KindUnknown Kind = iota
	KindOpen
	KindCone
	KindSymmetric
	KindUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindCone:
		return "cone"
	case KindSymmetric:
		return "symmetric"
	case KindUnreachable:
		return "unreachable"
	}
	return "unknown"
}

const (
	probeRTO      = 500 * time.Millisecond
	probeAttempts = 5
)

// Probe runs the two-socket NAT classification against a rendezvous server
// that exposes a probe port next to its main port.
type Probe struct {
	main      protocol.Endpoint
	alt       protocol.Endpoint
	local     protocol.Endpoint
	requestID uint16

	attempts int
	lastSend time.Time

	mainMapped protocol.Endpoint
	altMapped  protocol.Endpoint
	haveMain   bool
	haveAlt    bool

	kind Kind
	done bool
}

// NewProbe prepares a classification run. local is the socket's bound
// address as the host sees it; requestID correlates the two transactions.
func NewProbe(main, alt, local protocol.Endpoint, requestID uint16) *Probe {
	return &Probe{main: main, alt: alt, local: local, requestID: requestID}
}

// Done reports whether classification finished.
func (p *Probe) Done() bool { return p.done }

// Kind returns the classification once Done.
func (p *Probe) Kind() Kind { return p.kind }

// Tick retransmits NAT_PROBE toward whichever server socket has not
// answered yet. Both transactions share one retry budget; spending it
// without any reply classifies the NAT as unreachable.
func (p *Probe) Tick(now time.Time, send func(ep protocol.Endpoint, pl protocol.NatProbe)) {
	if p.done {
		return
	}
	if p.attempts > 0 && now.Sub(p.lastSend) < probeRTO {
		return
	}
	if p.attempts >= probeAttempts {
		if !p.haveMain && !p.haveAlt {
			p.kind = KindUnreachable
		} else {
			p.kind = KindUnknown
		}
		p.done = true
		return
	}
	pl := protocol.NatProbe{RequestID: p.requestID}
	if !p.haveMain {
		send(p.main, pl)
	}
	if !p.haveAlt {
		send(p.alt, pl)
	}
	p.attempts++
	p.lastSend = now
}

// OnAck records one NAT_PROBE_ACK and classifies once both mappings are in.
func (p *Probe) OnAck(from protocol.Endpoint, pl protocol.NatProbeAck) {
	if p.done || pl.RequestID != p.requestID {
		return
	}
	switch from {
	case p.main:
		p.mainMapped = pl.Mapped
		p.haveMain = true
	case p.alt:
		p.altMapped = pl.Mapped
		p.haveAlt = true
	default:
		return
	}
	if !p.haveMain || !p.haveAlt {
		return
	}
	switch {
	case p.mainMapped == p.local:
		p.kind = KindOpen
	case p.mainMapped == p.altMapped:
		p.kind = KindCone
	default:
		p.kind = KindSymmetric
	}
	p.done = true
}
