package transport

import (
	"time"

	"github.com/wirehole/wirehole/internal/protocol"
	"github.com/wirehole/wirehole/internal/reliable"
	"github.com/wirehole/wirehole/internal/stream"
)

// PseudoTCP congestion parameters. The window unit is packets.
const (
	ptcpInitCwnd     = 4
	ptcpInitSsthresh = 64
	ptcpMinCwnd      = 2
	ptcpDupAckThresh = 3
)

// PseudoTCP layers TCP-style AIMD congestion control over its own reliable
// window. It speaks the same DATA/ACK packet vocabulary as the built-in
// path but meters how many packets may enter the window per tick, grows the
// window additively on progress, and halves it on loss signals (duplicate
// acks or a retransmission timeout).
type PseudoTCP struct {
	rel *reliable.Reliable
	str *stream.Stream

	send func([]byte)

	cwnd     float64
	ssthresh float64

	lastAck  uint16
	dupAcks  int
	haveAck  bool
	lastBase uint16

	ready  bool
	closed bool
	failed error
}

// NewPseudoTCP builds the plug-in. nagle batches trailing partial
// fragments the same way the plain stream does.
func NewPseudoTCP(nagle bool) *PseudoTCP {
	return &PseudoTCP{
		rel:      reliable.New(),
		str:      stream.New(nagle),
		cwnd:     ptcpInitCwnd,
		ssthresh: ptcpInitSsthresh,
	}
}

// Init records the link. There is no handshake; the plug-in is ready at
// once.
func (p *PseudoTCP) Init(send func(payload []byte)) error {
	p.send = send
	p.ready = true
	return nil
}

func (p *PseudoTCP) IsReady() bool { return p.ready && !p.closed }

// Err returns the terminal failure, if any.
func (p *PseudoTCP) Err() error { return p.failed }

// Cwnd exposes the congestion window for stats.
func (p *PseudoTCP) Cwnd() float64 { return p.cwnd }

func (p *PseudoTCP) SendData(b []byte) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	if !p.ready {
		return 0, ErrNotReady
	}
	return p.str.Write(b), nil
}

func (p *PseudoTCP) Recv(b []byte) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	return p.str.Read(b), nil
}

// Tick admits up to cwnd packets into the window, transmits, and emits the
// current ACK state.
func (p *PseudoTCP) Tick(now time.Time) {
	if !p.ready || p.closed || p.failed != nil {
		return
	}
	budget := int(p.cwnd) - p.rel.InFlight()
	if budget > 0 {
		p.str.FlushBudget(p.rel, budget)
	}
	before := p.rel.Retransmits
	if err := p.rel.Tick(now, p.sendDATA); err != nil {
		p.failed = err
		return
	}
	if p.rel.Retransmits > before {
		// Timeout loss: collapse to slow start.
		p.ssthresh = maxf(p.cwnd/2, ptcpMinCwnd)
		p.cwnd = ptcpMinCwnd
	}
	p.sendACK()
	p.str.FeedFromReliable(p.rel)
}

func (p *PseudoTCP) sendDATA(seq uint16, payload []byte) bool {
	p.send(protocol.Encode(protocol.Header{Type: protocol.TypeData, Seq: seq}, payload))
	return true
}

func (p *PseudoTCP) sendACK() {
	ack := p.rel.BuildAck()
	p.send(protocol.Encode(protocol.Header{Type: protocol.TypeAck}, protocol.EncodeAck(&ack)))
}

// OnPacket consumes one DATA or ACK packet addressed to this plug-in.
func (p *PseudoTCP) OnPacket(b []byte) {
	if p.closed {
		return
	}
	hdr, body, err := protocol.DecodeHeader(b)
	if err != nil {
		return
	}
	now := time.Now()
	switch hdr.Type {
	case protocol.TypeData:
		p.rel.OnData(hdr.Seq, body)
		p.sendACK()
		p.str.FeedFromReliable(p.rel)
	case protocol.TypeAck:
		ack, err := protocol.DecodeAck(body)
		if err != nil {
			return
		}
		p.onAck(*ack, now)
	}
}

func (p *PseudoTCP) onAck(ack protocol.Ack, now time.Time) {
	if p.haveAck && ack.AckSeq == p.lastAck && p.rel.InFlight() > 0 {
		p.dupAcks++
		if p.dupAcks == ptcpDupAckThresh {
			// Fast retransmit + multiplicative decrease.
			p.rel.RetransmitBase(now, p.sendDATA)
			p.ssthresh = maxf(p.cwnd/2, ptcpMinCwnd)
			p.cwnd = p.ssthresh
		}
	} else if !p.haveAck || protocol.SeqDiff(ack.AckSeq, p.lastAck) > 0 {
		p.dupAcks = 0
		// Progress: slow start below ssthresh, congestion avoidance above.
		if p.cwnd < p.ssthresh {
			p.cwnd++
		} else {
			p.cwnd += 1 / p.cwnd
		}
		if p.cwnd > reliable.Window {
			p.cwnd = reliable.Window
		}
	}
	p.lastAck = ack.AckSeq
	p.haveAck = true
	p.rel.OnAck(ack, now)
}

func (p *PseudoTCP) Close() error {
	p.closed = true
	return nil
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
