// Package reliable implements the packet-level ARQ: a fixed window of 256
// slots, cumulative + SACK acknowledgments, and an RTT-adaptive
// retransmission timeout. It is transport-agnostic: the session supplies
// the send function, which may emit DATA or RELAY_DATA.
package reliable

import (
	"errors"
	"time"

	"github.com/wirehole/wirehole/internal/protocol"
)

// Window is the fixed number of in-flight slots, W.
const Window = 256

// RTO bounds and seed.
const (
	RTOInit = 200 * time.Millisecond
	RTOMin  = 50 * time.Millisecond
	RTOMax  = 30 * time.Second
)

// RetxLimit is the per-slot retransmission threshold beyond which the
// session is considered failed.
const RetxLimit = 10

// ErrWindowFull is returned by Queue when all W slots are occupied.
var ErrWindowFull = errors.New("reliable: send window full")

// ErrTooLarge is returned by Queue for payloads above MaxPayload.
var ErrTooLarge = errors.New("reliable: payload exceeds max")

// ErrRetxExceeded is reported by Tick when a slot has been retransmitted
// past RetxLimit; the session must transition to Error.
var ErrRetxExceeded = errors.New("reliable: retransmission limit exceeded")

type slot struct {
	seq      uint16
	data     []byte
	sendTime time.Time // zero = queued but never transmitted
	retx     int       // -1 until the first transmission
	acked    bool
}

// SendFunc transmits one DATA payload with the given sequence number.
// Returning false aborts the current tick (socket backpressure).
type SendFunc func(seq uint16, payload []byte) bool

// Reliable holds both directions of the ARQ state.
type Reliable struct {
	sendBuf   [Window]slot
	sendBase  uint16 // lowest unacked seq
	sendSeq   uint16 // next seq to allocate
	sendCount int    // occupied slots

	recvBase   uint16
	recvBitmap [Window]bool
	recvData   [Window][]byte

	srtt   time.Duration
	rttvar time.Duration
	rto    time.Duration

	// Counters surfaced through the session stats accessor.
	Retransmits   uint64
	DupDatagrams  uint64
	OutOfWindow   uint64
	AcksProcessed uint64
}

// New creates an empty window with the initial RTO.
func New() *Reliable {
	return &Reliable{rto: RTOInit}
}

// RTO returns the current retransmission timeout.
func (r *Reliable) RTO() time.Duration { return r.rto }

// SRTT returns the smoothed round-trip estimate (zero before the first
// sample).
func (r *Reliable) SRTT() time.Duration { return r.srtt }

// WindowAvail returns the number of free send slots.
func (r *Reliable) WindowAvail() int { return Window - r.sendCount }

// InFlight returns the number of occupied send slots.
func (r *Reliable) InFlight() int { return r.sendCount }

// Queue copies one packet into the next send slot. The packet is
// transmitted on the following Tick.
func (r *Reliable) Queue(payload []byte) error {
	if r.sendCount >= Window {
		return ErrWindowFull
	}
	if len(payload) > protocol.MaxPayload {
		return ErrTooLarge
	}
	e := &r.sendBuf[int(r.sendSeq)%Window]
	e.seq = r.sendSeq
	e.data = append(e.data[:0], payload...)
	e.sendTime = time.Time{}
	e.retx = -1
	e.acked = false
	r.sendSeq++
	r.sendCount++
	return nil
}

// Tick walks the live window transmitting fresh slots and retransmitting
// timed-out ones. Each retransmission doubles the session RTO up to RTOMax.
// Returns ErrRetxExceeded once any slot passes RetxLimit.
func (r *Reliable) Tick(now time.Time, send SendFunc) error {
	for seq := r.sendBase; protocol.SeqDiff(seq, r.sendSeq) < 0; seq++ {
		e := &r.sendBuf[int(seq)%Window]
		if e.acked || e.seq != seq {
			continue
		}
		switch {
		case e.sendTime.IsZero():
			if !send(e.seq, e.data) {
				return nil
			}
			e.sendTime = now
			e.retx = 0
		case now.Sub(e.sendTime) >= r.rto:
			if e.retx >= RetxLimit {
				return ErrRetxExceeded
			}
			if !send(e.seq, e.data) {
				return nil
			}
			e.sendTime = now
			e.retx++
			r.Retransmits++
			r.rto *= 2
			if r.rto > RTOMax {
				r.rto = RTOMax
			}
		}
	}
	return nil
}

// RetransmitBase resends the base slot immediately without backing off the
// session RTO. Congestion controllers call this on duplicate-ack detection.
func (r *Reliable) RetransmitBase(now time.Time, send SendFunc) {
	e := &r.sendBuf[int(r.sendBase)%Window]
	if e.seq != r.sendBase || e.acked || e.sendTime.IsZero() {
		return
	}
	if send(e.seq, e.data) {
		e.sendTime = now
		e.retx++
		r.Retransmits++
	}
}

// OnData stores an inbound DATA packet. Out-of-window packets leave the
// receive state unchanged; the caller still answers with a current ACK.
// Returns true when the packet was newly stored.
func (r *Reliable) OnData(seq uint16, payload []byte) bool {
	if !protocol.SeqInWindow(seq, r.recvBase, Window) {
		r.OutOfWindow++
		return false
	}
	idx := int(seq) % Window
	if r.recvBitmap[idx] {
		r.DupDatagrams++
		return false
	}
	r.recvData[idx] = append([]byte(nil), payload...)
	r.recvBitmap[idx] = true
	return true
}

// NextReady returns the length of the next in-order packet, or -1 when
// recv_base has not arrived yet.
func (r *Reliable) NextReady() int {
	idx := int(r.recvBase) % Window
	if !r.recvBitmap[idx] {
		return -1
	}
	return len(r.recvData[idx])
}

// RecvNext pops the next in-order packet, advancing recv_base. Returns nil
// when nothing is deliverable.
func (r *Reliable) RecvNext() []byte {
	idx := int(r.recvBase) % Window
	if !r.recvBitmap[idx] {
		return nil
	}
	data := r.recvData[idx]
	r.recvData[idx] = nil
	r.recvBitmap[idx] = false
	r.recvBase++
	return data
}

// BuildAck snapshots the receive state: ack_seq is the cumulative
// recv_base; sack bit i is set iff slot recv_base+1+i is present. The loop
// stops at W-1 so the cursor never wraps onto recv_base's own slot.
func (r *Reliable) BuildAck() protocol.Ack {
	ack := protocol.Ack{AckSeq: r.recvBase}
	for i := 0; i < 32 && i < Window-1; i++ {
		if r.recvBitmap[int(r.recvBase+1+uint16(i))%Window] {
			ack.SackBits |= 1 << uint(i)
		}
	}
	return ack
}

// OnAck releases acknowledged slots and updates the RTT estimators from
// slots that were sent exactly once (Karn's rule).
func (r *Reliable) OnAck(ack protocol.Ack, now time.Time) {
	r.AcksProcessed++

	// Cumulative portion: everything below ack_seq. Clamped to sendSeq so a
	// bogus ack cannot run past the allocated window.
	for protocol.SeqDiff(ack.AckSeq, r.sendBase) > 0 && protocol.SeqDiff(r.sendSeq, r.sendBase) > 0 {
		r.ackSlot(r.sendBase, now)
		r.sendBase++
	}

	// Selective portion: bit i covers ack_seq+1+i.
	for i := 0; i < 32; i++ {
		if ack.SackBits&(1<<uint(i)) == 0 {
			continue
		}
		seq := ack.AckSeq + 1 + uint16(i)
		if protocol.SeqInWindow(seq, r.sendBase, Window) && protocol.SeqDiff(seq, r.sendSeq) < 0 {
			r.ackSlot(seq, now)
		}
	}

	// Slide the base past selectively acked slots.
	for r.sendCount > 0 {
		e := &r.sendBuf[int(r.sendBase)%Window]
		if e.seq != r.sendBase || !e.acked {
			break
		}
		r.sendBase++
	}
}

func (r *Reliable) ackSlot(seq uint16, now time.Time) {
	e := &r.sendBuf[int(seq)%Window]
	if e.seq != seq || e.acked {
		return
	}
	e.acked = true
	r.sendCount--
	if e.retx == 0 && !e.sendTime.IsZero() {
		r.updateRTT(now.Sub(e.sendTime))
	}
}

// updateRTT applies the Jacobson/Karels estimator:
// rttvar = (3*rttvar + |srtt-rtt|)/4, srtt = (7*srtt + rtt)/8,
// rto = clamp(srtt + 4*rttvar, RTOMin, RTOMax).
func (r *Reliable) updateRTT(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	if r.srtt == 0 {
		r.srtt = rtt
		r.rttvar = rtt / 2
	} else {
		dev := r.srtt - rtt
		if dev < 0 {
			dev = -dev
		}
		r.rttvar = (3*r.rttvar + dev) / 4
		r.srtt = (7*r.srtt + rtt) / 8
	}
	r.rto = r.srtt + 4*r.rttvar
	if r.rto < RTOMin {
		r.rto = RTOMin
	}
	if r.rto > RTOMax {
		r.rto = RTOMax
	}
}
