package stream

import (
	"github.com/wirehole/wirehole/internal/protocol"
	"github.com/wirehole/wirehole/internal/reliable"
)

// Stream owns the user-facing byte rings and moves data between them and
// the reliable window. No framing is preserved: this is a byte stream.
type Stream struct {
	sendRing *Ring
	recvRing *Ring

	// Nagle-style batching: hold back a trailing partial fragment while
	// earlier fragments are still in flight.
	nagle bool
}

// New creates a stream with the default 64 KiB rings.
func New(nagle bool) *Stream {
	return &Stream{
		sendRing: NewRing(DefaultRingSize),
		recvRing: NewRing(DefaultRingSize),
		nagle:    nagle,
	}
}

// Write buffers outbound bytes, short-writing when the send ring is full.
func (s *Stream) Write(p []byte) int {
	return s.sendRing.Write(p)
}

// Read drains inbound in-order bytes, returning 0 when none are pending.
func (s *Stream) Read(p []byte) int {
	return s.recvRing.Read(p)
}

// PendingSend returns the bytes buffered but not yet handed to the
// reliable layer.
func (s *Stream) PendingSend() int {
	return s.sendRing.Used()
}

// PendingRecv returns the bytes ready for Read.
func (s *Stream) PendingRecv() int {
	return s.recvRing.Used()
}

// FlushToReliable fragments pending send bytes into MaxPayload chunks and
// queues them while the window permits. Returns the number of packets
// queued.
func (s *Stream) FlushToReliable(r *reliable.Reliable) int {
	return s.FlushBudget(r, reliable.Window)
}

// FlushBudget is FlushToReliable capped at max packets, letting a
// congestion controller meter how much enters the window per tick.
func (s *Stream) FlushBudget(r *reliable.Reliable, max int) int {
	queued := 0
	chunk := make([]byte, protocol.MaxPayload)
	for queued < max && s.sendRing.Used() > 0 && r.WindowAvail() > 0 {
		n := s.sendRing.Peek(chunk)
		if s.nagle && n < protocol.MaxPayload && r.InFlight() > 0 {
			// Partial fragment while data is in flight: wait for more bytes.
			break
		}
		if err := r.Queue(chunk[:n]); err != nil {
			break
		}
		s.sendRing.Skip(n)
		queued++
	}
	return queued
}

// FeedFromReliable consumes in-order packets from the reliable receive
// window into the recv ring, stopping when the ring cannot hold the next
// packet. Returns the number of bytes delivered.
func (s *Stream) FeedFromReliable(r *reliable.Reliable) int {
	fed := 0
	for {
		n := r.NextReady()
		if n < 0 || n > s.recvRing.Free() {
			break
		}
		pkt := r.RecvNext()
		s.recvRing.Write(pkt)
		fed += len(pkt)
	}
	return fed
}
