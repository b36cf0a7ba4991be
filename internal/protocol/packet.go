// Package protocol defines the packet vocabulary shared by the data path,
// the NAT traversal machinery, and all three signaling modes. Every UDP
// datagram starts with the same 4-byte header; payload layouts per type are
// defined in payload.go.
package protocol

// Packet type constants. The numbering keeps signaling (0x80+) and relay
// extensions (0xA0+) out of the base protocol range so a single dispatch
// switch can route every inbound datagram.
const (
	// Hole punching and keepalive.
	TypePunch    uint8 = 0x01 // NAT hole punch probe
	TypePunchAck uint8 = 0x02 // punch confirmation, nominates the path
	TypePing     uint8 = 0x10 // keepalive request
	TypePong     uint8 = 0x11 // keepalive response

	// Peer-to-peer data transfer.
	TypeData uint8 = 0x20 // reliable payload
	TypeAck  uint8 = 0x21 // cumulative ack + SACK bitmap
	TypeFin  uint8 = 0x22 // graceful teardown, unacknowledged

	// Same-subnet shortcut.
	TypeRouteProbe    uint8 = 0x30 // LAN probe carrying the local UDP port
	TypeRouteProbeAck uint8 = 0x31 // LAN probe confirmation

	// COMPACT signaling (client <-> rendezvous server).
	TypeRegister    uint8 = 0x80 // register (local, remote) pair + candidates
	TypeRegisterAck uint8 = 0x81 // server ack: peer status, public endpoint
	TypePeerInfo    uint8 = 0x82 // candidate sync batch (seq=0 from server)
	TypePeerInfoAck uint8 = 0x83 // per-seq candidate batch confirmation
	TypeNatProbe    uint8 = 0x84 // NAT-type probe toward the probe port
	TypeNatProbeAck uint8 = 0x85 // second mapped address observation
	TypeUnregister  uint8 = 0x86 // best-effort deregistration on close
	TypePeerOff     uint8 = 0x87 // server notice: the peer vanished
	TypeAlive       uint8 = 0x88 // slot keepalive while registered or paired
	TypeAliveAck    uint8 = 0x89 // server confirmation of an ALIVE

	// Server-relayed variants, prefixed with a session_id (u64 BE).
	TypeRelayData        uint8 = 0xA0
	TypeRelayAck         uint8 = 0xA1
	TypeRelayPeerInfo    uint8 = 0xA2
	TypeRelayPeerInfoAck uint8 = 0xA3
)

// HeaderSize is the fixed header size: Type(1) + Flags(1) + Seq(2, BE).
const HeaderSize = 4

// MTU caps the total size of any UDP datagram, header included. Larger
// logical messages are fragmented by the stream layer, never by the codec.
const MTU = 1200

// MaxPayload bounds the payload of one reliable DATA slot.
const MaxPayload = 1024

// MaxCandidateCount is the hard decode limit on candidate_count fields.
// Anything above it is treated as a malformed datagram.
const MaxCandidateCount = 200

// PeerIDMax bounds a peer identifier: an opaque printable string that
// occupies a fixed NUL-padded 32-byte field on the wire.
const PeerIDMax = 32

// PEER_INFO header flags.
const (
	PeerInfoFlagFinal      uint8 = 0x01 // sender will trickle no more candidates
	PeerInfoFlagAddrUpdate uint8 = 0x02 // batch replaces instead of appending
)

// REGISTER_ACK flags.
const (
	RegisterAckFlagRelay uint8 = 0x01 // server offers relay fallback
)

// REGISTER_ACK status codes.
const (
	RegisterStatusOK     uint8 = 0 // registered
	RegisterStatusReject uint8 = 2 // malformed or over-capacity registration
)

// Header is the common 4-byte prefix of every UDP datagram.
type Header struct {
	Type  uint8
	Flags uint8
	Seq   uint16
}

// IsRelay reports whether the type carries a leading session_id and travels
// through the rendezvous server rather than the peer path.
func IsRelay(typ uint8) bool {
	return typ >= TypeRelayData && typ <= TypeRelayPeerInfoAck
}

// IsSignaling reports whether the type belongs to the COMPACT signaling
// exchange with the server (relay variants excluded).
func IsSignaling(typ uint8) bool {
	return typ >= TypeRegister && typ <= TypeAliveAck
}

// Known reports whether typ is part of the packet vocabulary. Unknown types
// are dropped at decode time.
func Known(typ uint8) bool {
	switch typ {
	case TypePunch, TypePunchAck, TypePing, TypePong,
		TypeData, TypeAck, TypeFin,
		TypeRouteProbe, TypeRouteProbeAck,
		TypeRegister, TypeRegisterAck, TypePeerInfo, TypePeerInfoAck,
		TypeNatProbe, TypeNatProbeAck, TypeUnregister, TypePeerOff,
		TypeAlive, TypeAliveAck,
		TypeRelayData, TypeRelayAck, TypeRelayPeerInfo, TypeRelayPeerInfoAck:
		return true
	}
	return false
}
