package protocol

import (
	"encoding/binary"
	"fmt"
)

// Payload layouts per packet type. All multi-byte integers are big-endian.

// ---------------------------------------------------------------------------
// Signaling payload (RELAY / PUBSUB modes)
// ---------------------------------------------------------------------------

// SignalingPayloadHeaderSize is the fixed header preceding the candidate
// records in OFFER/ANSWER/FORWARD bodies:
// [sender:32][target:32][timestamp:u32][delay_trigger:u32][candidate_count:u32].
const SignalingPayloadHeaderSize = 76

// SignalingPayload carries one side's identity and candidate set through an
// out-of-band signaling channel.
type SignalingPayload struct {
	Sender       string
	Target       string
	Timestamp    uint32
	DelayTrigger uint32 // delay before the recipient starts punching, ms
	Candidates   []Candidate
}

// EncodeSignalingPayload serializes the payload header plus candidates.
func EncodeSignalingPayload(p *SignalingPayload) []byte {
	buf := make([]byte, SignalingPayloadHeaderSize+len(p.Candidates)*CandidateSize)
	n := putPeerID(buf, p.Sender)
	n += putPeerID(buf[n:], p.Target)
	binary.BigEndian.PutUint32(buf[n:], p.Timestamp)
	n += 4
	binary.BigEndian.PutUint32(buf[n:], p.DelayTrigger)
	n += 4
	binary.BigEndian.PutUint32(buf[n:], uint32(len(p.Candidates)))
	n += 4
	for _, c := range p.Candidates {
		n += PutCandidate(buf[n:], c)
	}
	return buf
}

// DecodeSignalingPayload parses a payload header plus candidates.
func DecodeSignalingPayload(data []byte) (*SignalingPayload, error) {
	if len(data) < SignalingPayloadHeaderSize {
		return nil, fmt.Errorf("%w: signaling payload needs %d bytes", ErrMalformed, SignalingPayloadHeaderSize)
	}
	p := &SignalingPayload{
		Sender: getPeerID(data[0:]),
		Target: getPeerID(data[PeerIDMax:]),
	}
	n := 2 * PeerIDMax
	p.Timestamp = binary.BigEndian.Uint32(data[n:])
	n += 4
	p.DelayTrigger = binary.BigEndian.Uint32(data[n:])
	n += 4
	count := binary.BigEndian.Uint32(data[n:])
	n += 4
	if count > MaxCandidateCount {
		return nil, fmt.Errorf("%w: candidate count %d exceeds %d", ErrMalformed, count, MaxCandidateCount)
	}
	if len(data) < n+int(count)*CandidateSize {
		return nil, fmt.Errorf("%w: truncated candidate list", ErrMalformed)
	}
	p.Candidates = make([]Candidate, 0, count)
	for i := uint32(0); i < count; i++ {
		c, err := GetCandidate(data[n:])
		if err != nil {
			return nil, err
		}
		p.Candidates = append(p.Candidates, c)
		n += CandidateSize
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// COMPACT signaling payloads
// ---------------------------------------------------------------------------

// Register is the REGISTER payload:
// [local_peer_id:32][remote_peer_id:32][candidate_count:u8][candidates...].
type Register struct {
	LocalID    string
	RemoteID   string
	Candidates []Candidate
}

func EncodeRegister(r *Register) []byte {
	buf := make([]byte, 2*PeerIDMax+1+len(r.Candidates)*CandidateSize)
	n := putPeerID(buf, r.LocalID)
	n += putPeerID(buf[n:], r.RemoteID)
	putCandidates(buf[n:], r.Candidates)
	return buf
}

func DecodeRegister(data []byte) (*Register, error) {
	if len(data) < 2*PeerIDMax+1 {
		return nil, fmt.Errorf("%w: short REGISTER", ErrMalformed)
	}
	r := &Register{
		LocalID:  getPeerID(data[0:]),
		RemoteID: getPeerID(data[PeerIDMax:]),
	}
	cands, _, err := getCandidates(data[2*PeerIDMax:])
	if err != nil {
		return nil, err
	}
	r.Candidates = cands
	return r, nil
}

// RegisterAck is the REGISTER_ACK payload:
// [status:u8][peer_online:u8][max_cands:u8][flags:u8][public_endpoint:12][probe_port:u16].
type RegisterAck struct {
	Status         uint8
	PeerOnline     uint8
	MaxCandidates  uint8
	Flags          uint8
	PublicEndpoint Endpoint // client's server-observed mapped address
	ProbePort      uint16   // 0 = NAT probe unsupported
}

const registerAckSize = 4 + EndpointSize + 2

func EncodeRegisterAck(a *RegisterAck) []byte {
	buf := make([]byte, registerAckSize)
	buf[0] = a.Status
	buf[1] = a.PeerOnline
	buf[2] = a.MaxCandidates
	buf[3] = a.Flags
	n := 4 + PutEndpoint(buf[4:], a.PublicEndpoint)
	binary.BigEndian.PutUint16(buf[n:], a.ProbePort)
	return buf
}

func DecodeRegisterAck(data []byte) (*RegisterAck, error) {
	if len(data) < registerAckSize {
		return nil, fmt.Errorf("%w: short REGISTER_ACK", ErrMalformed)
	}
	ep, err := GetEndpoint(data[4:])
	if err != nil {
		return nil, err
	}
	return &RegisterAck{
		Status:         data[0],
		PeerOnline:     data[1],
		MaxCandidates:  data[2],
		Flags:          data[3],
		PublicEndpoint: ep,
		ProbePort:      binary.BigEndian.Uint16(data[4+EndpointSize:]),
	}, nil
}

// PeerInfo is the PEER_INFO payload:
// [session_id:u64][base:u8][candidate_count:u8][candidates...].
// The packet header's Seq orders batches; seq=0 is the server's bilateral
// initial exchange, seq>=1 are peer-to-peer trickle batches.
type PeerInfo struct {
	SessionID  uint64
	Base       uint8 // count of candidates the recipient already holds
	Candidates []Candidate
}

func EncodePeerInfo(p *PeerInfo) []byte {
	buf := make([]byte, 8+1+1+len(p.Candidates)*CandidateSize)
	binary.BigEndian.PutUint64(buf, p.SessionID)
	buf[8] = p.Base
	putCandidates(buf[9:], p.Candidates)
	return buf
}

func DecodePeerInfo(data []byte) (*PeerInfo, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("%w: short PEER_INFO", ErrMalformed)
	}
	p := &PeerInfo{
		SessionID: binary.BigEndian.Uint64(data),
		Base:      data[8],
	}
	cands, _, err := getCandidates(data[9:])
	if err != nil {
		return nil, err
	}
	p.Candidates = cands
	return p, nil
}

// PeerInfoAck is the PEER_INFO_ACK payload: [session_id:u64][ack_seq:u16].
type PeerInfoAck struct {
	SessionID uint64
	AckSeq    uint16
}

func EncodePeerInfoAck(a *PeerInfoAck) []byte {
	buf := make([]byte, 10)
	binary.BigEndian.PutUint64(buf, a.SessionID)
	binary.BigEndian.PutUint16(buf[8:], a.AckSeq)
	return buf
}

func DecodePeerInfoAck(data []byte) (*PeerInfoAck, error) {
	if len(data) < 10 {
		return nil, fmt.Errorf("%w: short PEER_INFO_ACK", ErrMalformed)
	}
	return &PeerInfoAck{
		SessionID: binary.BigEndian.Uint64(data),
		AckSeq:    binary.BigEndian.Uint16(data[8:]),
	}, nil
}

// PeerOff is the PEER_OFF payload: [session_id:u64].
type PeerOff struct {
	SessionID uint64
}

func EncodePeerOff(p *PeerOff) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, p.SessionID)
	return buf
}

func DecodePeerOff(data []byte) (*PeerOff, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: short PEER_OFF", ErrMalformed)
	}
	return &PeerOff{SessionID: binary.BigEndian.Uint64(data)}, nil
}

// ---------------------------------------------------------------------------
// NAT-type probe
// ---------------------------------------------------------------------------

// NatProbe is the NAT_PROBE payload: [request_id:u16][reserved:u16].
type NatProbe struct {
	RequestID uint16
}

func EncodeNatProbe(p *NatProbe) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf, p.RequestID)
	return buf
}

func DecodeNatProbe(data []byte) (*NatProbe, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: short NAT_PROBE", ErrMalformed)
	}
	return &NatProbe{RequestID: binary.BigEndian.Uint16(data)}, nil
}

// NatProbeAck is the NAT_PROBE_ACK payload:
// [request_id:u16][reserved:u16][mapped_endpoint:12]: the source address the
// probe port observed, i.e. the second NAT mapping.
type NatProbeAck struct {
	RequestID uint16
	Mapped    Endpoint
}

func EncodeNatProbeAck(p *NatProbeAck) []byte {
	buf := make([]byte, 4+EndpointSize)
	binary.BigEndian.PutUint16(buf, p.RequestID)
	PutEndpoint(buf[4:], p.Mapped)
	return buf
}

func DecodeNatProbeAck(data []byte) (*NatProbeAck, error) {
	if len(data) < 4+EndpointSize {
		return nil, fmt.Errorf("%w: short NAT_PROBE_ACK", ErrMalformed)
	}
	ep, err := GetEndpoint(data[4:])
	if err != nil {
		return nil, err
	}
	return &NatProbeAck{RequestID: binary.BigEndian.Uint16(data), Mapped: ep}, nil
}

// ---------------------------------------------------------------------------
// Route probe
// ---------------------------------------------------------------------------

// RouteProbe is the ROUTE_PROBE payload: [local_udp_port:u16].
type RouteProbe struct {
	Port uint16
}

func EncodeRouteProbe(p *RouteProbe) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, p.Port)
	return buf
}

func DecodeRouteProbe(data []byte) (*RouteProbe, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: short ROUTE_PROBE", ErrMalformed)
	}
	return &RouteProbe{Port: binary.BigEndian.Uint16(data)}, nil
}

// ---------------------------------------------------------------------------
// Reliable-transport ACK
// ---------------------------------------------------------------------------

// AckSize is the ACK payload size: [ack_seq:u16][sack_bits:u32].
const AckSize = 6

// Ack is the cumulative + selective acknowledgment for the reliable window.
// AckSeq is the receiver's recv_base; sack bit i covers slot recv_base+1+i.
type Ack struct {
	AckSeq   uint16
	SackBits uint32
}

func EncodeAck(a *Ack) []byte {
	buf := make([]byte, AckSize)
	binary.BigEndian.PutUint16(buf, a.AckSeq)
	binary.BigEndian.PutUint32(buf[2:], a.SackBits)
	return buf
}

func DecodeAck(data []byte) (*Ack, error) {
	if len(data) < AckSize {
		return nil, fmt.Errorf("%w: short ACK", ErrMalformed)
	}
	return &Ack{
		AckSeq:   binary.BigEndian.Uint16(data),
		SackBits: binary.BigEndian.Uint32(data[2:]),
	}, nil
}

// ---------------------------------------------------------------------------
// Relay prefix
// ---------------------------------------------------------------------------

// EncodeRelay prepends the 8-byte session id to an inner payload, producing
// the body of any RELAY_* packet.
func EncodeRelay(sessionID uint64, inner []byte) []byte {
	buf := make([]byte, 8+len(inner))
	binary.BigEndian.PutUint64(buf, sessionID)
	copy(buf[8:], inner)
	return buf
}

// DecodeRelay splits a RELAY_* body into session id and inner payload.
func DecodeRelay(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("%w: relay body needs a session id", ErrMalformed)
	}
	return binary.BigEndian.Uint64(data), data[8:], nil
}
