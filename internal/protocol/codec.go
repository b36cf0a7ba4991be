package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
)

// ErrMalformed marks any datagram or frame that fails structural validation.
// Malformed datagrams are dropped by the session; they never fail it.
var ErrMalformed = errors.New("malformed packet")

// EncodeHeader writes the 4-byte header into buf and returns HeaderSize.
// buf must hold at least HeaderSize bytes.
func EncodeHeader(buf []byte, hdr Header) int {
	buf[0] = hdr.Type
	buf[1] = hdr.Flags
	binary.BigEndian.PutUint16(buf[2:4], hdr.Seq)
	return HeaderSize
}

// DecodeHeader parses the 4-byte header and returns the remaining body.
// Unknown types and short datagrams yield ErrMalformed.
func DecodeHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes, need %d", ErrMalformed, len(data), HeaderSize)
	}
	hdr := Header{
		Type:  data[0],
		Flags: data[1],
		Seq:   binary.BigEndian.Uint16(data[2:4]),
	}
	if !Known(hdr.Type) {
		return Header{}, nil, fmt.Errorf("%w: unknown type 0x%02x", ErrMalformed, hdr.Type)
	}
	return hdr, data[HeaderSize:], nil
}

// Encode assembles a full datagram: header followed by payload.
func Encode(hdr Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	EncodeHeader(buf, hdr)
	copy(buf[HeaderSize:], payload)
	return buf
}

// ---------------------------------------------------------------------------
// Endpoint wire form
// ---------------------------------------------------------------------------

// EndpointSize is the fixed on-wire endpoint form used wherever endpoints
// cross sessions: {family:u32, port:u32, ip:u32}, all big-endian.
const EndpointSize = 12

// afInet mirrors the address family tag of the wire form. Only IPv4
// endpoints are representable.
const afInet = 2

// Endpoint is an (IPv4 address, UDP port) pair.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

// EndpointFromUDPAddr converts a resolved UDP address. Non-IPv4 addresses
// yield the zero Endpoint.
func EndpointFromUDPAddr(addr *net.UDPAddr) Endpoint {
	var ep Endpoint
	if addr == nil {
		return ep
	}
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(ep.IP[:], ip4)
		ep.Port = uint16(addr.Port)
	}
	return ep
}

// UDPAddr converts back to a net.UDPAddr for socket operations.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(e.IP[:]), Port: int(e.Port)}
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e == Endpoint{}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.IP[0], e.IP[1], e.IP[2], e.IP[3], e.Port)
}

// PutEndpoint writes the 12-byte wire form and returns EndpointSize.
func PutEndpoint(buf []byte, e Endpoint) int {
	binary.BigEndian.PutUint32(buf[0:4], afInet)
	binary.BigEndian.PutUint32(buf[4:8], uint32(e.Port))
	copy(buf[8:12], e.IP[:])
	return EndpointSize
}

// GetEndpoint parses the 12-byte wire form.
func GetEndpoint(buf []byte) (Endpoint, error) {
	if len(buf) < EndpointSize {
		return Endpoint{}, fmt.Errorf("%w: endpoint needs %d bytes", ErrMalformed, EndpointSize)
	}
	if binary.BigEndian.Uint32(buf[0:4]) != afInet {
		return Endpoint{}, fmt.Errorf("%w: unsupported address family", ErrMalformed)
	}
	var e Endpoint
	e.Port = uint16(binary.BigEndian.Uint32(buf[4:8]))
	copy(e.IP[:], buf[8:12])
	return e, nil
}

// ---------------------------------------------------------------------------
// Candidates
// ---------------------------------------------------------------------------

// CandidateKind classifies how a candidate endpoint was discovered.
type CandidateKind uint8

const (
	CandidateHost            CandidateKind = 0 // local interface address
	CandidateServerReflexive CandidateKind = 1 // STUN-observed public mapping
	CandidateRelay           CandidateKind = 2 // TURN-allocated relay address
	CandidatePeerReflexive   CandidateKind = 3 // learned from an inbound check
)

func (k CandidateKind) String() string {
	switch k {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidateRelay:
		return "relay"
	case CandidatePeerReflexive:
		return "prflx"
	}
	return "unknown"
}

// CandidateSize is the on-wire candidate record: [kind:1][endpoint:12][priority:4].
const CandidateSize = 1 + EndpointSize + 4

// Candidate is a (kind, endpoint, priority) triple advertised as a possible
// receive location.
type Candidate struct {
	Kind     CandidateKind
	Endpoint Endpoint
	Priority uint32
}

// PutCandidate writes one candidate record and returns CandidateSize.
func PutCandidate(buf []byte, c Candidate) int {
	buf[0] = uint8(c.Kind)
	n := 1
	n += PutEndpoint(buf[n:], c.Endpoint)
	binary.BigEndian.PutUint32(buf[n:], c.Priority)
	return n + 4
}

// GetCandidate parses one candidate record.
func GetCandidate(buf []byte) (Candidate, error) {
	if len(buf) < CandidateSize {
		return Candidate{}, fmt.Errorf("%w: candidate needs %d bytes", ErrMalformed, CandidateSize)
	}
	var c Candidate
	c.Kind = CandidateKind(buf[0])
	if c.Kind > CandidatePeerReflexive {
		return Candidate{}, fmt.Errorf("%w: candidate kind %d", ErrMalformed, buf[0])
	}
	ep, err := GetEndpoint(buf[1:])
	if err != nil {
		return Candidate{}, err
	}
	c.Endpoint = ep
	c.Priority = binary.BigEndian.Uint32(buf[1+EndpointSize:])
	return c, nil
}

// putCandidates appends count byte + records; caller guarantees capacity.
func putCandidates(buf []byte, cands []Candidate) int {
	buf[0] = uint8(len(cands))
	n := 1
	for _, c := range cands {
		n += PutCandidate(buf[n:], c)
	}
	return n
}

// getCandidates parses a count byte followed by that many records.
func getCandidates(buf []byte) ([]Candidate, int, error) {
	if len(buf) < 1 {
		return nil, 0, fmt.Errorf("%w: missing candidate count", ErrMalformed)
	}
	count := int(buf[0])
	if count > MaxCandidateCount {
		return nil, 0, fmt.Errorf("%w: candidate count %d exceeds %d", ErrMalformed, count, MaxCandidateCount)
	}
	n := 1
	cands := make([]Candidate, 0, count)
	for i := 0; i < count; i++ {
		c, err := GetCandidate(buf[n:])
		if err != nil {
			return nil, 0, err
		}
		cands = append(cands, c)
		n += CandidateSize
	}
	return cands, n, nil
}

// ---------------------------------------------------------------------------
// Peer IDs
// ---------------------------------------------------------------------------

// putPeerID writes a NUL-padded fixed 32-byte peer id field.
func putPeerID(buf []byte, id string) int {
	for i := 0; i < PeerIDMax; i++ {
		buf[i] = 0
	}
	n := len(id)
	if n > PeerIDMax-1 {
		n = PeerIDMax - 1
	}
	copy(buf, id[:n])
	return PeerIDMax
}

// getPeerID reads a NUL-padded fixed 32-byte peer id field.
func getPeerID(buf []byte) string {
	end := 0
	for end < PeerIDMax && buf[end] != 0 {
		end++
	}
	return string(buf[:end])
}
