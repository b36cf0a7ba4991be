package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// TCP signaling framing (RELAY mode):
// {magic:u32, type:u8, length:u32} big-endian, then length bytes of body.

// FrameMagic opens every frame on the relay signaling channel.
const FrameMagic uint32 = 0xA1B2C3D4

// MaxFrameBody caps the body length; anything beyond it terminates the
// TCP connection.
const MaxFrameBody = 128 * 1024

// frameHeaderSize = magic(4) + type(1) + length(4).
const frameHeaderSize = 9

// Relay signaling message types.
const (
	RelayLogin      uint8 = 1  // Client -> Server: {name}
	RelayLoginAck   uint8 = 2  // Server -> Client: {status}
	RelayConnect    uint8 = 3  // Client -> Server: {target, payload}
	RelayOffer      uint8 = 4  // Server -> Target: {sender, flags, payload}
	RelayAnswer     uint8 = 5  // Target -> Server: {target, payload}
	RelayForward    uint8 = 6  // Server -> Client: {sender, payload}
	RelayConnectAck uint8 = 7  // Server -> Client: {status, candidates_acked}
	RelayHeartbeat  uint8 = 8  // Client -> Server, empty body
	RelayList       uint8 = 9  // Client -> Server, empty body
	RelayListRes    uint8 = 10 // Server -> Client: {count, names}
)

// CONNECT_ACK status codes.
const (
	ConnectStatusOK          uint8 = 0 // target online, payload forwarded
	ConnectStatusPeerOffline uint8 = 1 // cached, room remains
	ConnectStatusStorageFull uint8 = 2 // cache exhausted, stop sending
)

// OFFER flags.
const (
	// OfferFlagReverse asks the recipient to immediately issue its own
	// CONNECT: the server could not cache the sender's candidates.
	OfferFlagReverse uint8 = 0x01
)

// WriteFrame writes one framed message.
func WriteFrame(w io.Writer, typ uint8, body []byte) error {
	if len(body) > MaxFrameBody {
		return fmt.Errorf("frame body %d exceeds cap %d", len(body), MaxFrameBody)
	}
	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf, FrameMagic)
	buf[4] = typ
	binary.BigEndian.PutUint32(buf[5:], uint32(len(body)))
	copy(buf[frameHeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one framed message. A magic mismatch or an oversized
// length is a framing violation: the caller must terminate the connection.
func ReadFrame(r io.Reader) (uint8, []byte, error) {
	hdr := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return 0, nil, err
	}
	if binary.BigEndian.Uint32(hdr) != FrameMagic {
		return 0, nil, fmt.Errorf("%w: bad frame magic", ErrMalformed)
	}
	typ := hdr[4]
	length := binary.BigEndian.Uint32(hdr[5:])
	if length > MaxFrameBody {
		return 0, nil, fmt.Errorf("%w: frame length %d exceeds cap", ErrMalformed, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return typ, body, nil
}

// ---------------------------------------------------------------------------
// Frame bodies
// ---------------------------------------------------------------------------

// EncodeLogin builds a LOGIN body: [name:32].
func EncodeLogin(name string) []byte {
	buf := make([]byte, PeerIDMax)
	putPeerID(buf, name)
	return buf
}

// DecodeLogin parses a LOGIN body.
func DecodeLogin(body []byte) (string, error) {
	if len(body) < PeerIDMax {
		return "", fmt.Errorf("%w: short LOGIN", ErrMalformed)
	}
	return getPeerID(body), nil
}

// EncodeConnect builds a CONNECT/ANSWER body: [target:32][payload...].
func EncodeConnect(target string, payload []byte) []byte {
	buf := make([]byte, PeerIDMax+len(payload))
	putPeerID(buf, target)
	copy(buf[PeerIDMax:], payload)
	return buf
}

// DecodeConnect parses a CONNECT/ANSWER body.
func DecodeConnect(body []byte) (string, []byte, error) {
	if len(body) < PeerIDMax {
		return "", nil, fmt.Errorf("%w: short CONNECT", ErrMalformed)
	}
	return getPeerID(body), body[PeerIDMax:], nil
}

// EncodeOffer builds an OFFER body: [sender:32][flags:u8][payload...].
func EncodeOffer(sender string, flags uint8, payload []byte) []byte {
	buf := make([]byte, PeerIDMax+1+len(payload))
	putPeerID(buf, sender)
	buf[PeerIDMax] = flags
	copy(buf[PeerIDMax+1:], payload)
	return buf
}

// DecodeOffer parses an OFFER body.
func DecodeOffer(body []byte) (string, uint8, []byte, error) {
	if len(body) < PeerIDMax+1 {
		return "", 0, nil, fmt.Errorf("%w: short OFFER", ErrMalformed)
	}
	return getPeerID(body), body[PeerIDMax], body[PeerIDMax+1:], nil
}

// EncodeForward builds a FORWARD body: [sender:32][payload...].
func EncodeForward(sender string, payload []byte) []byte {
	buf := make([]byte, PeerIDMax+len(payload))
	putPeerID(buf, sender)
	copy(buf[PeerIDMax:], payload)
	return buf
}

// DecodeForward parses a FORWARD body.
func DecodeForward(body []byte) (string, []byte, error) {
	if len(body) < PeerIDMax {
		return "", nil, fmt.Errorf("%w: short FORWARD", ErrMalformed)
	}
	return getPeerID(body), body[PeerIDMax:], nil
}

// ConnectAck is the CONNECT_ACK body: [status:u8][candidates_acked:u8][reserved:u16].
type ConnectAck struct {
	Status          uint8
	CandidatesAcked uint8
}

func EncodeConnectAck(a *ConnectAck) []byte {
	buf := make([]byte, 4)
	buf[0] = a.Status
	buf[1] = a.CandidatesAcked
	return buf
}

func DecodeConnectAck(body []byte) (*ConnectAck, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: short CONNECT_ACK", ErrMalformed)
	}
	return &ConnectAck{Status: body[0], CandidatesAcked: body[1]}, nil
}

// EncodeListRes builds a LIST_RES body: [count:u16][name:32]*count.
func EncodeListRes(names []string) []byte {
	buf := make([]byte, 2+len(names)*PeerIDMax)
	binary.BigEndian.PutUint16(buf, uint16(len(names)))
	n := 2
	for _, name := range names {
		n += putPeerID(buf[n:], name)
	}
	return buf
}

// DecodeListRes parses a LIST_RES body.
func DecodeListRes(body []byte) ([]string, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("%w: short LIST_RES", ErrMalformed)
	}
	count := int(binary.BigEndian.Uint16(body))
	if len(body) < 2+count*PeerIDMax {
		return nil, fmt.Errorf("%w: truncated LIST_RES", ErrMalformed)
	}
	names := make([]string, 0, count)
	for i := 0; i < count; i++ {
		names = append(names, getPeerID(body[2+i*PeerIDMax:]))
	}
	return names, nil
}
