package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHeaderRoundTrip verifies header encode/decode are inverse operations
// across the packet vocabulary.
func TestHeaderRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		hdr  Header
	}{
		{"punch", Header{Type: TypePunch}},
		{"data with seq", Header{Type: TypeData, Seq: 41235}},
		{"peer info with flags", Header{Type: TypePeerInfo, Flags: PeerInfoFlagFinal | PeerInfoFlagAddrUpdate, Seq: 3}},
		{"relay data", Header{Type: TypeRelayData, Seq: 65535}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			out := Encode(tc.hdr, []byte("body"))
			hdr, body, err := DecodeHeader(out)
			require.NoError(t, err)
			assert.Equal(t, tc.hdr, hdr)
			assert.Equal(t, []byte("body"), body)
		})
	}
}

func TestDecodeHeaderMalformed(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{TypeData, 0, 0}},
		{"unknown type", []byte{0x7f, 0, 0, 0}},
		{"zero type", []byte{0x00, 0, 0, 0}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := DecodeHeader(tc.data)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEndpointWireForm(t *testing.T) {
	ep := Endpoint{IP: [4]byte{203, 0, 113, 9}, Port: 40001}
	buf := make([]byte, EndpointSize)
	require.Equal(t, EndpointSize, PutEndpoint(buf, ep))

	// {family:u32=2}{port:u32}{ip:u32}, all big-endian.
	assert.Equal(t, []byte{0, 0, 0, 2}, buf[0:4])
	assert.Equal(t, []byte{0, 0, 0x9c, 0x41}, buf[4:8])
	assert.Equal(t, []byte{203, 0, 113, 9}, buf[8:12])

	got, err := GetEndpoint(buf)
	require.NoError(t, err)
	assert.Equal(t, ep, got)

	// Wrong address family is malformed, not coerced.
	buf[3] = 10
	_, err = GetEndpoint(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCandidateRoundTrip(t *testing.T) {
	c := Candidate{
		Kind:     CandidateServerReflexive,
		Endpoint: Endpoint{IP: [4]byte{198, 51, 100, 7}, Port: 3478},
		Priority: 0x01fffe00,
	}
	buf := make([]byte, CandidateSize)
	require.Equal(t, CandidateSize, PutCandidate(buf, c))

	got, err := GetCandidate(buf)
	require.NoError(t, err)
	assert.Equal(t, c, got)

	buf[0] = 9 // kind out of range
	_, err = GetCandidate(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestRegisterRoundTrip(t *testing.T) {
	r := &Register{
		LocalID:  "alice",
		RemoteID: "bob",
		Candidates: []Candidate{
			{Kind: CandidateHost, Endpoint: Endpoint{IP: [4]byte{192, 168, 1, 5}, Port: 5000}, Priority: 100},
			{Kind: CandidateRelay, Endpoint: Endpoint{IP: [4]byte{1, 2, 3, 4}, Port: 3478}, Priority: 1},
		},
	}
	got, err := DecodeRegister(EncodeRegister(r))
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestRegisterAckRoundTrip(t *testing.T) {
	a := &RegisterAck{
		Status:         RegisterStatusOK,
		PeerOnline:     1,
		MaxCandidates:  10,
		Flags:          RegisterAckFlagRelay,
		PublicEndpoint: Endpoint{IP: [4]byte{8, 8, 8, 8}, Port: 62001},
		ProbePort:      7301,
	}
	got, err := DecodeRegisterAck(EncodeRegisterAck(a))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestPeerInfoRoundTrip(t *testing.T) {
	p := &PeerInfo{
		SessionID: 0xdead_beef_cafe_f00d,
		Base:      3,
		Candidates: []Candidate{
			{Kind: CandidatePeerReflexive, Endpoint: Endpoint{IP: [4]byte{10, 0, 0, 2}, Port: 9}, Priority: 7},
		},
	}
	got, err := DecodePeerInfo(EncodePeerInfo(p))
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

// TestPeerIDTruncation verifies oversized peer ids are clipped to fit the
// fixed NUL-padded field rather than corrupting adjacent fields.
func TestPeerIDTruncation(t *testing.T) {
	long := "0123456789012345678901234567890123456789" // 40 bytes
	r := &Register{LocalID: long, RemoteID: "bob"}
	got, err := DecodeRegister(EncodeRegister(r))
	require.NoError(t, err)
	assert.Equal(t, long[:PeerIDMax-1], got.LocalID)
	assert.Equal(t, "bob", got.RemoteID)
}

func TestSignalingPayloadRoundTrip(t *testing.T) {
	p := &SignalingPayload{
		Sender:       "alice",
		Target:       "bob",
		Timestamp:    1724500000,
		DelayTrigger: 150,
		Candidates: []Candidate{
			{Kind: CandidateHost, Endpoint: Endpoint{IP: [4]byte{192, 168, 0, 2}, Port: 4242}, Priority: 50},
			{Kind: CandidateServerReflexive, Endpoint: Endpoint{IP: [4]byte{4, 3, 2, 1}, Port: 61000}, Priority: 40},
		},
	}
	got, err := DecodeSignalingPayload(EncodeSignalingPayload(p))
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestSignalingPayloadMalformed(t *testing.T) {
	p := &SignalingPayload{Sender: "a", Target: "b", Candidates: []Candidate{
		{Kind: CandidateHost, Endpoint: Endpoint{IP: [4]byte{1, 1, 1, 1}, Port: 1}, Priority: 1},
	}}
	raw := EncodeSignalingPayload(p)

	// Truncating the candidate list must fail, not decode partially.
	_, err := DecodeSignalingPayload(raw[:len(raw)-1])
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeSignalingPayload(raw[:10])
	assert.ErrorIs(t, err, ErrMalformed)
}

// TestRelayPrefix verifies the relay body is the 8-byte session id followed
// by the inner payload, byte for byte.
func TestRelayPrefix(t *testing.T) {
	inner := Encode(Header{Type: TypeData, Seq: 7}, []byte("payload"))
	body := EncodeRelay(0x0102030405060708, inner)

	require.Equal(t, 8+len(inner), len(body))
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, body[:8])
	assert.Equal(t, inner, body[8:])

	sess, got, err := DecodeRelay(body)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), sess)
	assert.Equal(t, inner, got)

	_, _, err = DecodeRelay([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestAckRoundTrip(t *testing.T) {
	a := &Ack{AckSeq: 65534, SackBits: 0x80000001}
	got, err := DecodeAck(EncodeAck(a))
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

// TestSeqArithmetic verifies wraparound ordering over the 16-bit space.
func TestSeqArithmetic(t *testing.T) {
	assert.Equal(t, int16(2), SeqDiff(5, 3))
	assert.Equal(t, int16(2), SeqDiff(1, 65535))
	assert.Equal(t, int16(-2), SeqDiff(65535, 1))
	assert.Equal(t, int16(0), SeqDiff(9, 9))

	assert.True(t, SeqInWindow(65535, 65530, 256))
	assert.True(t, SeqInWindow(100, 65500, 256))
	assert.False(t, SeqInWindow(65499, 65500, 256))
	assert.False(t, SeqInWindow(220, 65500, 256))
}

func TestCandidateCountLimit(t *testing.T) {
	raw := make([]byte, 2*PeerIDMax+1)
	raw[2*PeerIDMax] = 255 // count beyond the decode limit
	_, err := DecodeRegister(raw)
	assert.ErrorIs(t, err, ErrMalformed)
}
