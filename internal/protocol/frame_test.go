package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, RelayConnect, []byte("body bytes")))
	require.NoError(t, WriteFrame(&buf, RelayHeartbeat, nil))

	typ, body, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, RelayConnect, typ)
	assert.Equal(t, []byte("body bytes"), body)

	typ, body, err = ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, RelayHeartbeat, typ)
	assert.Empty(t, body)
}

func TestFrameBadMagic(t *testing.T) {
	raw := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(raw, 0xDEADBEEF)
	_, _, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFrameLengthCap(t *testing.T) {
	// An attacker-controlled length field beyond the cap must not allocate.
	raw := make([]byte, frameHeaderSize)
	binary.BigEndian.PutUint32(raw, FrameMagic)
	raw[4] = RelayConnect
	binary.BigEndian.PutUint32(raw[5:], MaxFrameBody+1)
	_, _, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, ErrMalformed)

	var buf bytes.Buffer
	err = WriteFrame(&buf, RelayConnect, make([]byte, MaxFrameBody+1))
	assert.Error(t, err)
	assert.Zero(t, buf.Len())
}

func TestFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, RelayOffer, []byte("partial")))
	raw := buf.Bytes()[:buf.Len()-3]
	_, _, err := ReadFrame(bytes.NewReader(raw))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameBodies(t *testing.T) {
	t.Run("login", func(t *testing.T) {
		name, err := DecodeLogin(EncodeLogin("alice"))
		require.NoError(t, err)
		assert.Equal(t, "alice", name)
	})

	t.Run("connect", func(t *testing.T) {
		target, payload, err := DecodeConnect(EncodeConnect("bob", []byte("sealed")))
		require.NoError(t, err)
		assert.Equal(t, "bob", target)
		assert.Equal(t, []byte("sealed"), payload)
	})

	t.Run("offer with reverse flag", func(t *testing.T) {
		sender, flags, payload, err := DecodeOffer(EncodeOffer("carol", OfferFlagReverse, nil))
		require.NoError(t, err)
		assert.Equal(t, "carol", sender)
		assert.Equal(t, OfferFlagReverse, flags)
		assert.Empty(t, payload)
	})

	t.Run("forward", func(t *testing.T) {
		sender, payload, err := DecodeForward(EncodeForward("dave", []byte("answer")))
		require.NoError(t, err)
		assert.Equal(t, "dave", sender)
		assert.Equal(t, []byte("answer"), payload)
	})

	t.Run("connect ack", func(t *testing.T) {
		ack, err := DecodeConnectAck(EncodeConnectAck(&ConnectAck{Status: ConnectStatusStorageFull, CandidatesAcked: 5}))
		require.NoError(t, err)
		assert.Equal(t, ConnectStatusStorageFull, ack.Status)
		assert.Equal(t, uint8(5), ack.CandidatesAcked)
	})

	t.Run("list", func(t *testing.T) {
		names, err := DecodeListRes(EncodeListRes([]string{"alice", "bob"}))
		require.NoError(t, err)
		assert.Equal(t, []string{"alice", "bob"}, names)
	})
}
