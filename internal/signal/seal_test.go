package signal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealRoundTrip(t *testing.T) {
	s := NewSealer("shared-secret")
	plain := []byte("candidates and addresses")

	sealed, err := s.Seal(plain)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "candidates")

	got, err := s.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	// Fresh nonce per seal: two runs never collide.
	sealed2, err := s.Seal(plain)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestSealTamperDetected(t *testing.T) {
	s := NewSealer("shared-secret")
	sealed, err := s.Seal([]byte("payload"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = s.Open(sealed)
	assert.ErrorIs(t, err, ErrSealOpen)
}

func TestSealKeyMismatch(t *testing.T) {
	sealed, err := NewSealer("key-a").Seal([]byte("payload"))
	require.NoError(t, err)

	_, err = NewSealer("key-b").Open(sealed)
	assert.ErrorIs(t, err, ErrSealOpen)

	_, err = NewSealer("key-a").Open([]byte("short"))
	assert.ErrorIs(t, err, ErrSealOpen)
}
