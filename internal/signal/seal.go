package signal

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer authenticates and encrypts signaling payloads with a pre-shared
// key. The wire form is nonce || ciphertext.
type Sealer struct {
	key [chacha20poly1305.KeySize]byte
}

// ErrSealOpen reports an authentication failure on a sealed payload.
var ErrSealOpen = errors.New("signal: sealed payload failed authentication")

// NewSealer derives the AEAD key from the configured auth key.
func NewSealer(authKey string) *Sealer {
	s := &Sealer{}
	s.key = sha256.Sum256([]byte(authKey))
	return s
}

// Seal encrypts plain, prepending a random nonce.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("signal: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

// Open decrypts a sealed payload.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSize {
		return nil, ErrSealOpen
	}
	aead, err := chacha20poly1305.New(s.key[:])
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, sealed[:chacha20poly1305.NonceSize], sealed[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, ErrSealOpen
	}
	return plain, nil
}
