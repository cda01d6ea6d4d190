package security

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrSealedKeyCorrupt = errors.New("sealed key corrupt")

// KeySealer encrypts session private keys at rest with XChaCha20-Poly1305.
// The additional data binds a sealed key to the record it was sealed for.
type KeySealer struct {
	key []byte
}

func NewKeySealer(key []byte) (*KeySealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("sealing key must be %d bytes", chacha20poly1305.KeySize)
	}
	return &KeySealer{key: append([]byte(nil), key...)}, nil
}

func (s *KeySealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func (s *KeySealer) Open(sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedKeyCorrupt
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	out, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrSealedKeyCorrupt
	}
	return out, nil
}
