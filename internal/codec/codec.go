// Package codec encodes message content before it is written to the message
// store and decodes it on the way back. The relay treats content as opaque;
// only the store applies a codec.
package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// ErrCiphertext is returned when stored content fails authentication.
var ErrCiphertext = errors.New("codec: ciphertext authentication failed")

// Codec transforms content between its wire form and its at-rest form.
type Codec interface {
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
	// Name identifies the codec in stored rows so rows written with a
	// different codec can be told apart.
	Name() string
}

// Plain stores content unchanged.
type Plain struct{}

func (Plain) Encode(plain []byte) ([]byte, error)  { return append([]byte{}, plain...), nil }
func (Plain) Decode(stored []byte) ([]byte, error) { return append([]byte{}, stored...), nil }
func (Plain) Name() string                         { return "plain" }

const hkdfInfo = "gorelay message content v1"

// AEAD encrypts content with XChaCha20-Poly1305. Stored layout is
// nonce || ciphertext || tag.
type AEAD struct {
	aead cipher.AEAD
}

// NewAEAD derives a 256-bit key from secret with HKDF-SHA256.
func NewAEAD(secret string) (*AEAD, error) {
	if secret == "" {
		return nil, errors.New("codec: encryption secret is empty")
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("codec: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("codec: create cipher: %w", err)
	}
	return &AEAD{aead: aead}, nil
}

func (a *AEAD) Encode(plain []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize(), a.aead.NonceSize()+len(plain)+a.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("codec: generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plain, nil), nil
}

func (a *AEAD) Decode(stored []byte) ([]byte, error) {
	nonceSize := a.aead.NonceSize()
	if len(stored) < nonceSize+a.aead.Overhead() {
		return nil, fmt.Errorf("codec: ciphertext too short (%d bytes)", len(stored))
	}
	plain, err := a.aead.Open(nil, stored[:nonceSize], stored[nonceSize:], nil)
	if err != nil {
		return nil, ErrCiphertext
	}
	return plain, nil
}

func (a *AEAD) Name() string { return "xchacha20poly1305" }

// FromSecret returns an AEAD codec for a non-empty secret and Plain otherwise.
func FromSecret(secret string) (Codec, error) {
	if secret == "" {
		return Plain{}, nil
	}
	return NewAEAD(secret)
}
