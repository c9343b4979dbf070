// Package crypto holds account key material and produces the exchange's
// wallet (L1) and API-key (L2) authentication.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// KeySize is the AES-256 master key size.
	KeySize   = 32
	nonceSize = 12
	sealedFmt = "ENC[v%d]:"
)

var (
	ErrInvalidKey    = errors.New("invalid master key: must be 32 bytes")
	ErrInvalidSealed = errors.New("invalid sealed value")
	ErrOpenFailed    = errors.New("cannot open sealed value")
)

// Sealer encrypts credentials at rest with AES-256-GCM so that .env files
// can carry ENC[vN]:... values instead of raw secrets.
type Sealer struct {
	aead    cipher.AEAD
	version int
}

// NewSealer creates a Sealer for a 32-byte master key.
func NewSealer(key []byte, version int) (*Sealer, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{aead: aead, version: version}, nil
}

// IsSealed reports whether v carries the sealed prefix.
func IsSealed(v string) bool {
	return strings.HasPrefix(v, "ENC[v") && strings.Contains(v, "]:")
}

// Seal returns ENC[vN]:base64(nonce|ciphertext).
func (s *Sealer) Seal(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf(sealedFmt, s.version) + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if !IsSealed(sealed) {
		return "", ErrInvalidSealed
	}
	data, err := base64.StdEncoding.DecodeString(sealed[strings.Index(sealed, "]:")+2:])
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < nonceSize {
		return "", ErrInvalidSealed
	}
	plain, err := s.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", ErrOpenFailed
	}
	return string(plain), nil
}
