package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length in bytes of a secret-encryption key.
const KeySize = chacha20poly1305.KeySize

// ErrCiphertextTooShort is returned when a stored value cannot hold a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Cipher seals credential secrets at rest with XChaCha20-Poly1305. The
// credential ID is bound as associated data so a sealed secret cannot be
// moved to another row.
type Cipher struct {
	aead aeadCipher
}

type aeadCipher interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewCipher creates a Cipher from a hex-encoded 32-byte key.
// Returns nil if key is empty (encryption disabled).
func NewCipher(hexKey string) (*Cipher, error) {
	if hexKey == "" {
		return nil, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding hex key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating xchacha20-poly1305: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts a secret for the row identified by id. The result is
// base64(nonce || ciphertext). A nil Cipher returns the secret unchanged.
func (c *Cipher) Seal(id, secret string) (string, error) {
	if c == nil {
		return secret, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(secret), []byte(id))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. A nil Cipher returns the value unchanged.
func (c *Cipher) Open(id, stored string) (string, error) {
	if c == nil {
		return stored, nil
	}

	data, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decoding base64: %w", err)
	}
	n := c.aead.NonceSize()
	if len(data) < n {
		return "", ErrCiphertextTooShort
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], []byte(id))
	if err != nil {
		return "", fmt.Errorf("decrypting secret for %s: %w", id, err)
	}
	return string(plain), nil
}
