// Package security holds field-level encryption used by persistence adapters.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the AES-256 key length in bytes
const KeySize = 32

const versionPrefix = "v1:"

// ErrMalformedCiphertext means a stored value cannot be decoded
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// FieldCipher encrypts individual column values with AES-256-GCM. The column
// name is bound as additional data so a value copied into another column
// fails to decrypt.
type FieldCipher struct {
	aead cipher.AEAD
}

// NewFieldCipher creates a cipher from a raw 32-byte key
func NewFieldCipher(key []byte) (*FieldCipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("field cipher: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("field cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("field cipher: %w", err)
	}
	return &FieldCipher{aead: aead}, nil
}

// ParseKey decodes a hex-encoded 32-byte key
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("field key must be hex: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("field key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Encrypt seals plaintext for the named column. Empty input stays empty.
func (c *FieldCipher) Encrypt(column, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("encrypt %s: nonce: %w", column, err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(column))
	return versionPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt for the same column
func (c *FieldCipher) Decrypt(column, stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	encoded, ok := strings.CutPrefix(stored, versionPrefix)
	if !ok {
		return "", fmt.Errorf("decrypt %s: %w", column, ErrMalformedCiphertext)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", column, ErrMalformedCiphertext)
	}
	n := c.aead.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("decrypt %s: %w", column, ErrMalformedCiphertext)
	}
	plain, err := c.aead.Open(nil, data[:n], data[n:], []byte(column))
	if err != nil {
		return "", fmt.Errorf("decrypt %s: %w", column, err)
	}
	return string(plain), nil
}
