// Package crypto provides the AES-256-GCM primitive that keeps sensitive
// settings encrypted at rest, and the keyring-held key it uses.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

const prefix = "aes-gcm:"

// ErrDecrypt is returned for a wrong key or corrupted data.
var ErrDecrypt = errors.New("decrypt failed: invalid key or corrupted data")

// AEAD seals and opens string values. Implementations must authenticate.
type AEAD interface {
	Seal(plaintext []byte, associated string) (string, error)
	Open(sealed string, associated string) ([]byte, error)
}

// AESGCM implements AEAD with AES-256-GCM.
// Sealed values are "aes-gcm:" + base64(nonce + ciphertext + tag).
type AESGCM struct {
	gcm cipher.AEAD
}

// NewAESGCM creates the cipher from a 32-byte key.
func NewAESGCM(key []byte) (*AESGCM, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCM{gcm: gcm}, nil
}

// Seal encrypts plaintext; associated binds the ciphertext to its record key
// so values cannot be swapped between fields.
func (a *AESGCM) Seal(plaintext []byte, associated string) (string, error) {
	nonce := make([]byte, a.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := a.gcm.Seal(nonce, nonce, plaintext, []byte(associated))
	return prefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a value produced by Seal. Unprefixed values are rejected:
// nothing is ever stored in plain text.
func (a *AESGCM) Open(sealed string, associated string) ([]byte, error) {
	if !IsEncrypted(sealed) {
		return nil, ErrDecrypt
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil {
		return nil, ErrDecrypt
	}
	nonceSize := a.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrDecrypt
	}
	plaintext, err := a.gcm.Open(nil, data[:nonceSize], data[nonceSize:], []byte(associated))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// IsEncrypted returns true if the value has the "aes-gcm:" encryption prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, prefix)
}

// DeriveKey converts the input string to a 32-byte AES key.
// Accepts: hex-encoded (64 chars), base64-encoded (44 chars), or raw 32 bytes.
func DeriveKey(input string) ([]byte, error) {
	if len(input) == 64 {
		if b, err := hex.DecodeString(input); err == nil {
			return b, nil
		}
	}

	if len(input) == 44 && strings.HasSuffix(input, "=") {
		if b, err := base64.StdEncoding.DecodeString(input); err == nil && len(b) == 32 {
			return b, nil
		}
	}

	if len(input) == 32 {
		return []byte(input), nil
	}

	return nil, errors.New("encryption key must be 32 bytes (hex-encoded 64 chars, base64 44 chars, or raw 32 bytes)")
}
