package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

var ErrInvalidMnemonic = errors.New("invalid BIP-39 mnemonic")

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// keyCipher encrypts private scalars at rest with AES-256-GCM. The AES key
// is derived from the operator secret with scrypt, a fresh salt per blob.
type keyCipher struct {
	secret []byte
}

func newKeyCipher(secret string) (*keyCipher, error) {
	if len(secret) < 16 {
		return nil, errors.New("key encryption secret must be at least 16 bytes")
	}
	return &keyCipher{secret: []byte(secret)}, nil
}

// encrypt produces base64(salt || nonce || ciphertext).
func (c *keyCipher) encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	blob := append(salt, nonce...)
	blob = gcm.Seal(blob, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(blob), nil
}

func (c *keyCipher) decrypt(encoded string) ([]byte, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode key blob: %w", err)
	}
	if len(blob) < saltLen {
		return nil, errors.New("key blob too short")
	}

	salt := blob[:saltLen]
	gcm, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	rest := blob[saltLen:]
	if len(rest) < gcm.NonceSize() {
		return nil, errors.New("key blob too short")
	}

	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt key blob: %w", err)
	}
	return plaintext, nil
}

func (c *keyCipher) aead(salt []byte) (cipher.AEAD, error) {
	derived, err := scrypt.Key(c.secret, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive cipher key: %w", err)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
