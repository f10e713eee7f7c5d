package connection

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the size of the GCM nonce in bytes (96 bits)
	NonceSize = 12
	// KeySize is the AES-256 key size in bytes
	KeySize = 32
)

var (
	// ErrInvalidKey is returned when the master key is missing or malformed
	ErrInvalidKey = errors.New("master key must be 32 bytes, base64 encoded")
	// ErrCiphertextTooShort is returned when ciphertext is shorter than a nonce
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Encryptor seals and opens connection secrets with AES-256-GCM under a
// deployment master key.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor creates an encryptor from a base64-encoded 32-byte key.
func NewEncryptor(masterKeyB64 string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil || len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext; the nonce is prepended to the ciphertext.
func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a nonce-prefixed ciphertext.
func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrCiphertextTooShort
	}
	nonce, sealed := ciphertext[:NonceSize], ciphertext[NonceSize:]
	plaintext, err := e.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	return plaintext, nil
}
