package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// TokenCipher provides authenticated encryption for opaque credential strings
// stored in cookies or database rows. It is constructed once at startup and
// passed to every component that needs it.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher builds a cipher from a 32-byte AES-256 key. An invalid key
// is a fatal startup error for callers, not a per-call one.
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("token cipher key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

// DeriveKeys expands the process master secret into the cipher key and the
// state-signing key. explicitCipherKey, when non-empty, overrides the derived
// cipher key (base64, validated by config).
func DeriveKeys(masterSecret, explicitCipherKey string) (cipherKey, signingKey []byte, err error) {
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("tablebridge keys"))
	cipherKey = make([]byte, 32)
	signingKey = make([]byte, 32)
	if _, err := io.ReadFull(kdf, cipherKey); err != nil {
		return nil, nil, fmt.Errorf("derive cipher key: %w", err)
	}
	if _, err := io.ReadFull(kdf, signingKey); err != nil {
		return nil, nil, fmt.Errorf("derive signing key: %w", err)
	}
	if explicitCipherKey != "" {
		raw, err := base64.StdEncoding.DecodeString(explicitCipherKey)
		if err != nil {
			return nil, nil, fmt.Errorf("decode TOKEN_ENCRYPTION_KEY: %w", err)
		}
		cipherKey = raw
	}
	return cipherKey, signingKey, nil
}

// Encrypt seals a plaintext into an opaque base64url string. The empty string
// encrypts to the empty string.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any malformed, tampered, or
// wrong-key input fails with ErrInvalidCiphertext; the empty string decrypts
// to the empty string.
func (c *TokenCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(raw) < c.aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}
