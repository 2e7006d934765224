// Package crypto seals the remote connection string before it is written to
// the local settings store. Uses AES-256-GCM with a key derived from the
// device secret, and binds each ciphertext to the tenant it belongs to.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"

	apperrors "github.com/kimhsiao/possync/internal/errors"
)

const keyDomain = "possync:remote-dsn:"

// DSNCipher encrypts and decrypts remote DSNs for one device.
type DSNCipher struct {
	aead cipher.AEAD
}

// NewDSNCipher derives the device key from secret. An empty secret is rejected:
// storing a credential under a well-known key would only obscure it.
func NewDSNCipher(secret string) (*DSNCipher, error) {
	if secret == "" {
		return nil, apperrors.New(apperrors.ErrCryptoFailed, "device secret is not configured")
	}
	key := sha256.Sum256([]byte(keyDomain + secret))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "init cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCryptoFailed, "init gcm", err)
	}
	return &DSNCipher{aead: aead}, nil
}

// Seal encrypts dsn for tenantID. The result is base64 text (nonce || ciphertext).
func (c *DSNCipher) Seal(dsn, tenantID string) (string, error) {
	if dsn == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "dsn cannot be empty")
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "generate nonce", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(dsn), []byte(tenantID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal. It fails if the ciphertext was produced for another
// tenant or under another device secret.
func (c *DSNCipher) Open(sealed, tenantID string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "decode sealed dsn", err)
	}

	n := c.aead.NonceSize()
	if len(data) < n+c.aead.Overhead() {
		return "", apperrors.New(apperrors.ErrCryptoFailed, "sealed dsn too short")
	}

	plain, err := c.aead.Open(nil, data[:n], data[n:], []byte(tenantID))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCryptoFailed, "open sealed dsn", err)
	}
	return string(plain), nil
}
