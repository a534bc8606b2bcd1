// Package crypto encrypts document passwords kept in the status store.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Argon2id parameters for deriving the master key from the configured secret.
const (
	argonTime    uint32 = 3         // iterations
	argonMemory  uint32 = 64 * 1024 // 64 MB
	argonThreads uint8  = 1
	keyLen              = 32
)

// ErrCiphertext is returned for values that were not produced by Encrypt.
var ErrCiphertext = errors.New("malformed ciphertext")

// RandBytes returns n cryptographically secure random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// PasswordCipher encrypts passwords with a per-tenant key derived from one master key.
type PasswordCipher struct {
	master []byte
}

// NewPasswordCipher derives the master key from secret and salt.
func NewPasswordCipher(secret, salt []byte) (*PasswordCipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("validation: empty password secret")
	}
	return &PasswordCipher{master: argon2.IDKey(secret, salt, argonTime, argonMemory, argonThreads, keyLen)}, nil
}

// tenantKey derives the tenant key via HKDF-SHA256 using tenant as info.
func (c *PasswordCipher) tenantKey(tenant string) ([]byte, error) {
	r := hkdf.New(sha256.New, c.master, nil, []byte("docs.password:"+tenant))
	key := make([]byte, keyLen)
	_, err := r.Read(key)
	return key, err
}

// Encrypt seals plain for tenant. An empty password encrypts to an empty string.
func (c *PasswordCipher) Encrypt(tenant, plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	key, err := c.tenantKey(tenant)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce, err := RandBytes(chacha20poly1305.NonceSizeX)
	if err != nil {
		return "", err
	}
	out := make([]byte, 0, len(nonce)+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, []byte(plain), []byte(tenant))...)
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Decrypt opens a value produced by Encrypt for the same tenant.
func (c *PasswordCipher) Decrypt(tenant, enc string) (string, error) {
	if enc == "" {
		return "", nil
	}
	blob, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil || len(blob) < chacha20poly1305.NonceSizeX {
		return "", ErrCiphertext
	}
	key, err := c.tenantKey(tenant)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:], []byte(tenant))
	if err != nil {
		return "", fmt.Errorf("open password: %w", ErrCiphertext)
	}
	return string(plain), nil
}
