package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/harrylevesque/slqrattend/internal/utils"
)

// Cipher selects the AEAD construction used by an Envelope.
type Cipher string

const (
	CipherAESGCM    Cipher = "aes-gcm"
	CipherXChaCha20 Cipher = "xchacha20"
)

// token version bytes; the first byte of every sealed token
const (
	versionAESGCM    byte = 1
	versionXChaCha20 byte = 2
)

// Envelope seals and opens opaque payloads as QR-safe strings. The key is
// supplied by the caller; nothing here stores or rotates keys.
type Envelope struct {
	cipher Cipher
}

// NewEnvelope returns an Envelope sealing with c. Unknown ciphers fall back to AES-GCM.
func NewEnvelope(c Cipher) *Envelope {
	if c != CipherXChaCha20 {
		c = CipherAESGCM
	}
	return &Envelope{cipher: c}
}

// Seal encrypts plaintext under key with a fresh random nonce and returns
// base64url(version || nonce || ciphertext).
func (e *Envelope) Seal(plaintext, key []byte) (string, error) {
	version := versionAESGCM
	if e.cipher == CipherXChaCha20 {
		version = versionXChaCha20
	}
	aead, err := newAEAD(version, key)
	if err != nil {
		return "", err
	}
	nonce, err := generateRandomBytes(aead.NonceSize())
	if err != nil {
		return "", fmt.Errorf("seal: nonce: %w", err)
	}
	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, version)
	out = append(out, nonce...)
	// the version byte is authenticated so it cannot be swapped
	out = aead.Seal(out, nonce, plaintext, []byte{version})
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Any malformed, truncated or tampered token, and any token
// sealed under a different key, yields utils.ErrInvalidToken. Tokens sealed
// with either cipher are accepted.
func (e *Envelope) Open(token string, key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	blob, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(blob) < 1 {
		return nil, utils.ErrInvalidToken
	}
	version := blob[0]
	aead, err := newAEAD(version, key)
	if err != nil {
		return nil, utils.ErrInvalidToken
	}
	body := blob[1:]
	ns := aead.NonceSize()
	if len(body) < ns+aead.Overhead() {
		return nil, utils.ErrInvalidToken
	}
	plain, err := aead.Open(nil, body[:ns], body[ns:], []byte{version})
	if err != nil {
		return nil, utils.ErrInvalidToken
	}
	return plain, nil
}

func newAEAD(version byte, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	switch version {
	case versionAESGCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case versionXChaCha20:
		return chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("unknown envelope version %d", version)
	}
}
