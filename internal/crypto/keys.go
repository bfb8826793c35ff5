package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDF info labels. Each derived key is bound to exactly one purpose.
const (
	InfoSessionToken  = "session-token"
	InfoStoreSnapshot = "store-snapshot"
)

// KeySize is the length of every symmetric key handled by this package.
const KeySize = 32

// ErrInvalidKeyLength is returned when the provided key length is invalid.
var ErrInvalidKeyLength = errors.New("invalid key length")

// DeriveKey derives a KeySize purpose key from the master key using HKDF-SHA256.
func DeriveKey(master []byte, info string) ([]byte, error) {
	if len(master) != KeySize {
		return nil, ErrInvalidKeyLength
	}
	h := hkdf.New(sha256.New, master, nil, []byte(info))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// generateRandomBytes generates a slice of random bytes of the given length.
func generateRandomBytes(length int) ([]byte, error) {
	b := make([]byte, length)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}

// MustRandom returns n random bytes or panics.
func MustRandom(n int) []byte {
	b, err := generateRandomBytes(n)
	if err != nil {
		panic(err)
	}
	return b
}

// RandomToken returns n random bytes encoded as unpadded base64url.
func RandomToken(n int) (string, error) {
	b, err := generateRandomBytes(n)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
