package files

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harrylevesque/slqrattend/internal/crypto"
)

// MasterKeyFile is the default on-disk location of the hex master key.
const MasterKeyFile = "master.key"

// ErrKeyExists is returned by WriteMasterKey when the target already exists.
var ErrKeyExists = errors.New("master key file already exists")

// ReadMasterKey returns the 32-byte master key from hexKey, or from the file at
// path when hexKey is empty.
func ReadMasterKey(hexKey, path string) ([]byte, error) {
	h := strings.TrimSpace(hexKey)
	if h == "" {
		if path == "" {
			path = MasterKeyFile
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("MASTER_KEY_HEX not set and %s not readable: %w", path, err)
		}
		h = strings.TrimSpace(string(data))
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return nil, fmt.Errorf("master key hex decode error: %w", err)
	}
	if len(b) != crypto.KeySize {
		return nil, fmt.Errorf("master key length must be %d bytes (hex %d chars)", crypto.KeySize, crypto.KeySize*2)
	}
	return b, nil
}

// WriteMasterKey generates a fresh master key and writes it hex encoded to
// path with 0600 permissions. It refuses to overwrite an existing file.
func WriteMasterKey(path string) error {
	if FileExists(path) {
		return fmt.Errorf("%s: %w", path, ErrKeyExists)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	key := crypto.MustRandom(crypto.KeySize)
	return os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600)
}

// Keys are the purpose keys derived from the master key.
type Keys struct {
	SessionToken  []byte
	StoreSnapshot []byte
}

// DeriveKeys derives every purpose key from master.
func DeriveKeys(master []byte) (*Keys, error) {
	token, err := crypto.DeriveKey(master, crypto.InfoSessionToken)
	if err != nil {
		return nil, fmt.Errorf("derive session token key: %w", err)
	}
	snap, err := crypto.DeriveKey(master, crypto.InfoStoreSnapshot)
	if err != nil {
		return nil, fmt.Errorf("derive snapshot key: %w", err)
	}
	return &Keys{SessionToken: token, StoreSnapshot: snap}, nil
}

// FileExists checks if the given file exists.
func FileExists(filePath string) bool {
	_, err := os.Stat(filePath)
	return !os.IsNotExist(err)
}
