// Package crypto derives the SQLCipher database key from the master key.
// The master key never touches disk; rotating it means re-keying the database.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterKeySize is the size of the decoded MASTER_KEY in bytes.
	MasterKeySize = 32

	// DatabaseKeySize is the size of the raw SQLCipher key in bytes.
	DatabaseKeySize = 32
)

// ParseMasterKey decodes a 64-character hex master key.
func ParseMasterKey(hexKey string) ([]byte, error) {
	hexKey = strings.TrimSpace(hexKey)
	if len(hexKey) != MasterKeySize*2 {
		return nil, fmt.Errorf("master key must be %d hex characters, got %d", MasterKeySize*2, len(hexKey))
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	return key, nil
}

// DeriveDatabaseKey derives the key for the named database with
// HKDF-SHA256. Distinct names yield independent keys from one master key.
func DeriveDatabaseKey(masterKey []byte, name string, version int) ([]byte, error) {
	if len(masterKey) < MasterKeySize {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	info := fmt.Sprintf("catatan:db:%s:v%d", name, version)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(info))

	key := make([]byte, DatabaseKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
