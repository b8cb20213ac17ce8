// Package identity loads the agent's signing identity and resolves which
// balance an operation is billed against. Key generation and custody are
// external concerns; this package only reads an existing key file.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Keystore exposes the acting signing identity.
type Keystore interface {
	SigningAddress() string
}

// FileKeystore derives a stable address from a 32-byte hex seed on disk.
type FileKeystore struct {
	address string
}

// LoadKeystore reads the seed file and derives the signing address: the
// last 20 bytes of SHA-256 over the ed25519 public key, hex-encoded with a
// 0x prefix.
func LoadKeystore(path string) (*FileKeystore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	seedHex := strings.TrimSpace(string(data))
	seedHex = strings.TrimPrefix(seedHex, "0x")
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode key file %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key file %s: want %d-byte seed, got %d", path, ed25519.SeedSize, len(seed))
	}

	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	sum := sha256.Sum256(pub)
	return &FileKeystore{address: "0x" + hex.EncodeToString(sum[len(sum)-20:])}, nil
}

// SigningAddress returns the derived account address.
func (k *FileKeystore) SigningAddress() string {
	return k.address
}
