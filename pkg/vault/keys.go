package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the master key length in bytes.
const KeySize = chacha20poly1305.KeySize

// keySalt is a fixed domain-separation prefix for hashing arbitrary key
// material; it keeps derived vault keys distinct from any other sha256 use
// of the same passphrase.
const keySalt = "agentvault.master-key.v1"

// ErrEmptyKeyMaterial is returned when no master key material is supplied.
// Security-sensitive values are never defaulted.
var ErrEmptyKeyMaterial = errors.New("vault: master key material is required")

// DeriveKey turns external key material into a 256-bit master key. A
// 64-character hexadecimal string is used directly as key bytes; anything
// else is hashed with a fixed domain-separation salt. The material itself
// must never be logged or audited.
func DeriveKey(material string) ([]byte, error) {
	if material == "" {
		return nil, ErrEmptyKeyMaterial
	}
	if len(material) == hex.EncodedLen(KeySize) {
		if raw, err := hex.DecodeString(material); err == nil {
			return raw, nil
		}
	}
	sum := sha256.Sum256([]byte(keySalt + material))
	return sum[:], nil
}
