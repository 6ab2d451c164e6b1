// Package totp implements RFC 6238 time-based one-time passwords over the
// RFC 4226 HMAC construction, plus seed management backed by the vault.
package totp

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"hash"
	"math"
	"strings"
	"time"
)

// Algorithm selects the HMAC hash.
type Algorithm string

const (
	SHA1   Algorithm = "SHA1"
	SHA256 Algorithm = "SHA256"
	SHA512 Algorithm = "SHA512"
)

// Options configure code generation. Zero values fall back to the
// authenticator-app defaults: SHA1, 6 digits, 30 second period.
type Options struct {
	Algorithm Algorithm
	Digits    int
	Period    int
}

func (o Options) withDefaults() Options {
	if o.Algorithm == "" {
		o.Algorithm = SHA1
	}
	// 31 truncation bits cap the code below 10 digits; clamp to the 6-9
	// range authenticator apps accept so Pow10 stays within uint32.
	if o.Digits < 6 {
		o.Digits = 6
	}
	if o.Digits > 9 {
		o.Digits = 9
	}
	if o.Period <= 0 {
		o.Period = 30
	}
	return o
}

func (o Options) hasher() (func() hash.Hash, error) {
	switch o.Algorithm {
	case SHA1:
		return sha1.New, nil
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("totp: unsupported algorithm %q", o.Algorithm)
	}
}

// Code computes the one-time password for secret at time t.
func Code(secret []byte, t time.Time, opts Options) (string, error) {
	opts = opts.withDefaults()
	newHash, err := opts.hasher()
	if err != nil {
		return "", err
	}
	counter := uint64(t.Unix()) / uint64(opts.Period)

	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(newHash, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	// Dynamic truncation: low 4 bits of the final byte pick the offset,
	// then 31 bits are read from that offset.
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	code := value % uint32(math.Pow10(opts.Digits))
	return fmt.Sprintf("%0*d", opts.Digits, code), nil
}

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// EncodeSecret renders raw secret bytes in the RFC 4648 base32 alphabet
// without padding, the form authenticator apps expect.
func EncodeSecret(secret []byte) string {
	return b32.EncodeToString(secret)
}

// DecodeSecret parses a base32 secret, tolerating lowercase, whitespace,
// and trailing padding.
func DecodeSecret(value string) ([]byte, error) {
	cleaned := strings.ToUpper(strings.TrimSpace(value))
	cleaned = strings.ReplaceAll(cleaned, " ", "")
	cleaned = strings.TrimRight(cleaned, "=")
	raw, err := b32.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("totp: invalid base32 secret: %w", err)
	}
	return raw, nil
}
