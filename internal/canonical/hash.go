package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity. The version suffix
// leaves room for algorithm migration without ID collisions.
const (
	DomainCoValue   = "weft/covalue/v1"
	DomainKeySecret = "weft/keysecret/v1"
	DomainAgent     = "weft/agent/v1"
)

// HashBytes computes SHA-256 over domain + 0x00 + data, hex encoded.
// The null separator prevents domain/data boundary ambiguity.
func HashBytes(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash canonically marshals v and hashes it under the given domain.
// Two values that marshal to the same canonical JSON always hash equal.
func Hash(domain string, v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash: %w", err)
	}
	return HashBytes(domain, b), nil
}

// MustHash is like Hash but panics on error. Use only when the input is
// known to be canonical-safe (no floats, no nulls).
func MustHash(domain string, v any) string {
	h, err := Hash(domain, v)
	if err != nil {
		panic(err)
	}
	return h
}
