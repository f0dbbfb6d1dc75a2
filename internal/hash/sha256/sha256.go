// Package sha256 computes the record hashes stored with every quote.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher hex-encodes SHA-256 digests. The zero value is ready to use.
type Hasher struct{}

// New returns a Hasher.
func New() Hasher {
	return Hasher{}
}

// Hash returns the lower-case hex digest of data. It never fails.
func (Hasher) Hash(data []byte) (string, error) {
	h := sha256.New()
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
