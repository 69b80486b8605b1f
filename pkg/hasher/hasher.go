// Package hasher derives the content identity of an image.
package hasher

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the digest length in bytes
const Size = sha256.Size

// Hash returns the hex-encoded SHA-256 of data. Empty input is valid.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Short returns the first 12 hex chars of a hash, for log lines
func Short(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12] + "..."
}
