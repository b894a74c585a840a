package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random URL-safe hex identifier. Correlation handle
// quality, not secret quality.
func NewID() string {
	b := make([]byte, 12)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
