package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier; the prefix names the entity kind
// ("def", "th", ...). Empty prefix yields bare hex.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
