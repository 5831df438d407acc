package core

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hash represents a cryptographic hash
type Hash string

// NewHash creates a new hash from data
func NewHash(data []byte) Hash {
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:]))
}

// String returns the string representation
func (h Hash) String() string {
	return string(h)
}

// IsEmpty checks if the hash is empty
func (h Hash) IsEmpty() bool {
	return h == ""
}

// SchemaHash fingerprints an ordered column list. Order matters: two sites
// with the same labels in a different order produce different hashes.
type SchemaHash Hash

func (h SchemaHash) String() string { return Hash(h).String() }

// ComputeSchemaHash hashes labels positionally.
func ComputeSchemaHash(labels []string) SchemaHash {
	return SchemaHash(NewHash([]byte(strings.Join(labels, "\x00"))))
}
