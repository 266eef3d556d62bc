package hashing

import (
	"crypto/sha256"
	"encoding/hex"
)

// SHA256 produces lowercase hex SHA-256 digests.
type SHA256 struct{}

// Digest implements Hasher.
func (SHA256) Digest(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Name implements Hasher.
func (SHA256) Name() string { return AlgorithmSHA256 }
