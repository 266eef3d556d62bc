package hashing

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// DomainKeySize is the length of a BLAKE3 keyed-mode key.
const DomainKeySize = 32

// BLAKE3 produces lowercase hex BLAKE3-256 digests. When a domain key is set
// it uses BLAKE3 keyed mode, so the same bytes hash differently under
// different keys.
type BLAKE3 struct {
	key []byte
}

// NewBLAKE3 returns an unkeyed BLAKE3 hasher.
func NewBLAKE3() BLAKE3 {
	return BLAKE3{}
}

// NewKeyedBLAKE3 returns a BLAKE3 hasher in keyed mode. key must be exactly
// DomainKeySize bytes.
func NewKeyedBLAKE3(key []byte) (BLAKE3, error) {
	if len(key) != DomainKeySize {
		return BLAKE3{}, fmt.Errorf("blake3 domain key must be %d bytes, got %d", DomainKeySize, len(key))
	}
	k := make([]byte, DomainKeySize)
	copy(k, key)
	return BLAKE3{key: k}, nil
}

// DomainKey pads name with zero bytes to DomainKeySize, truncating longer
// names. Readable ASCII keys stay inspectable in hex dumps.
func DomainKey(name string) []byte {
	k := make([]byte, DomainKeySize)
	copy(k, name)
	return k
}

// Digest implements Hasher.
func (b BLAKE3) Digest(data []byte) (string, error) {
	if b.key == nil {
		sum := blake3.Sum256(data)
		return hex.EncodeToString(sum[:]), nil
	}

	h, err := blake3.NewKeyed(b.key)
	if err != nil {
		return "", fmt.Errorf("blake3 keyed init: %w", err)
	}
	if _, err := h.Write(data); err != nil {
		return "", fmt.Errorf("blake3 write: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Name implements Hasher.
func (b BLAKE3) Name() string {
	if b.key != nil {
		return AlgorithmBLAKE3Keyed
	}
	return AlgorithmBLAKE3
}
