// Package hashing provides the digest functions used to chain stage records.
//
// A Hasher maps an arbitrary byte sequence to a fixed-form digest string.
// Every implementation is deterministic: the same input yields the same
// digest across calls and across process runs. Collision resistance is not
// promised; the ledger treats digests as opaque integrity fingerprints.
package hashing

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownAlgorithm is returned by ByName for an unsupported algorithm.
var ErrUnknownAlgorithm = errors.New("unknown hashing algorithm")

// ErrKeyRequired is returned by ByName for keyed algorithms, which can only
// be built from their key.
var ErrKeyRequired = errors.New("hashing algorithm requires a key")

// Algorithm names accepted by ByName.
const (
	AlgorithmDJB2   = "djb2"
	AlgorithmSHA256 = "sha256"
	AlgorithmBLAKE3 = "blake3"

	// AlgorithmBLAKE3Keyed names chains digested with NewKeyedBLAKE3.
	AlgorithmBLAKE3Keyed = "blake3-keyed"
)

// Hasher computes a digest string over data.
type Hasher interface {
	// Digest returns the digest of data. An error means the digest could not
	// be produced and the calling operation must be aborted.
	Digest(data []byte) (string, error)

	// Name returns the algorithm name, e.g. "sha256".
	Name() string
}

// ByName returns the Hasher registered under name (case-insensitive).
func ByName(name string) (Hasher, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case AlgorithmDJB2:
		return DJB2{}, nil
	case AlgorithmSHA256, "":
		return SHA256{}, nil
	case AlgorithmBLAKE3:
		return NewBLAKE3(), nil
	case AlgorithmBLAKE3Keyed:
		return nil, fmt.Errorf("%w: %q", ErrKeyRequired, name)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, name)
	}
}

// Algorithms lists the supported algorithm names.
func Algorithms() []string {
	return []string{AlgorithmDJB2, AlgorithmSHA256, AlgorithmBLAKE3}
}
