package provenance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmerrifield20/silicontrace/internal/hashing"
)

// GenesisPrevDigest is the PrevDigest of the genesis record. No other record
// in a chain may carry it.
const GenesisPrevDigest = "0"

// ErrHasher wraps any failure of the configured hashing.Hasher.
var ErrHasher = errors.New("digest computation failed")

// Record is a single stage entry in a provenance chain. Records are values:
// the Ledger never exposes pointers into its chain.
type Record struct {
	Position   int    `json:"position"`
	SequenceID string `json:"sequence_id"`
	Stage      string `json:"stage"`
	Timestamp  string `json:"timestamp"`
	PrevDigest string `json:"prev_digest"`
	Digest     string `json:"digest"`
}

// IsGenesis reports whether r is the first record of its chain.
func (r Record) IsGenesis() bool {
	return r.Position == 0
}

// Recompute hashes r's fields again with h. For an untampered record the
// result equals r.Digest.
func (r Record) Recompute(h hashing.Hasher) (string, error) {
	return digestFields(h, r.SequenceID, r.Stage, r.Timestamp, r.PrevDigest)
}

// canonical is the byte encoding covered by a record digest: each field as
// "<byte length>:<value>", joined with '|'. The length prefix keeps the
// encoding injective when a label itself contains '|'. Position is not
// covered.
func canonical(sequenceID, stage, timestamp, prevDigest string) []byte {
	fields := [...]string{sequenceID, stage, timestamp, prevDigest}

	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	return []byte(b.String())
}

func digestFields(h hashing.Hasher, sequenceID, stage, timestamp, prevDigest string) (string, error) {
	if h == nil {
		return "", fmt.Errorf("%w: no hasher configured", ErrHasher)
	}
	d, err := h.Digest(canonical(sequenceID, stage, timestamp, prevDigest))
	if err != nil {
		return "", fmt.Errorf("%w (%s): %v", ErrHasher, h.Name(), err)
	}
	return d, nil
}
