// Package repository persists stage records for tracked units.
//
// Three implementations of StageRepository are provided:
//   - MemoryRepository: in-process, for tests and ephemeral servers.
//   - PostgresRepository: durable, shared between server instances.
//   - SQLiteRepository: durable, single file, used by the CLI.
//
// Repositories store records exactly as given. They never relink or rehash,
// so corruption introduced at rest is visible to verification after load.
package repository

import (
	"context"
	"errors"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

var (
	// ErrNotFound is returned when a sequence or position has no stored record.
	ErrNotFound = errors.New("stage record not found")

	// ErrConflict is returned when a record does not extend the stored chain
	// tail, e.g. a duplicate genesis or a stale append.
	ErrConflict = errors.New("stage record conflicts with stored chain")
)

// Chain is a stored sequence together with the hashing algorithm it was
// built with.
type Chain struct {
	Algorithm string
	Records   []provenance.Record
}

// StageRepository is the persistence interface for stage records.
type StageRepository interface {
	// Insert stores rec as the next record of its sequence. rec.Position
	// must equal the current stored length of the sequence.
	Insert(ctx context.Context, algorithm string, rec provenance.Record) error

	// Load returns the stored chain for sequenceID ordered by position.
	Load(ctx context.Context, sequenceID string) (*Chain, error)

	// ListSequences returns all stored sequence ids in ascending order.
	ListSequences(ctx context.Context) ([]string, error)

	// Overwrite replaces the stored PrevDigest at position. It exists to
	// simulate and investigate tampering at rest and is not used by the
	// append path.
	Overwrite(ctx context.Context, sequenceID string, position int, prevDigest string) error
}
