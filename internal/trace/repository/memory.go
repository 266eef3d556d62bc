package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

// MemoryRepository is an in-memory, thread-safe StageRepository.
type MemoryRepository struct {
	mu     sync.RWMutex
	chains map[string]*Chain
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{chains: make(map[string]*Chain)}
}

// Insert implements StageRepository.
func (r *MemoryRepository) Insert(_ context.Context, algorithm string, rec provenance.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chains[rec.SequenceID]
	if !ok {
		if rec.Position != 0 {
			return fmt.Errorf("%w: sequence %q has no genesis, got position %d", ErrConflict, rec.SequenceID, rec.Position)
		}
		c = &Chain{Algorithm: algorithm}
		r.chains[rec.SequenceID] = c
	}
	if rec.Position != len(c.Records) {
		return fmt.Errorf("%w: sequence %q has %d records, got position %d", ErrConflict, rec.SequenceID, len(c.Records), rec.Position)
	}
	c.Records = append(c.Records, rec)
	return nil
}

// Load implements StageRepository.
func (r *MemoryRepository) Load(_ context.Context, sequenceID string) (*Chain, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.chains[sequenceID]
	if !ok {
		return nil, fmt.Errorf("%w: sequence %q", ErrNotFound, sequenceID)
	}
	out := &Chain{Algorithm: c.Algorithm, Records: make([]provenance.Record, len(c.Records))}
	copy(out.Records, c.Records)
	return out, nil
}

// ListSequences implements StageRepository.
func (r *MemoryRepository) ListSequences(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.chains))
	for id := range r.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Overwrite implements StageRepository.
func (r *MemoryRepository) Overwrite(_ context.Context, sequenceID string, position int, prevDigest string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.chains[sequenceID]
	if !ok || position < 0 || position >= len(c.Records) {
		return fmt.Errorf("%w: sequence %q position %d", ErrNotFound, sequenceID, position)
	}
	c.Records[position].PrevDigest = prevDigest
	return nil
}
