package provenance

import (
	"errors"
	"fmt"

	"github.com/jmerrifield20/silicontrace/internal/hashing"
)

var (
	// ErrEmptyChain is returned by Restore when given no records.
	ErrEmptyChain = errors.New("chain has no records")

	// ErrSequenceMismatch is returned by Restore when records belong to
	// more than one sequence.
	ErrSequenceMismatch = errors.New("records belong to different sequences")

	// ErrOutOfRange is returned by Get for a position outside the chain.
	ErrOutOfRange = errors.New("position out of range")
)

// EventKind labels a ledger event.
type EventKind string

const (
	EventGenesis EventKind = "genesis"
	EventAppend  EventKind = "append"
)

// Event is emitted after the genesis record is created and after every
// successful append.
type Event struct {
	Kind       EventKind
	SequenceID string
	Position   int
	Stage      string
	Digest     string
}

// Observer receives ledger events. It is called synchronously.
type Observer func(Event)

// Option configures a Ledger.
type Option func(*Ledger)

// WithObserver registers fn to receive ledger events.
func WithObserver(fn Observer) Option {
	return func(l *Ledger) {
		l.observer = fn
	}
}

// Ledger is an ordered, append-only chain of Records for one sequence.
type Ledger struct {
	hasher   hashing.Hasher
	records  []Record
	observer Observer
}

// New creates a Ledger seeded with a genesis record for sequenceID. The only
// failure is a hasher error, in which case no Ledger is returned.
func New(h hashing.Hasher, sequenceID, stage, timestamp string, opts ...Option) (*Ledger, error) {
	l := &Ledger{hasher: h}
	for _, opt := range opts {
		opt(l)
	}

	digest, err := digestFields(h, sequenceID, stage, timestamp, GenesisPrevDigest)
	if err != nil {
		return nil, fmt.Errorf("create genesis record: %w", err)
	}

	genesis := Record{
		Position:   0,
		SequenceID: sequenceID,
		Stage:      stage,
		Timestamp:  timestamp,
		PrevDigest: GenesisPrevDigest,
		Digest:     digest,
	}
	l.records = append(l.records, genesis)
	l.emit(EventGenesis, genesis)
	return l, nil
}

// Restore rebuilds a Ledger from previously stored records, in chain order.
// Links and digests are taken as stored and are not recomputed, so any
// corruption in the input is preserved for Verify to find.
func Restore(h hashing.Hasher, records []Record, opts ...Option) (*Ledger, error) {
	if len(records) == 0 {
		return nil, ErrEmptyChain
	}
	seq := records[0].SequenceID
	chain := make([]Record, len(records))
	for i, r := range records {
		if r.SequenceID != seq {
			return nil, fmt.Errorf("%w: position %d has %q, want %q", ErrSequenceMismatch, i, r.SequenceID, seq)
		}
		r.Position = i
		chain[i] = r
	}

	l := &Ledger{hasher: h, records: chain}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append adds a new stage linked to the current head and returns the stored
// record. The sequence id is inherited from the chain. The only failure is a
// hasher error, which leaves the chain unchanged.
func (l *Ledger) Append(stage, timestamp string) (Record, error) {
	if len(l.records) == 0 {
		panic("provenance: Append on a ledger without a genesis record")
	}
	prev := l.records[len(l.records)-1]

	digest, err := digestFields(l.hasher, prev.SequenceID, stage, timestamp, prev.Digest)
	if err != nil {
		return Record{}, fmt.Errorf("append stage %q: %w", stage, err)
	}

	rec := Record{
		Position:   len(l.records),
		SequenceID: prev.SequenceID,
		Stage:      stage,
		Timestamp:  timestamp,
		PrevDigest: prev.Digest,
		Digest:     digest,
	}
	l.records = append(l.records, rec)
	l.emit(EventAppend, rec)
	return rec, nil
}

// Verify walks the chain from position 1 and checks that every record's
// PrevDigest equals its predecessor's Digest. The first broken link ends the
// scan. The genesis PrevDigest is never inspected. Verify does not modify
// the ledger.
func (l *Ledger) Verify() Report {
	for i := 1; i < len(l.records); i++ {
		if b := linkBreach(l.records[i-1], l.records[i]); b != nil {
			return l.report(b)
		}
	}
	return l.report(nil)
}

// VerifyDigests performs the same link scan as Verify and additionally
// recomputes every record's digest from its stored fields, reporting the
// first record whose stored digest no longer matches. An error is returned
// only if the hasher fails.
func (l *Ledger) VerifyDigests() (Report, error) {
	for i, curr := range l.records {
		if i > 0 {
			if b := linkBreach(l.records[i-1], curr); b != nil {
				return l.report(b), nil
			}
		}

		computed, err := curr.Recompute(l.hasher)
		if err != nil {
			return Report{}, fmt.Errorf("recompute position %d: %w", i, err)
		}
		if computed != curr.Digest {
			return l.report(&Breach{
				Position: i,
				Stage:    curr.Stage,
				Reason:   ReasonDigestMismatch,
				Expected: computed,
				Actual:   curr.Digest,
			}), nil
		}
	}
	return l.report(nil), nil
}

// Len returns the number of records, including genesis.
func (l *Ledger) Len() int {
	return len(l.records)
}

// Get returns the record at the given zero-based position.
func (l *Ledger) Get(pos int) (Record, error) {
	if pos < 0 || pos >= len(l.records) {
		return Record{}, fmt.Errorf("%w: %d", ErrOutOfRange, pos)
	}
	return l.records[pos], nil
}

// Head returns the digest of the most recent record.
func (l *Ledger) Head() string {
	if len(l.records) == 0 {
		return ""
	}
	return l.records[len(l.records)-1].Digest
}

// Records returns a copy of the chain in order.
func (l *Ledger) Records() []Record {
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// SequenceID returns the id of the tracked unit.
func (l *Ledger) SequenceID() string {
	if len(l.records) == 0 {
		return ""
	}
	return l.records[0].SequenceID
}

// Hasher returns the hasher the ledger digests with.
func (l *Ledger) Hasher() hashing.Hasher {
	return l.hasher
}

func (l *Ledger) report(b *Breach) Report {
	r := Report{
		Status:      StatusVerified,
		TotalStages: len(l.records),
		Breach:      b,
		Head:        l.Head(),
	}
	if b != nil {
		r.Status = StatusCompromised
	}
	if l.hasher != nil {
		r.Algorithm = l.hasher.Name()
	}
	return r
}

func (l *Ledger) emit(kind EventKind, r Record) {
	if l.observer == nil {
		return
	}
	l.observer(Event{
		Kind:       kind,
		SequenceID: r.SequenceID,
		Position:   r.Position,
		Stage:      r.Stage,
		Digest:     r.Digest,
	})
}

func linkBreach(prev, curr Record) *Breach {
	if curr.PrevDigest == prev.Digest {
		return nil
	}
	return &Breach{
		Position: curr.Position,
		Stage:    curr.Stage,
		Reason:   ReasonBrokenLink,
		Expected: prev.Digest,
		Actual:   curr.PrevDigest,
	}
}
