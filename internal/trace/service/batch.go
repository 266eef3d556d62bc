package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/silicontrace/internal/hashing"
	"github.com/jmerrifield20/silicontrace/internal/provenance"
	"github.com/jmerrifield20/silicontrace/internal/report"
	"github.com/jmerrifield20/silicontrace/internal/trace/model"
	"github.com/jmerrifield20/silicontrace/internal/trace/repository"
)

var (
	// ErrBatchNotFound is returned when no chain is stored for a sequence id.
	ErrBatchNotFound = errors.New("batch not found")

	// ErrBatchExists is returned by Open when the sequence id is taken.
	ErrBatchExists = errors.New("batch already exists")

	// ErrInvalidStage is returned for a blank stage label.
	ErrInvalidStage = errors.New("stage label is required")

	// ErrInvalidAlgorithm is returned by Open for an algorithm the service
	// cannot build a hasher for.
	ErrInvalidAlgorithm = errors.New("unsupported hashing algorithm")

	// ErrConcurrentAppend is returned when another writer extended the stored
	// chain first. The caller may retry.
	ErrConcurrentAppend = errors.New("batch was modified concurrently")
)

// MetricsRecorder receives counters for batch activity.
// handler.PrometheusRecorder satisfies this interface.
type MetricsRecorder interface {
	RecordBatchOpened()
	RecordStageAppended()
	RecordVerification(status provenance.Status)
}

// batch owns one ledger. mu serialises Append and Verify on it; the
// provenance ledger itself has no locking.
type batch struct {
	mu     sync.Mutex
	ledger *provenance.Ledger
}

// BatchService is the single writer in front of every batch ledger. It keeps
// hydrated ledgers in memory, persists each record through the repository
// and publishes verification reports.
type BatchService struct {
	repo    repository.StageRepository
	hasher  hashing.Hasher
	sink    report.Sink     // nil = reports are only returned
	metrics MetricsRecorder // nil = no metrics
	clock   func() time.Time
	logger  *zap.Logger

	mu      sync.RWMutex
	batches map[string]*batch
}

// NewBatchService creates a BatchService. New batches are digested with
// hasher; stored batches keep the algorithm they were created with.
func NewBatchService(repo repository.StageRepository, hasher hashing.Hasher, logger *zap.Logger) *BatchService {
	return &BatchService{
		repo:    repo,
		hasher:  hasher,
		clock:   time.Now,
		logger:  logger,
		batches: make(map[string]*batch),
	}
}

// SetReportSink configures where verification reports are published.
func (s *BatchService) SetReportSink(sink report.Sink) {
	s.sink = sink
}

// SetMetricsRecorder configures the metrics callback.
func (s *BatchService) SetMetricsRecorder(m MetricsRecorder) {
	s.metrics = m
}

// SetClock overrides the clock used for default timestamps.
func (s *BatchService) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Open creates a batch whose chain starts with the given genesis stage. The
// stage label and timestamp are stored exactly as given. req.Algorithm
// overrides the service's hasher for this batch.
func (s *BatchService) Open(ctx context.Context, req *model.OpenBatchRequest) (provenance.Record, error) {
	if blank(req.Stage) {
		return provenance.Record{}, ErrInvalidStage
	}
	seq := req.SequenceID
	if blank(seq) {
		seq = uuid.NewString()
	}
	h := s.hasher
	if req.Algorithm != "" {
		var err error
		if h, err = s.hasherFor(req.Algorithm); err != nil {
			return provenance.Record{}, fmt.Errorf("%w: %v", ErrInvalidAlgorithm, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[seq]; ok {
		return provenance.Record{}, fmt.Errorf("%w: %s", ErrBatchExists, seq)
	}
	if _, err := s.repo.Load(ctx, seq); err == nil {
		return provenance.Record{}, fmt.Errorf("%w: %s", ErrBatchExists, seq)
	} else if !errors.Is(err, repository.ErrNotFound) {
		return provenance.Record{}, fmt.Errorf("check batch %s: %w", seq, err)
	}

	l, err := provenance.New(h, seq, req.Stage, s.timestamp(req.Timestamp), provenance.WithObserver(s.observe))
	if err != nil {
		return provenance.Record{}, err
	}
	genesis, _ := l.Get(0)

	if err := s.repo.Insert(ctx, h.Name(), genesis); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return provenance.Record{}, fmt.Errorf("%w: %s", ErrBatchExists, seq)
		}
		return provenance.Record{}, fmt.Errorf("store genesis: %w", err)
	}

	s.batches[seq] = &batch{ledger: l}
	if s.metrics != nil {
		s.metrics.RecordBatchOpened()
	}
	return genesis, nil
}

// Append records a new stage for the batch.
func (s *BatchService) Append(ctx context.Context, sequenceID string, req *model.AppendStageRequest) (provenance.Record, error) {
	if blank(req.Stage) {
		return provenance.Record{}, ErrInvalidStage
	}

	b, err := s.batch(ctx, sequenceID)
	if err != nil {
		return provenance.Record{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec, err := b.ledger.Append(req.Stage, s.timestamp(req.Timestamp))
	if err != nil {
		return provenance.Record{}, err
	}

	if err := s.repo.Insert(ctx, b.ledger.Hasher().Name(), rec); err != nil {
		// The in-memory chain is now ahead of storage; drop it so the next
		// access reloads from the repository.
		s.evict(sequenceID)
		if errors.Is(err, repository.ErrConflict) {
			return provenance.Record{}, fmt.Errorf("%w: %s", ErrConcurrentAppend, sequenceID)
		}
		return provenance.Record{}, fmt.Errorf("store stage: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordStageAppended()
	}
	return rec, nil
}

// Verify reloads the batch's chain from the repository and checks it. With
// deep set every digest is recomputed as well. A compromised chain is a
// normal result, not an error. The report is recorded and published.
func (s *BatchService) Verify(ctx context.Context, sequenceID string, deep bool) (provenance.Report, error) {
	rep, err := s.Inspect(ctx, sequenceID, deep)
	if err != nil {
		return provenance.Report{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordVerification(rep.Status)
	}
	if s.sink != nil {
		if err := s.sink.Publish(ctx, sequenceID, rep); err != nil {
			s.logger.Error("publish verification report failed (non-fatal)",
				zap.String("sequence_id", sequenceID),
				zap.Error(err),
			)
		}
	}
	return rep, nil
}

// Inspect verifies the stored chain like Verify but neither records metrics
// nor publishes the report.
func (s *BatchService) Inspect(ctx context.Context, sequenceID string, deep bool) (provenance.Report, error) {
	b, err := s.batch(ctx, sequenceID)
	if err != nil {
		return provenance.Report{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Verify what is at rest, not the cached copy.
	l, err := s.load(ctx, sequenceID)
	if err != nil {
		return provenance.Report{}, err
	}
	b.ledger = l

	if deep {
		return l.VerifyDigests()
	}
	return l.Verify(), nil
}

// Records returns the stored chain for a batch.
func (s *BatchService) Records(ctx context.Context, sequenceID string) ([]provenance.Record, error) {
	chain, err := s.repo.Load(ctx, sequenceID)
	if err != nil {
		return nil, mapNotFound(err, sequenceID)
	}
	return chain.Records, nil
}

// Record returns the stored record at position.
func (s *BatchService) Record(ctx context.Context, sequenceID string, position int) (provenance.Record, error) {
	recs, err := s.Records(ctx, sequenceID)
	if err != nil {
		return provenance.Record{}, err
	}
	if position < 0 || position >= len(recs) {
		return provenance.Record{}, fmt.Errorf("%w: %s position %d", ErrBatchNotFound, sequenceID, position)
	}
	return recs[position], nil
}

// Describe summarises a batch's stored chain.
func (s *BatchService) Describe(ctx context.Context, sequenceID string) (*model.BatchSummary, error) {
	chain, err := s.repo.Load(ctx, sequenceID)
	if err != nil {
		return nil, mapNotFound(err, sequenceID)
	}
	last := chain.Records[len(chain.Records)-1]
	return &model.BatchSummary{
		SequenceID: sequenceID,
		Algorithm:  chain.Algorithm,
		Stages:     len(chain.Records),
		Head:       last.Digest,
		LastStage:  last.Stage,
	}, nil
}

// List returns every stored sequence id.
func (s *BatchService) List(ctx context.Context) ([]string, error) {
	return s.repo.ListSequences(ctx)
}

// Overwrite replaces a stored PrevDigest, simulating tampering at rest.
// The cached ledger is dropped so the change is visible to Verify.
func (s *BatchService) Overwrite(ctx context.Context, sequenceID string, position int, prevDigest string) error {
	if err := s.repo.Overwrite(ctx, sequenceID, position, prevDigest); err != nil {
		return mapNotFound(err, sequenceID)
	}
	s.evict(sequenceID)
	s.logger.Warn("stored prev digest overwritten",
		zap.String("sequence_id", sequenceID),
		zap.Int("position", position),
	)
	return nil
}

// batch returns the cached batch, hydrating it from the repository on miss.
func (s *BatchService) batch(ctx context.Context, sequenceID string) (*batch, error) {
	s.mu.RLock()
	b, ok := s.batches[sequenceID]
	s.mu.RUnlock()
	if ok {
		return b, nil
	}

	l, err := s.load(ctx, sequenceID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.batches[sequenceID]; ok {
		return b, nil
	}
	b = &batch{ledger: l}
	s.batches[sequenceID] = b
	return b, nil
}

func (s *BatchService) load(ctx context.Context, sequenceID string) (*provenance.Ledger, error) {
	chain, err := s.repo.Load(ctx, sequenceID)
	if err != nil {
		return nil, mapNotFound(err, sequenceID)
	}
	h, err := s.hasherFor(chain.Algorithm)
	if err != nil {
		return nil, fmt.Errorf("batch %s: %w", sequenceID, err)
	}
	l, err := provenance.Restore(h, chain.Records, provenance.WithObserver(s.observe))
	if err != nil {
		return nil, fmt.Errorf("restore batch %s: %w", sequenceID, err)
	}
	return l, nil
}

// hasherFor returns the configured hasher when it matches the stored
// algorithm, so keyed hashers can be restored.
func (s *BatchService) hasherFor(algorithm string) (hashing.Hasher, error) {
	if algorithm == s.hasher.Name() {
		return s.hasher, nil
	}
	return hashing.ByName(algorithm)
}

func (s *BatchService) evict(sequenceID string) {
	s.mu.Lock()
	delete(s.batches, sequenceID)
	s.mu.Unlock()
}

func (s *BatchService) observe(e provenance.Event) {
	s.logger.Info("ledger "+string(e.Kind),
		zap.String("sequence_id", e.SequenceID),
		zap.Int("position", e.Position),
		zap.String("stage", e.Stage),
		zap.String("digest", e.Digest),
	)
}

// timestamp defaults an omitted timestamp to the current UTC date. A
// supplied one is opaque and kept verbatim.
func (s *BatchService) timestamp(ts string) string {
	if ts != "" {
		return ts
	}
	return s.clock().UTC().Format(time.DateOnly)
}

func blank(v string) bool {
	return strings.TrimSpace(v) == ""
}

func mapNotFound(err error, sequenceID string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, sequenceID)
	}
	return err
}
