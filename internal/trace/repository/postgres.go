package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

// uniqueViolation is the PostgreSQL SQLSTATE for a duplicate key.
const uniqueViolation = "23505"

// PostgresRepository persists stage records to PostgreSQL (table
// stage_records, see migrations/001_stage_records.up.sql).
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a PostgresRepository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{pool: pool, logger: logger}
}

// Insert implements StageRepository.
// A transaction-scoped advisory lock keyed on the sequence id serialises
// concurrent inserts for the same unit across server instances; the tail is
// then re-read so a stale position is rejected with ErrConflict.
func (r *PostgresRepository) Insert(ctx context.Context, algorithm string, rec provenance.Record) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", rec.SequenceID); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM stage_records WHERE sequence_id = $1", rec.SequenceID,
	).Scan(&count); err != nil {
		return fmt.Errorf("read chain length: %w", err)
	}
	if rec.Position != count {
		return fmt.Errorf("%w: sequence %q has %d records, got position %d", ErrConflict, rec.SequenceID, count, rec.Position)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO stage_records (sequence_id, position, stage, stage_timestamp, prev_digest, digest, algorithm)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.SequenceID, rec.Position, rec.Stage, rec.Timestamp,
		rec.PrevDigest, rec.Digest, algorithm,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrConflict, pgErr.Detail)
		}
		return fmt.Errorf("insert stage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit stage tx: %w", err)
	}

	r.logger.Debug("stage record stored",
		zap.String("sequence_id", rec.SequenceID),
		zap.Int("position", rec.Position),
		zap.String("stage", rec.Stage),
	)
	return nil
}

// Load implements StageRepository. It streams rows ordered by position.
func (r *PostgresRepository) Load(ctx context.Context, sequenceID string) (*Chain, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT position, sequence_id, stage, stage_timestamp, prev_digest, digest, algorithm
		 FROM stage_records WHERE sequence_id = $1 ORDER BY position ASC`, sequenceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage records: %w", err)
	}
	defer rows.Close()

	chain := &Chain{}
	for rows.Next() {
		var rec provenance.Record
		if err := rows.Scan(
			&rec.Position, &rec.SequenceID, &rec.Stage, &rec.Timestamp,
			&rec.PrevDigest, &rec.Digest, &chain.Algorithm,
		); err != nil {
			return nil, fmt.Errorf("scan stage record: %w", err)
		}
		chain.Records = append(chain.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(chain.Records) == 0 {
		return nil, fmt.Errorf("%w: sequence %q", ErrNotFound, sequenceID)
	}
	return chain, nil
}

// ListSequences implements StageRepository.
func (r *PostgresRepository) ListSequences(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT DISTINCT sequence_id FROM stage_records ORDER BY sequence_id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Overwrite implements StageRepository.
func (r *PostgresRepository) Overwrite(ctx context.Context, sequenceID string, position int, prevDigest string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE stage_records SET prev_digest = $3 WHERE sequence_id = $1 AND position = $2`,
		sequenceID, position, prevDigest,
	)
	if err != nil {
		return fmt.Errorf("overwrite stage record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: sequence %q position %d", ErrNotFound, sequenceID, position)
	}
	r.logger.Warn("stage record overwritten",
		zap.String("sequence_id", sequenceID),
		zap.Int("position", position),
	)
	return nil
}
