package repository

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stage_records (
    sequence_id     TEXT    NOT NULL,
    position        INTEGER NOT NULL,
    stage           TEXT    NOT NULL,
    stage_timestamp TEXT    NOT NULL,
    prev_digest     TEXT    NOT NULL,
    digest          TEXT    NOT NULL,
    algorithm       TEXT    NOT NULL,
    recorded_at     TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    PRIMARY KEY (sequence_id, position)
);`

// SQLiteRepository persists stage records in a single SQLite file.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite database at path and
// ensures the schema exists. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteRepository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection: SQLite has a single writer and ":memory:" databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

// Close closes the underlying database.
func (r *SQLiteRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Insert implements StageRepository.
func (r *SQLiteRepository) Insert(ctx context.Context, algorithm string, rec provenance.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stage_records WHERE sequence_id = ?", rec.SequenceID,
	).Scan(&count); err != nil {
		return fmt.Errorf("read chain length: %w", err)
	}
	if rec.Position != count {
		return fmt.Errorf("%w: sequence %q has %d records, got position %d", ErrConflict, rec.SequenceID, count, rec.Position)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO stage_records (sequence_id, position, stage, stage_timestamp, prev_digest, digest, algorithm)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SequenceID, rec.Position, rec.Stage, rec.Timestamp,
		rec.PrevDigest, rec.Digest, algorithm,
	); err != nil {
		return fmt.Errorf("insert stage record: %w", err)
	}
	return tx.Commit()
}

// Load implements StageRepository.
func (r *SQLiteRepository) Load(ctx context.Context, sequenceID string) (*Chain, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT position, sequence_id, stage, stage_timestamp, prev_digest, digest, algorithm
		 FROM stage_records WHERE sequence_id = ? ORDER BY position ASC`, sequenceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage records: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
func (r *SQLiteRepository) ListSequences(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT DISTINCT sequence_id FROM stage_records ORDER BY sequence_id ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sequence id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Overwrite implements StageRepository.
func (r *SQLiteRepository) Overwrite(ctx context.Context, sequenceID string, position int, prevDigest string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE stage_records SET prev_digest = ? WHERE sequence_id = ? AND position = ?`,
		prevDigest, sequenceID, position,
	)
	if err != nil {
		return fmt.Errorf("overwrite stage record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("overwrite stage record: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: sequence %q position %d", ErrNotFound, sequenceID, position)
	}
	return nil
}
