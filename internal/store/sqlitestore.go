package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/audioscore/api/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	current_stage    TEXT NOT NULL DEFAULT '',
	record           TEXT NOT NULL,
	claim_owner      TEXT NOT NULL DEFAULT '',
	claim_expires_at INTEGER NOT NULL DEFAULT 0,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`

// SQLiteStore persists job records in a local SQLite database. It serves
// deployments that have no persistent Redis; the full record is kept as
// a JSON blob alongside the columns the store itself queries on.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows one writer; serialize access from this process.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure sqlite: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Create(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, current_stage, record, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Status), string(job.CurrentStage), string(data),
		job.CreatedAt.UnixMilli(), job.UpdatedAt.UnixMilli())
	if err != nil {
		// Unique constraint on id means the job already exists.
		var count int
		if qerr := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, job.ID).Scan(&count); qerr == nil && count > 0 {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	var record string
	err := s.db.QueryRowContext(ctx, `SELECT record FROM jobs WHERE id = ?`, jobID).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal([]byte(record), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (s *SQLiteStore) Update(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, current_stage = ?, record = ?, updated_at = ? WHERE id = ?`,
		string(job.Status), string(job.CurrentStage), string(data), job.UpdatedAt.UnixMilli(), job.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Claim(ctx context.Context, jobID, ownerID string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET claim_owner = ?, claim_expires_at = ?
		 WHERE id = ? AND (claim_owner = '' OR claim_owner = ? OR claim_expires_at < ?)`,
		ownerID, now.Add(ttl).UnixMilli(), jobID, ownerID, now.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) RefreshClaim(ctx context.Context, jobID, ownerID string, ttl time.Duration) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET claim_expires_at = ?
		 WHERE id = ? AND claim_owner = ? AND claim_expires_at >= ?`,
		now.Add(ttl).UnixMilli(), jobID, ownerID, now.UnixMilli())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *SQLiteStore) ReleaseClaim(ctx context.Context, jobID, ownerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET claim_owner = '', claim_expires_at = 0 WHERE id = ? AND claim_owner = ?`,
		jobID, ownerID)
	return err
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET cancel_requested = 1 WHERE id = ?`, jobID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_requested FROM jobs WHERE id = ?`, jobID).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return flag == 1, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
