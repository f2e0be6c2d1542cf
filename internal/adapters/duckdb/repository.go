// Package duckdb is an embedded job store for a single process running the
// HTTP server and its workers together. A DuckDB file cannot be opened by
// several writer processes, so standalone workers need sqlite or postgres.
package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
)

// No secondary index on jobs and no foreign key on outputs: DuckDB rewrites
// updated rows of indexed tables as delete+insert, which those constraints reject.
const schema = `
CREATE SEQUENCE IF NOT EXISTS jobs_id_seq START 1;
CREATE SEQUENCE IF NOT EXISTS outputs_id_seq START 1;
CREATE TABLE IF NOT EXISTS jobs (
  id BIGINT PRIMARY KEY DEFAULT nextval('jobs_id_seq'),
  type VARCHAR NOT NULL,
  status VARCHAR NOT NULL CHECK (status IN ('pending', 'in_progress', 'done', 'failed')),
  input BLOB NOT NULL,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS outputs (
  id BIGINT PRIMARY KEY DEFAULT nextval('outputs_id_seq'),
  job_id BIGINT NOT NULL UNIQUE,
  output BLOB NOT NULL
);
`

type Repository struct {
	db *sql.DB
	// mu serialises every write; DuckDB aborts concurrent transactions
	// that touch the same row instead of queueing them.
	mu sync.Mutex
}

var _ ports.Store = (*Repository)(nil)

// NewRepository opens the database at path ("" for in-memory) and applies the schema.
func NewRepository(ctx context.Context, path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: apply schema: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error { return r.db.Close() }

func (r *Repository) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

func (r *Repository) Enqueue(ctx context.Context, jobType string, input []byte) (domain.Job, error) {
	if input == nil {
		input = []byte{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	created := now()
	var id int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO jobs (type, status, input, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
		jobType, string(domain.JobStatusPending), input, created,
	).Scan(&id)
	if err != nil {
		return domain.Job{}, fmt.Errorf("duckdb: enqueue: %w", err)
	}
	return domain.Job{
		ID:        domain.JobID(id),
		Type:      jobType,
		Status:    domain.JobStatusPending,
		CreatedAt: created,
	}, nil
}

func (r *Repository) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, type, status, created_at, updated_at FROM jobs WHERE id = ?`, int64(id))

	var (
		job     domain.Job
		jid     int64
		status  string
		updated *time.Time
	)
	if err := row.Scan(&jid, &job.Type, &status, &job.CreatedAt, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("duckdb: get job %d: %w", id, err)
	}
	job.ID = domain.JobID(jid)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	if updated != nil {
		u := updated.UTC()
		job.UpdatedAt = &u
	}
	return job, nil
}

func (r *Repository) ClaimNext(ctx context.Context) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, fmt.Errorf("duckdb: claim: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var (
		job domain.Job
		jid int64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, type, input, created_at FROM jobs
		 WHERE status = 'pending'
		 ORDER BY created_at, id
		 LIMIT 1`,
	).Scan(&jid, &job.Type, &job.Input, &job.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrQueueEmpty
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("duckdb: claim: select: %w", err)
	}

	updated := now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'in_progress', updated_at = ? WHERE id = ?`, updated, jid,
	); err != nil {
		return domain.Job{}, fmt.Errorf("duckdb: claim: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, fmt.Errorf("duckdb: claim: commit: %w", err)
	}

	job.ID = domain.JobID(jid)
	job.Status = domain.JobStatusInProgress
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = &updated
	return job, nil
}

func (r *Repository) Finish(ctx context.Context, id domain.JobID, status domain.JobStatus, output []byte) error {
	if !status.Terminal() {
		return fmt.Errorf("duckdb: finish job %d: %w: %q", id, domain.ErrInvalidStatus, status)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: finish job %d: %w", id, err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, int64(id)).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("duckdb: finish job %d: %w", id, err)
	}
	if domain.JobStatus(current) != domain.JobStatusInProgress {
		return fmt.Errorf("%w: job %d is %s", domain.ErrJobNotInProgress, id, current)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`, string(status), now(), int64(id),
	); err != nil {
		return fmt.Errorf("duckdb: finish job %d: %w", id, err)
	}
	if status == domain.JobStatusDone && len(output) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outputs (job_id, output) VALUES (?, ?)`, int64(id), output,
		); err != nil {
			return fmt.Errorf("duckdb: store output of job %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("duckdb: finish job %d: %w", id, err)
	}
	return nil
}

func (r *Repository) GetOutput(ctx context.Context, jobID domain.JobID) (domain.Output, error) {
	var (
		out domain.Output
		jid int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, job_id, output FROM outputs WHERE job_id = ?`, int64(jobID),
	).Scan(&out.ID, &jid, &out.Output)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Output{}, domain.ErrOutputNotFound
	}
	if err != nil {
		return domain.Output{}, fmt.Errorf("duckdb: get output of job %d: %w", jobID, err)
	}
	out.JobID = domain.JobID(jid)
	return out, nil
}

func (r *Repository) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("duckdb: stats: %w", err)
	}
	defer rows.Close()

	stats := map[domain.JobStatus]int{
		domain.JobStatusPending:    0,
		domain.JobStatusInProgress: 0,
		domain.JobStatusDone:       0,
		domain.JobStatusFailed:     0,
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("duckdb: stats: %w", err)
		}
		stats[domain.JobStatus(status)] = int(n)
	}
	return stats, rows.Err()
}
