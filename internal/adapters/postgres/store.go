// Package postgres is the job store for deployments where workers run on
// several hosts.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
)

// Advisory lock keys. Claimers and schema migration serialise on these.
const (
	claimLockKey  int64 = 0x62717565 // "bque"
	schemaLockKey int64 = 0x62717364 // "bqsd"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id BIGSERIAL PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('pending', 'in_progress', 'done', 'failed')),
  input BYTEA NOT NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at, id);
CREATE TABLE IF NOT EXISTS outputs (
  id BIGSERIAL PRIMARY KEY,
  job_id BIGINT NOT NULL UNIQUE REFERENCES jobs (id),
  output BYTEA NOT NULL
);
`

type Store struct {
	pool *pgxpool.Pool
}

var _ ports.Store = (*Store)(nil)

// Open connects to the database at url and applies the schema.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockKey); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, schema)
		return err
	})
	if err != nil {
		return fmt.Errorf("postgres: apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Truncate deletes every job and output. Used by tests.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE outputs, jobs RESTART IDENTITY`)
	return err
}

func (s *Store) Enqueue(ctx context.Context, jobType string, input []byte) (domain.Job, error) {
	if input == nil {
		input = []byte{}
	}
	job := domain.Job{Type: jobType, Status: domain.JobStatusPending}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO jobs (type, status, input) VALUES ($1, $2, $3) RETURNING id, created_at`,
		jobType, string(domain.JobStatusPending), input,
	).Scan(&id, &job.CreatedAt)
	if err != nil {
		return domain.Job{}, fmt.Errorf("postgres: enqueue: %w", err)
	}
	job.ID = domain.JobID(id)
	job.CreatedAt = job.CreatedAt.UTC()
	return job, nil
}

func (s *Store) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	var (
		job     domain.Job
		jid     int64
		status  string
		updated *time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, status, created_at, updated_at FROM jobs WHERE id = $1`, int64(id),
	).Scan(&jid, &job.Type, &status, &job.CreatedAt, &updated)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("postgres: get job %d: %w", id, err)
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

// ClaimNext holds a transaction-scoped advisory lock while it selects and
// updates the oldest pending job, so concurrent claimers on any host queue
// behind each other and never see the same row.
func (s *Store) ClaimNext(ctx context.Context) (domain.Job, error) {
	var job domain.Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, claimLockKey); err != nil {
			return err
		}

		var (
			jid     int64
			updated time.Time
		)
		err := tx.QueryRow(ctx, `
			UPDATE jobs SET status = 'in_progress', updated_at = now()
			WHERE id = (
				SELECT id FROM jobs
				WHERE status = 'pending'
				ORDER BY created_at, id
				LIMIT 1
				FOR UPDATE
			)
			RETURNING id, type, input, created_at, updated_at`,
		).Scan(&jid, &job.Type, &job.Input, &job.CreatedAt, &updated)
		if err != nil {
			return err
		}
		job.ID = domain.JobID(jid)
		job.Status = domain.JobStatusInProgress
		job.CreatedAt = job.CreatedAt.UTC()
		updated = updated.UTC()
		job.UpdatedAt = &updated
		return nil
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Job{}, domain.ErrQueueEmpty
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("postgres: claim: %w", err)
	}
	return job, nil
}

func (s *Store) Finish(ctx context.Context, id domain.JobID, status domain.JobStatus, output []byte) error {
	if !status.Terminal() {
		return fmt.Errorf("postgres: finish job %d: %w: %q", id, domain.ErrInvalidStatus, status)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2 AND status = 'in_progress'`,
			string(status), int64(id),
		)
		if err != nil {
			return fmt.Errorf("postgres: finish job %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			var current string
			err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, int64(id)).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.ErrJobNotFound
			}
			if err != nil {
				return fmt.Errorf("postgres: finish job %d: %w", id, err)
			}
			return fmt.Errorf("%w: job %d is %s", domain.ErrJobNotInProgress, id, current)
		}

		if status == domain.JobStatusDone && len(output) > 0 {
			if _, err := tx.Exec(ctx,
				`INSERT INTO outputs (job_id, output) VALUES ($1, $2)`, int64(id), output,
			); err != nil {
				return fmt.Errorf("postgres: store output of job %d: %w", id, err)
			}
		}
		return nil
	})
}

func (s *Store) GetOutput(ctx context.Context, jobID domain.JobID) (domain.Output, error) {
	var (
		out domain.Output
		jid int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, job_id, output FROM outputs WHERE job_id = $1`, int64(jobID),
	).Scan(&out.ID, &jid, &out.Output)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Output{}, domain.ErrOutputNotFound
	}
	if err != nil {
		return domain.Output{}, fmt.Errorf("postgres: get output of job %d: %w", jobID, err)
	}
	out.JobID = domain.JobID(jid)
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: stats: %w", err)
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
			return nil, fmt.Errorf("postgres: stats: %w", err)
		}
		stats[domain.JobStatus(status)] = int(n)
	}
	return stats, rows.Err()
}
