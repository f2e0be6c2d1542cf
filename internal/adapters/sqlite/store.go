// Package sqlite is the default job store, backed by a single SQLite file
// that several worker processes can share.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  type TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('pending', 'in_progress', 'done', 'failed')),
  input BLOB NOT NULL,
  created_at INTEGER NOT NULL,
  updated_at INTEGER
);
CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at, id);
CREATE TABLE IF NOT EXISTS outputs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  job_id INTEGER NOT NULL UNIQUE REFERENCES jobs (id),
  output BLOB NOT NULL
);
`

// busyTimeout is how long a writer waits on a locked database before failing.
const busyTimeout = 10 * time.Second

type Store struct {
	db *sql.DB
}

var _ ports.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// dsn adds the pragmas every connection needs: a busy timeout so claimers
// queue up instead of failing, WAL so readers don't block the writer.
func dsn(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}
	return fmt.Sprintf("%s%s_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)",
		path, sep, busyTimeout.Milliseconds())
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Enqueue(ctx context.Context, jobType string, input []byte) (domain.Job, error) {
	if input == nil {
		input = []byte{}
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (type, status, input, created_at) VALUES (?, ?, ?, ?)`,
		jobType, string(domain.JobStatusPending), input, now.UnixMicro(),
	)
	if err != nil {
		return domain.Job{}, fmt.Errorf("sqlite: enqueue: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Job{}, fmt.Errorf("sqlite: enqueue: %w", err)
	}
	return domain.Job{
		ID:        domain.JobID(id),
		Type:      jobType,
		Status:    domain.JobStatusPending,
		CreatedAt: time.UnixMicro(now.UnixMicro()).UTC(),
	}, nil
}

func (s *Store) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, status, created_at, updated_at FROM jobs WHERE id = ?`, int64(id))

	var (
		job                domain.Job
		jid, createdMicros int64
		status             string
		updatedMicros      sql.NullInt64
	)
	if err := row.Scan(&jid, &job.Type, &status, &createdMicros, &updatedMicros); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrJobNotFound
		}
		return domain.Job{}, fmt.Errorf("sqlite: get job %d: %w", id, err)
	}
	job.ID = domain.JobID(jid)
	job.Status = domain.JobStatus(status)
	job.CreatedAt = time.UnixMicro(createdMicros).UTC()
	if updatedMicros.Valid {
		t := time.UnixMicro(updatedMicros.Int64).UTC()
		job.UpdatedAt = &t
	}
	return job, nil
}

// ClaimNext runs the select and update inside BEGIN IMMEDIATE on a dedicated
// connection. IMMEDIATE takes the write lock up front, so a second claimer
// in any process waits (busy_timeout) until the first one commits.
func (s *Store) ClaimNext(ctx context.Context) (job domain.Job, err error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return domain.Job{}, fmt.Errorf("sqlite: claim: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return domain.Job{}, fmt.Errorf("sqlite: claim: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.WithoutCancel(ctx), "ROLLBACK")
		}
	}()

	var (
		jid, createdMicros int64
		input              []byte
	)
	row := conn.QueryRowContext(ctx,
		`SELECT id, type, input, created_at FROM jobs
		 WHERE status = 'pending'
		 ORDER BY created_at, id
		 LIMIT 1`)
	if err := row.Scan(&jid, &job.Type, &input, &createdMicros); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, domain.ErrQueueEmpty
		}
		return domain.Job{}, fmt.Errorf("sqlite: claim: select: %w", err)
	}

	now := time.Now().UTC()
	if _, err := conn.ExecContext(ctx,
		`UPDATE jobs SET status = 'in_progress', updated_at = ? WHERE id = ?`,
		now.UnixMicro(), jid,
	); err != nil {
		return domain.Job{}, fmt.Errorf("sqlite: claim: update: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return domain.Job{}, fmt.Errorf("sqlite: claim: commit: %w", err)
	}
	committed = true

	updated := time.UnixMicro(now.UnixMicro()).UTC()
	job.ID = domain.JobID(jid)
	job.Status = domain.JobStatusInProgress
	job.Input = input
	job.CreatedAt = time.UnixMicro(createdMicros).UTC()
	job.UpdatedAt = &updated
	return job, nil
}

func (s *Store) Finish(ctx context.Context, id domain.JobID, status domain.JobStatus, output []byte) error {
	if !status.Terminal() {
		return fmt.Errorf("sqlite: finish job %d: %w: %q", id, domain.ErrInvalidStatus, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: finish job %d: %w", id, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = 'in_progress'`,
		string(status), time.Now().UTC().UnixMicro(), int64(id),
	)
	if err != nil {
		return fmt.Errorf("sqlite: finish job %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: finish job %d: %w", id, err)
	}
	if n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, int64(id)).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrJobNotFound
		}
		if err != nil {
			return fmt.Errorf("sqlite: finish job %d: %w", id, err)
		}
		return fmt.Errorf("%w: job %d is %s", domain.ErrJobNotInProgress, id, current)
	}

	if status == domain.JobStatusDone && len(output) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO outputs (job_id, output) VALUES (?, ?)`, int64(id), output,
		); err != nil {
			return fmt.Errorf("sqlite: store output of job %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: finish job %d: %w", id, err)
	}
	return nil
}

func (s *Store) GetOutput(ctx context.Context, jobID domain.JobID) (domain.Output, error) {
	var (
		out    domain.Output
		jid    int64
		output []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, job_id, output FROM outputs WHERE job_id = ?`, int64(jobID),
	).Scan(&out.ID, &jid, &output)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Output{}, domain.ErrOutputNotFound
	}
	if err != nil {
		return domain.Output{}, fmt.Errorf("sqlite: get output of job %d: %w", jobID, err)
	}
	out.JobID = domain.JobID(jid)
	out.Output = output
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: stats: %w", err)
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
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("sqlite: stats: %w", err)
		}
		stats[domain.JobStatus(status)] = n
	}
	return stats, rows.Err()
}
