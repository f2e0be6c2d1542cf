package domain

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// JobID is assigned by the store on insert and grows monotonically.
type JobID int64

func (id JobID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseJobID parses the decimal form produced by JobID.String.
func ParseJobID(s string) (JobID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	return JobID(n), nil
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusInProgress, JobStatusDone, JobStatusFailed:
		return true
	}
	return false
}

// Job is one unit of requested browser work.
// Input holds the canonical JSON of the validated definition fields. It is
// only populated on claim; status reads never carry it.
type Job struct {
	ID        JobID      `json:"id"`
	Type      string     `json:"type"`
	Status    JobStatus  `json:"status"`
	Input     []byte     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
}

// Output is the result of a job that finished done with a non-empty payload.
type Output struct {
	ID     int64  `json:"id"`
	JobID  JobID  `json:"job_id"`
	Output []byte `json:"output"`
}

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrOutputNotFound   = errors.New("output not found")
	ErrQueueEmpty       = errors.New("no pending jobs")
	ErrJobNotInProgress = errors.New("job is not in progress")
	ErrInvalidStatus    = errors.New("invalid terminal status")
)

// Submission and result-state errors surfaced by the job service.
var (
	ErrUnknownJobType   = errors.New("job with that name is not defined")
	ErrValidationFailed = errors.New("job validation failed")
	ErrJobPending       = errors.New("job is pending")
	ErrJobInProgress    = errors.New("job is in progress")
	ErrJobFailed        = errors.New("job failed")
	ErrNoResult         = errors.New("job finished, but there's no result")
)
