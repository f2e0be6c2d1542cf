package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
	"github.com/manthysbr/browserq/internal/jobdef"
)

// JobService is the submission and query side of the queue.
type JobService struct {
	logger   *slog.Logger
	store    ports.Store
	registry *jobdef.Registry
	events   *EventBus
}

// NewJobService creates the service. events may be nil.
func NewJobService(logger *slog.Logger, store ports.Store, registry *jobdef.Registry, events *EventBus) *JobService {
	return &JobService{
		logger:   logger,
		store:    store,
		registry: registry,
		events:   events,
	}
}

// Submit validates input against the named definition and enqueues it.
// Nothing is stored when validation fails.
func (s *JobService) Submit(ctx context.Context, name string, input map[string]any) (domain.Job, error) {
	def, ok := s.registry.Lookup(name)
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %q", domain.ErrUnknownJobType, name)
	}

	canonical, err := def.Canonicalize(input)
	if err != nil {
		return domain.Job{}, fmt.Errorf("%w: %w", domain.ErrValidationFailed, err)
	}
	if err := def.Validate(ctx, canonical); err != nil {
		return domain.Job{}, fmt.Errorf("%w: %w", domain.ErrValidationFailed, err)
	}

	job, err := s.store.Enqueue(ctx, name, canonical)
	if err != nil {
		return domain.Job{}, fmt.Errorf("failed to enqueue job: %w", err)
	}
	s.events.Publish(Event{JobID: job.ID, Status: job.Status, Time: job.CreatedAt})
	s.logger.Info("job submitted", "job_id", job.ID, "job_type", name)
	return job, nil
}

func (s *JobService) Get(ctx context.Context, id domain.JobID) (domain.Job, error) {
	return s.store.Get(ctx, id)
}

// Result returns the output of a finished job. Unfinished, failed and empty
// jobs map to the result-state errors in domain.
func (s *JobService) Result(ctx context.Context, id domain.JobID) (domain.Output, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return domain.Output{}, err
	}

	switch job.Status {
	case domain.JobStatusPending:
		return domain.Output{}, domain.ErrJobPending
	case domain.JobStatusInProgress:
		return domain.Output{}, domain.ErrJobInProgress
	case domain.JobStatusFailed:
		return domain.Output{}, domain.ErrJobFailed
	}

	out, err := s.store.GetOutput(ctx, id)
	if errors.Is(err, domain.ErrOutputNotFound) {
		return domain.Output{}, domain.ErrNoResult
	}
	if err != nil {
		return domain.Output{}, err
	}
	return out, nil
}

func (s *JobService) Definitions() []*jobdef.Definition {
	return s.registry.Definitions()
}

func (s *JobService) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	return s.store.Stats(ctx)
}

func (s *JobService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Watch streams job snapshots whenever the status changes, starting with the
// current one. The channel closes after a terminal status or when ctx ends.
// Events from this process arrive at once; others are seen by polling.
func (s *JobService) Watch(ctx context.Context, id domain.JobID, poll time.Duration) (<-chan domain.Job, error) {
	if poll <= 0 {
		poll = time.Second
	}
	events, unsub := s.subscribe(id)

	job, err := s.store.Get(ctx, id)
	if err != nil {
		unsub()
		return nil, err
	}

	out := make(chan domain.Job, 1)
	go func() {
		defer close(out)
		defer unsub()

		last := job.Status
		out <- job
		if last.Terminal() {
			return
		}

		ticker := time.NewTicker(poll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
			case <-ticker.C:
			}

			current, err := s.store.Get(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Warn("watch: failed to read job", "job_id", id, "error", err)
				}
				return
			}
			if current.Status == last {
				continue
			}
			last = current.Status
			select {
			case out <- current:
			case <-ctx.Done():
				return
			}
			if last.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

func (s *JobService) subscribe(id domain.JobID) (<-chan Event, func()) {
	if s.events == nil {
		return nil, func() {}
	}
	return s.events.Subscribe(id)
}
