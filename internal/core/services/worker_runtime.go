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

const (
	DefaultPollInterval        = 5 * time.Second
	DefaultHeartbeatInterval   = 600 * time.Second
	DefaultBrowserCloseTimeout = 5 * time.Second
	DefaultCancelGrace         = 5 * time.Second
	defaultFinishTimeout       = 10 * time.Second
)

// WorkerConfig tunes a WorkerRuntime. Zero values take the defaults.
type WorkerConfig struct {
	Name                string
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	BrowserCloseTimeout time.Duration
	// CancelGrace bounds how long an interrupted executor is awaited.
	CancelGrace   time.Duration
	FinishTimeout time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.BrowserCloseTimeout <= 0 {
		c.BrowserCloseTimeout = DefaultBrowserCloseTimeout
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = DefaultCancelGrace
	}
	if c.FinishTimeout <= 0 {
		c.FinishTimeout = defaultFinishTimeout
	}
	return c
}

// WorkerRuntime claims jobs one at a time and runs them in a browser it owns
// for its whole lifetime.
type WorkerRuntime struct {
	logger   *slog.Logger
	store    ports.Store
	launcher ports.BrowserLauncher
	registry *jobdef.Registry
	events   *EventBus
	cfg      WorkerConfig
}

// NewWorkerRuntime wires a worker. events may be nil.
func NewWorkerRuntime(logger *slog.Logger, store ports.Store, launcher ports.BrowserLauncher, registry *jobdef.Registry, events *EventBus, cfg WorkerConfig) *WorkerRuntime {
	cfg = cfg.withDefaults()
	return &WorkerRuntime{
		logger:   logger.With("worker", cfg.Name),
		store:    store,
		launcher: launcher,
		registry: registry,
		events:   events,
		cfg:      cfg,
	}
}

func (w *WorkerRuntime) Name() string { return w.cfg.Name }

// Run launches the browser and processes jobs until ctx is cancelled.
// It returns nil on cancellation and an error when the browser fails or a
// result cannot be recorded.
func (w *WorkerRuntime) Run(ctx context.Context) error {
	browser, err := w.launcher.Launch(ctx)
	if err != nil {
		return fmt.Errorf("worker %s: launch browser: %w", w.cfg.Name, err)
	}
	defer w.closeBrowser(browser)

	w.logger.Info("worker started", "poll_interval", w.cfg.PollInterval)
	lastBeat := time.Now()

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return nil
		}

		job, err := w.store.ClaimNext(ctx)
		switch {
		case errors.Is(err, domain.ErrQueueEmpty):
			if time.Since(lastBeat) >= w.cfg.HeartbeatInterval {
				w.logger.Info("worker idle, waiting for jobs")
				lastBeat = time.Now()
			}
			if !sleep(ctx, w.cfg.PollInterval) {
				w.logger.Info("worker stopped")
				return nil
			}
			continue
		case err != nil:
			if ctx.Err() != nil {
				w.logger.Info("worker stopped")
				return nil
			}
			w.logger.Error("failed to claim job", "error", err)
			if !sleep(ctx, w.cfg.PollInterval) {
				return nil
			}
			continue
		}

		lastBeat = time.Now()
		if err := w.process(ctx, browser, job); err != nil {
			if errors.Is(err, domain.ErrInterrupted) && !errors.Is(err, domain.ErrBrowserFatal) && ctx.Err() != nil {
				w.logger.Info("worker stopped during a job", "job_id", job.ID)
				return nil
			}
			return fmt.Errorf("worker %s: %w", w.cfg.Name, err)
		}
	}
}

// process executes a claimed job and records its result. A non-nil error
// means the worker must stop.
func (w *WorkerRuntime) process(ctx context.Context, browser ports.Browser, job domain.Job) error {
	logger := w.logger.With("job_id", job.ID, "job_type", job.Type)
	logger.Info("job claimed")
	w.publish(job.ID, domain.JobStatusInProgress)

	start := time.Now()
	output, execErr := w.execute(ctx, logger, browser, job)

	status := domain.JobStatusDone
	if execErr != nil {
		status = domain.JobStatusFailed
		output = nil
		logger.Error("job failed", "error", execErr, "duration", time.Since(start))
	} else {
		logger.Info("job done", "bytes", len(output), "duration", time.Since(start))
	}

	// The result is recorded even when the worker is shutting down.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.FinishTimeout)
	defer cancel()
	if err := w.store.Finish(finishCtx, job.ID, status, output); err != nil {
		return fmt.Errorf("record result of job %d: %w", job.ID, err)
	}
	w.publish(job.ID, status)

	if errors.Is(execErr, domain.ErrInterrupted) || errors.Is(execErr, domain.ErrBrowserFatal) {
		return execErr
	}
	return nil
}

type execResult struct {
	output []byte
	err    error
}

func (w *WorkerRuntime) execute(ctx context.Context, logger *slog.Logger, browser ports.Browser, job domain.Job) ([]byte, error) {
	def, ok := w.registry.Lookup(job.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownJobType, job.Type)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	bc, err := browser.NewContext(jobCtx)
	if err != nil {
		return nil, interrupted(ctx, fmt.Errorf("open browsing context: %w", err))
	}
	defer release(logger, "browsing context", bc.Close)

	page, err := bc.NewPage(jobCtx)
	if err != nil {
		return nil, interrupted(ctx, fmt.Errorf("open page: %w", err))
	}
	defer release(logger, "page", page.Close)

	if err := def.Validate(jobCtx, job.Input); err != nil {
		return nil, interrupted(ctx, fmt.Errorf("validate input: %w", err))
	}

	done := make(chan execResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		out, err := def.Execute(jobCtx, page, job.Input)
		done <- execResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, interrupted(ctx, res.err)
		}
		return res.output, nil
	case <-ctx.Done():
		cancel()
		select {
		case <-done:
		case <-time.After(w.cfg.CancelGrace):
			logger.Warn("executor did not stop within the cancel grace", "grace", w.cfg.CancelGrace)
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrInterrupted, context.Cause(ctx))
	}
}

// interrupted marks err as an interruption when the worker context is done.
func interrupted(ctx context.Context, err error) error {
	if ctx.Err() != nil && !errors.Is(err, domain.ErrInterrupted) {
		return fmt.Errorf("%w: %w", domain.ErrInterrupted, err)
	}
	return err
}

func release(logger *slog.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logger.Warn("failed to release "+what, "error", err)
	}
}

func (w *WorkerRuntime) closeBrowser(browser ports.Browser) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.BrowserCloseTimeout)
	defer cancel()
	if err := browser.Close(ctx); err != nil {
		w.logger.Warn("browser did not close cleanly", "error", err)
		return
	}
	w.logger.Info("browser closed")
}

func (w *WorkerRuntime) publish(id domain.JobID, status domain.JobStatus) {
	w.events.Publish(Event{JobID: id, Status: status, Time: time.Now()})
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
