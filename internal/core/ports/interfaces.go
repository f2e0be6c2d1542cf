package ports

import (
	"context"

	"github.com/manthysbr/browserq/internal/core/domain"
)

// Store abstracts the durable job queue (SQLite, Postgres, DuckDB).
// It is the only state shared between worker processes.
type Store interface {
	// Enqueue creates a pending job stamped with the current time.
	Enqueue(ctx context.Context, jobType string, input []byte) (domain.Job, error)

	// Get returns the job without its input, or domain.ErrJobNotFound.
	Get(ctx context.Context, id domain.JobID) (domain.Job, error)

	// ClaimNext atomically moves the oldest pending job to in_progress and
	// returns it with its input. Returns domain.ErrQueueEmpty when nothing
	// is pending. At most one caller ever receives a given job.
	ClaimNext(ctx context.Context) (domain.Job, error)

	// Finish moves an in_progress job to done or failed. An output row is
	// written only for done with a non-empty payload.
	Finish(ctx context.Context, id domain.JobID, status domain.JobStatus, output []byte) error

	// GetOutput returns the output of a job, or domain.ErrOutputNotFound.
	GetOutput(ctx context.Context, jobID domain.JobID) (domain.Output, error)

	// Stats counts jobs per status.
	Stats(ctx context.Context) (map[domain.JobStatus]int, error)

	Ping(ctx context.Context) error
	Close() error
}

// BrowserLauncher starts the engine a worker owns for its whole lifetime.
type BrowserLauncher interface {
	Launch(ctx context.Context) (Browser, error)
}

// Browser is a running engine instance.
type Browser interface {
	// NewContext opens an isolated browsing context (own cookies/storage).
	NewContext(ctx context.Context) (BrowsingContext, error)

	// Close shuts the engine down. Implementations must honour the ctx
	// deadline and be safe to call during cancellation.
	Close(ctx context.Context) error
}

// BrowsingContext is one isolated session, created per job.
type BrowsingContext interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a tab inside a browsing context. Every call honours ctx.
type Page interface {
	Navigate(ctx context.Context, url string) error
	SetContent(ctx context.Context, html string) error
	SetViewport(ctx context.Context, width, height int) error
	Screenshot(ctx context.Context, opts domain.ScreenshotOptions) ([]byte, error)
	PDF(ctx context.Context, opts domain.PDFOptions) ([]byte, error)
	HTML(ctx context.Context) (string, error)
	Close() error
}
