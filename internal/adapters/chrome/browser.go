// Package chrome drives Chrome over the DevTools protocol.
package chrome

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/manthysbr/browserq/internal/core/domain"
	"github.com/manthysbr/browserq/internal/core/ports"
)

const startTimeout = 30 * time.Second

// Launcher starts a local Chrome process or attaches to a remote one.
type Launcher struct {
	logger    *slog.Logger
	execPath  string
	remoteURL string
	noSandbox bool
}

// NewLocalLauncher launches headless Chrome. An empty execPath lets chromedp
// search the usual install locations.
func NewLocalLauncher(logger *slog.Logger, execPath string, noSandbox bool) *Launcher {
	return &Launcher{logger: logger, execPath: execPath, noSandbox: noSandbox}
}

// NewRemoteLauncher attaches to a browser already listening on a DevTools
// endpoint, either ws://.../devtools/browser/... or http://host:9222.
func NewRemoteLauncher(logger *slog.Logger, url string) *Launcher {
	return &Launcher{logger: logger, remoteURL: url}
}

func (l *Launcher) Launch(ctx context.Context) (ports.Browser, error) {
	// The browser outlives the caller's ctx; Close shuts it down.
	base := context.WithoutCancel(ctx)

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if l.remoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(base, l.remoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("hide-scrollbars", true),
		)
		if l.execPath != "" {
			opts = append(opts, chromedp.ExecPath(l.execPath))
		}
		if l.noSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(base, opts...)
	}

	b, err := start(ctx, l.logger, allocCtx, allocCancel)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Connect attaches to the DevTools endpoint at url. cleanup, if set, runs
// after the browser is closed.
func Connect(ctx context.Context, logger *slog.Logger, url string, cleanup func(context.Context) error) (*Browser, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.WithoutCancel(ctx), url)
	b, err := start(ctx, logger, allocCtx, allocCancel)
	if err != nil {
		return nil, err
	}
	b.cleanup = cleanup
	return b, nil
}

func start(ctx context.Context, logger *slog.Logger, allocCtx context.Context, allocCancel context.CancelFunc) (*Browser, error) {
	browserCtx, cancel := chromedp.NewContext(allocCtx,
		chromedp.WithErrorf(func(format string, args ...any) {
			logger.Error(fmt.Sprintf(format, args...))
		}),
	)

	// The first Run binds the browser to browserCtx, so it can't carry a
	// deadline itself. Race it against the start timeout instead.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()

	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	select {
	case err := <-started:
		if err != nil {
			cancel()
			allocCancel()
			return nil, fmt.Errorf("chrome: start browser: %w", err)
		}
	case <-timer.C:
		go func() { cancel(); allocCancel() }()
		return nil, errors.New("chrome: start browser: timed out")
	case <-ctx.Done():
		go func() { cancel(); allocCancel() }()
		return nil, fmt.Errorf("chrome: start browser: %w", ctx.Err())
	}

	logger.Info("browser started")
	return &Browser{
		logger:      logger,
		ctx:         browserCtx,
		cancel:      cancel,
		allocCancel: allocCancel,
	}, nil
}

// Browser is a running Chrome instance.
type Browser struct {
	logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	cleanup     func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

var _ ports.Browser = (*Browser)(nil)

// fatal wraps err with domain.ErrBrowserFatal once the browser itself is gone.
func (b *Browser) fatal(err error) error {
	if err == nil {
		return nil
	}
	if b.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrowserFatal, err)
	}
	return err
}

func (b *Browser) NewContext(ctx context.Context) (ports.BrowsingContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBrowserFatal, err)
	}
	return &browsingContext{browser: b}, nil
}

// Close asks Chrome to exit and releases the allocator. It returns
// ctx.Err() if that takes longer than ctx allows; the shutdown then
// continues in the background.
func (b *Browser) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			err := chromedp.Cancel(b.ctx)
			b.cancel()
			b.allocCancel()
			done <- err
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				b.closeErr = fmt.Errorf("chrome: close browser: %w", err)
			}
		case <-ctx.Done():
			b.closeErr = fmt.Errorf("chrome: close browser: %w", ctx.Err())
		}

		if b.cleanup != nil {
			if err := b.cleanup(context.WithoutCancel(ctx)); err != nil {
				b.closeErr = errors.Join(b.closeErr, err)
			}
		}
	})
	return b.closeErr
}

// browsingContext is a Chrome browser context (incognito-like profile).
// It is created with the first page and disposed with it.
type browsingContext struct {
	browser *Browser

	mu     sync.Mutex
	root   context.Context
	cancel context.CancelFunc
	closed bool
}

func (c *browsingContext) NewPage(ctx context.Context) (ports.Page, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("chrome: browsing context closed")
	}

	var (
		tabCtx context.Context
		cancel context.CancelFunc
	)
	if c.root == nil {
		tabCtx, cancel = chromedp.NewContext(c.browser.ctx, chromedp.WithNewBrowserContext())
	} else {
		tabCtx, cancel = chromedp.NewContext(c.root)
	}

	// Allocate the target on tabCtx itself; later calls may use derived contexts.
	if err := run(ctx, tabCtx); err != nil {
		closeWithin(cancel, closeGrace)
		return nil, c.browser.fatal(fmt.Errorf("chrome: open page: %w", err))
	}

	if c.root == nil {
		c.root, c.cancel = tabCtx, cancel
	}
	return &Page{browser: c.browser, ctx: tabCtx, cancel: cancel}, nil
}

func (c *browsingContext) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		closeWithin(c.cancel, closeGrace)
	}
	return nil
}

const closeGrace = 5 * time.Second

// closeWithin calls cancel and waits at most d for it to return.
func closeWithin(cancel context.CancelFunc, d time.Duration) {
	done := make(chan struct{})
	go func() {
		cancel()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
	}
}

// run executes actions on tabCtx, aborting when ctx is done.
func run(ctx, tabCtx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(actions) == 0 {
		// First Run must use tabCtx directly.
		errc := make(chan error, 1)
		go func() { errc <- chromedp.Run(tabCtx) }()
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	opCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}
