package docker

import (
	"context"
	"log/slog"

	"github.com/manthysbr/browserq/internal/adapters/chrome"
	"github.com/manthysbr/browserq/internal/core/ports"
)

// BrowserLauncher runs each worker's browser in its own container. The
// container is removed when the browser is closed.
type BrowserLauncher struct {
	manager *Manager
	logger  *slog.Logger
	spec    ContainerSpec
}

var _ ports.BrowserLauncher = (*BrowserLauncher)(nil)

func NewBrowserLauncher(logger *slog.Logger, manager *Manager, spec ContainerSpec) *BrowserLauncher {
	return &BrowserLauncher{manager: manager, logger: logger, spec: spec}
}

func (l *BrowserLauncher) Launch(ctx context.Context) (ports.Browser, error) {
	c, err := l.manager.Start(ctx, l.spec)
	if err != nil {
		return nil, err
	}

	b, err := chrome.Connect(ctx, l.logger, c.Endpoint, func(ctx context.Context) error {
		return l.manager.Remove(ctx, c.ID)
	})
	if err != nil {
		l.manager.remove(context.WithoutCancel(ctx), c.ID)
		return nil, err
	}
	return b, nil
}
