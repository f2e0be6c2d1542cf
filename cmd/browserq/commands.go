package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/browserq/internal/adapters"
	"github.com/manthysbr/browserq/internal/adapters/chrome"
	"github.com/manthysbr/browserq/internal/adapters/docker"
	"github.com/manthysbr/browserq/internal/config"
	"github.com/manthysbr/browserq/internal/core/ports"
	"github.com/manthysbr/browserq/internal/core/services"
	"github.com/manthysbr/browserq/internal/jobdef"
	"github.com/manthysbr/browserq/internal/kinds"
	"github.com/manthysbr/browserq/internal/synapse"
	"github.com/manthysbr/browserq/pkg/api"
)

// app holds what every command shares: the wasm runtime and the registry.
type app struct {
	logger   *slog.Logger
	cfg      config.Config
	wasm     *synapse.Runtime
	registry *jobdef.Registry
}

func newApp(ctx context.Context, logger *slog.Logger, cfg config.Config) (*app, error) {
	rt, err := synapse.NewRuntime(ctx, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init wasm runtime: %w", err)
	}
	reg, err := jobdef.Discover(ctx, logger, cfg.JobsPath, kinds.Builtin(kinds.Options{AllowPrivateURLs: cfg.AllowPrivateURLs}, rt)...)
	if err != nil {
		rt.Close(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to load job definitions: %w", err)
	}
	return &app{logger: logger, cfg: cfg, wasm: rt, registry: reg}, nil
}

func (a *app) Close(ctx context.Context) {
	if err := a.wasm.Close(ctx); err != nil {
		a.logger.Warn("failed to close wasm runtime", "error", err)
	}
}

func (a *app) openStore(ctx context.Context) (ports.Store, error) {
	store, err := adapters.OpenStore(ctx, a.cfg.DBDriver, a.cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", a.cfg.DBDriver, err)
	}
	return store, nil
}

// launcher builds the browser launcher for one worker. The returned cleanup
// releases shared resources such as the Docker client.
func (a *app) launcher(ctx context.Context, workerName string) (ports.BrowserLauncher, func(), error) {
	switch a.cfg.Browser {
	case config.BrowserRemote:
		return chrome.NewRemoteLauncher(a.logger, a.cfg.BrowserURL), func() {}, nil
	case config.BrowserDocker:
		mgr, err := docker.NewManager(a.logger)
		if err != nil {
			return nil, nil, err
		}
		if n, err := mgr.ReapExited(ctx); err != nil {
			a.logger.Warn("failed to reap exited browser containers", "error", err)
		} else if n > 0 {
			a.logger.Info("reaped exited browser containers", "count", n)
		}
		spec := docker.ContainerSpec{Image: a.cfg.DockerImage, Owner: workerName}
		return docker.NewBrowserLauncher(a.logger, mgr, spec), func() { mgr.Close() }, nil
	default:
		return chrome.NewLocalLauncher(a.logger, a.cfg.ChromePath, a.cfg.ChromeNoSandbox), func() {}, nil
	}
}

func (a *app) newWorker(ctx context.Context, store ports.Store, events *services.EventBus, name string) (*services.WorkerRuntime, func(), error) {
	launcher, cleanup, err := a.launcher(ctx, name)
	if err != nil {
		return nil, nil, err
	}
	w := services.NewWorkerRuntime(a.logger, store, launcher, a.registry, events, services.WorkerConfig{
		Name:                name,
		PollInterval:        a.cfg.PollInterval,
		HeartbeatInterval:   a.cfg.HeartbeatInterval,
		BrowserCloseTimeout: a.cfg.BrowserCloseTimeout,
	})
	return w, cleanup, nil
}

func serve(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	logger.Info("starting browserq server", "version", version, "config", cfg)

	a, err := newApp(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	events := services.NewEventBus(logger)
	jobs := services.NewJobService(logger, store, a.registry, events)
	apiServer := api.NewServer(logger, jobs, api.Options{
		Version:     version,
		CORSOrigins: cfg.CORSOrigins,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	workers := make([]*services.WorkerRuntime, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		w, cleanup, err := a.newWorker(ctx, store, events, fmt.Sprintf("worker_%d", i+1))
		if err != nil {
			return err
		}
		defer cleanup()
		workers = append(workers, w)
	}

	g, gCtx := errgroup.WithContext(ctx)

	// A stopped embedded worker is logged; the API keeps serving.
	for _, w := range workers {
		g.Go(func() error {
			if err := w.Run(gCtx); err != nil {
				logger.Error("embedded worker stopped", "worker", w.Name(), "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		logger.Info("starting api server", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func runWorker(ctx context.Context, logger *slog.Logger, cfg config.Config, name string) error {
	if !adapters.SharedAcrossProcesses(cfg.DBDriver) {
		return fmt.Errorf("the %s store cannot be shared between processes; use serve --workers instead", cfg.DBDriver)
	}
	if name == "" {
		name = "worker_" + uuid.New().String()[:8]
	}
	logger.Info("starting browserq worker", "version", version, "worker", name, "config", cfg)

	a, err := newApp(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	w, cleanup, err := a.newWorker(ctx, store, nil, name)
	if err != nil {
		return err
	}
	defer cleanup()
	return w.Run(ctx)
}

func listJobs(ctx context.Context, logger *slog.Logger, cfg config.Config, out io.Writer) error {
	a, err := newApp(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tSOURCE\tDESCRIPTION")
	for _, d := range a.registry.Definitions() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name(), d.Kind(), d.Source(), d.Description())
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	modules := a.wasm.Modules()
	if len(modules) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	fmt.Fprintln(tw, "WASM MODULE\tEXPORTS")
	for _, name := range modules {
		m, ok := a.wasm.Module(name)
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, strings.Join(m.ExportedFunctions(), ","))
	}
	return tw.Flush()
}
