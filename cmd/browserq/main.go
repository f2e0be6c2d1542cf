package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/manthysbr/browserq/internal/config"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

const usage = `usage: browserq <command> [flags]

commands:
  serve    run the HTTP API, optionally with embedded workers
  worker   run one worker process
  jobs     print the discovered job definitions
`

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1], os.Args[2:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		slog.New(slog.NewJSONHandler(os.Stderr, nil)).Error("browserq failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, command string, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.JobsPath, "jobs", cfg.JobsPath, "job manifest file or directory")

	var workerName string
	switch command {
	case "serve":
		fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
		fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "number of embedded workers")
		storeFlags(fs, &cfg)
	case "worker":
		fs.StringVar(&workerName, "name", "", "worker name (random when empty)")
		storeFlags(fs, &cfg)
	case "jobs":
	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, usage)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	switch command {
	case "serve":
		return serve(ctx, cfg.NewLogger(stdout), cfg)
	case "worker":
		return runWorker(ctx, cfg.NewLogger(stdout), cfg, workerName)
	default:
		// stdout carries the table.
		return listJobs(ctx, cfg.NewLogger(stderr), cfg, stdout)
	}
}

func storeFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "sqlite, postgres or duckdb")
	fs.StringVar(&cfg.DBDSN, "db-dsn", cfg.DBDSN, "database file path or connection URL")
}
