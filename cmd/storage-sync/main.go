package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/storage-sync/internal/config"
	apperrors "github.com/alexjbarnes/storage-sync/internal/errors"
	"github.com/alexjbarnes/storage-sync/internal/library"
	"github.com/alexjbarnes/storage-sync/internal/logging"
	"github.com/alexjbarnes/storage-sync/internal/metrics"
	"github.com/alexjbarnes/storage-sync/internal/state"
	"github.com/alexjbarnes/storage-sync/storage"
	"github.com/alexjbarnes/storage-sync/storage/zfs"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

const usage = `usage: storage-sync <command> [args]

commands:
  sync [-force]          upload local changes and download remote ones
  download [-force]      download remote changes only
  watch                  sync once, then upload attachments as they change
  last-sync              print the server's last storage sync time
  purge [user|group]     remove synced files of deleted libraries from the server
  reset [attachment-id]  forget sync state for one attachment or all of them
  resolve <id> local|remote
                         keep one side of a conflict on the next sync
  status                 print the local sync ledger
  version                print the version
`

// exitPartial is the exit status of a run that completed but left work
// undone: quota reached, failed items or unresolved conflicts.
const exitPartial = 2

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"sync":      runSync,
	"download":  runDownload,
	"watch":     runWatch,
	"last-sync": runLastSync,
	"purge":     runPurge,
	"reset":     runReset,
	"resolve":   runResolve,
	"status":    runStatus,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	name, args := os.Args[1], os.Args[2:]

	switch name {
	case "version":
		fmt.Println(Version)
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", name, usage)
		os.Exit(1)
	}

	if err := run(cmd, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)

		if errors.Is(err, apperrors.ErrPartialSync) {
			os.Exit(exitPartial)
		}

		os.Exit(1)
	}
}

func run(cmd command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	redacted := cfg.Redacted()
	logger.Info("storage-sync starting",
		slog.String("version", Version),
		slog.String("api_url", redacted.APIURL),
		slog.Int64("user_id", redacted.UserID),
		slog.String("username", redacted.Username),
		slog.String("password", redacted.Password),
		slog.String("environment", redacted.Environment),
	)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.MetricsAddr, logger)
		})
	}

	g.Go(func() error {
		// The metrics server lives only as long as the command.
		defer cancel()

		return cmd(gctx, a, args)
	})

	return g.Wait()
}

// app holds the wired components shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	state     *state.State
	lib       *library.Library
	mode      *zfs.Mode
	conflicts *storage.Conflicts
	sink      *storage.LogSink
	runner    *storage.Runner
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := state.LoadAt(cfg.StateDB)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	lib, err := library.Open(library.Config{
		ManifestPath:  cfg.LibraryManifest,
		StorageDir:    cfg.StorageDir,
		IncludeGroups: cfg.IncludeGroupFiles,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening library: %w", err)
	}

	conflicts := &storage.Conflicts{}
	sink := storage.NewLogSink(logger)

	mode, err := zfs.New(zfs.Config{
		Client: zfs.ClientConfig{
			RootURL:   cfg.APIURL,
			UserID:    cfg.UserID,
			Username:  cfg.Username,
			Password:  cfg.Password,
			RateLimit: cfg.APIRateLimit,
			Timeout:   cfg.HTTPTimeout,
		},
		TempDir:          cfg.TempDir,
		DisableAutoReset: cfg.DisableAutoReset,
	}, zfs.Deps{
		Store:     lib,
		Ledger:    st,
		Settings:  st,
		Sink:      sink,
		Resetter:  st,
		Conflicts: conflicts,
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating storage mode: %w", err)
	}

	runner := storage.NewRunner(storage.RunnerConfig{
		Mode:         mode,
		Settings:     st,
		Conflicts:    conflicts,
		Sink:         sink,
		MaxUploads:   cfg.MaxConcurrentUploads,
		MaxDownloads: cfg.MaxConcurrentDownloads,
	}, logger)

	return &app{
		cfg:       cfg,
		logger:    logger,
		state:     st,
		lib:       lib,
		mode:      mode,
		conflicts: conflicts,
		sink:      sink,
		runner:    runner,
	}, nil
}

func (a *app) Close() {
	if err := a.state.Close(); err != nil {
		a.logger.Warn("closing state", slog.String("error", err.Error()))
	}
}
