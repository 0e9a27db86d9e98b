package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the ingestion worker loop",
		Long: `Worker polls the ingestion queue and processes jobs one at a time
until interrupted. A file lock enforces a single worker per data
directory, preserving the queue's exactly-once processing guarantee.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context())
		},
	}
}

func runWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer app.close()

	lockPath := filepath.Join(app.cfg.Worker.DataDir, "worker.lock")
	if err := os.MkdirAll(app.cfg.Worker.DataDir, 0o755); err != nil {
		return fmt.Errorf("cannot create data dir: %w", err)
	}
	guard := flock.New(lockPath)
	held, err := guard.TryLock()
	if err != nil {
		return fmt.Errorf("cannot acquire worker lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another worker already holds %s", lockPath)
	}
	defer func() { _ = guard.Unlock() }()

	app.logger.Info("worker started",
		slog.String("driver", app.cfg.Database.Driver),
		slog.Duration("poll_interval", app.cfg.Worker.PollInterval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pollLoop(ctx, app) })
	g.Go(func() error { return houseKeepLoop(ctx, app) })

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	app.logger.Info("worker stopped")
	return nil
}

// pollLoop drains the queue, sleeping between empty polls.
func pollLoop(ctx context.Context, app *app) error {
	ticker := time.NewTicker(app.cfg.Worker.PollInterval)
	defer ticker.Stop()

	for {
		status, err := app.repo.ProcessNextJob(ctx)
		if err != nil {
			app.logger.Error("queue poll failed", slog.String("error", err.Error()))
		}
		if status != nil {
			// A job ran; check for more before sleeping.
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// houseKeepLoop garbage-collects idle locks and, on the postgres driver,
// force-rolls-back stale transactions.
func houseKeepLoop(ctx context.Context, app *app) error {
	if app.pg != nil {
		app.pg.RunHousekeeping(ctx, app.cfg.Locks.HousekeepInterval, app.cfg.Locks.IdleWindow)
		return ctx.Err()
	}

	ticker := time.NewTicker(app.cfg.Locks.HousekeepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			app.locks.Housekeep(app.cfg.Locks.IdleWindow)
		}
	}
}
