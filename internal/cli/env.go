package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/relflow/internal/engine"
	"github.com/roach88/relflow/internal/harness"
	"github.com/roach88/relflow/internal/schema"
	"github.com/roach88/relflow/internal/store"
)

// env is an opened schema over the storage named by the global flags,
// with a manager ready to run.
type env struct {
	session  *harness.Session
	storage  store.StoredDatabase
	logger   *slog.Logger
	clock    *engine.LogicalClock
	registry *prometheus.Registry
}

// newLogger writes to w at Debug when verbose, Warn otherwise.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openEnv loads the schema, opens storage and builds the session.
// Load and storage failures are command errors.
func openEnv(opts *RootOptions, cmd *cobra.Command) (*env, error) {
	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)

	loaded, err := schema.Load(opts.Schema)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
	}

	backend := store.BackendMemory
	if opts.DB != "" {
		backend = opts.Backend
	}
	storage, err := store.Open(backend, opts.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to open %s store", backend), err)
	}
	logger.Debug("storage opened", "backend", backend, "location", opts.DB)

	clock := engine.NewClock()
	registry := prometheus.NewRegistry()
	m := engine.NewManager(
		engine.WithLogger(logger),
		engine.WithClock(clock),
		engine.WithIDGenerator(engine.UUIDv7Generator{}),
		engine.WithMetrics(registry),
	)
	session, err := harness.NewSession(loaded.Schema, storage, m, logger)
	if err != nil {
		storage.Close()
		return nil, WrapExitError(ExitCommandError, "failed to open schema", err)
	}
	return &env{session: session, storage: storage, logger: logger, clock: clock, registry: registry}, nil
}

// run starts the manager and calls work beside it. When work returns the
// manager is closed, drains what was queued and stops. SIGINT and SIGTERM
// cancel both.
func (e *env) run(ctx context.Context, work func() error) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := e.session.Manager()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.Run(ctx)
	})
	g.Go(func() error {
		defer m.Close()
		return work()
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return NewExitError(ExitFailure, "interrupted")
	}
	return err
}

// batches reports how many running periods the manager completed.
func (e *env) batches() int {
	families, err := e.registry.Gather()
	if err != nil {
		e.logger.Warn("gathering metrics failed", "error", err)
		return 0
	}
	for _, f := range families {
		if f.GetName() == "relflow_engine_batches_total" && len(f.GetMetric()) > 0 {
			return int(f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	return 0
}

func (e *env) Close() error {
	return e.storage.Close()
}
