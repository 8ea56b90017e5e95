// Package daemon runs the malachi command pipe: it owns the FIFO, the
// decode loop and the dispatch of decoded commands onto the repository
// index.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/runger/malachi/internal/config"
	"github.com/runger/malachi/internal/filter"
	"github.com/runger/malachi/internal/gitrepo"
	"github.com/runger/malachi/internal/pipe"
	"github.com/runger/malachi/internal/protocol"
	"github.com/runger/malachi/internal/status"
	"github.com/runger/malachi/internal/storage"
)

// Options wires Run. Zero fields take defaults from the environment.
type Options struct {
	Paths   *config.Paths
	Config  *config.Config
	Filters *filter.Registry
	Heads   HeadResolver
	Trees   TreeReader
	Metrics *Metrics
	Logger  *slog.Logger
	Version string
}

// Run starts the daemon and blocks until shutdown. SIGINT and SIGTERM, a
// Shutdown command, or cancelling ctx all end it cleanly.
func Run(ctx context.Context, opts Options) error {
	if opts.Paths == nil {
		opts.Paths = config.DefaultPaths()
	}
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.Filters == nil {
		opts.Filters = filter.Defaults()
	}
	if opts.Heads == nil {
		opts.Heads = gitrepo.Resolver{}
	}
	if opts.Trees == nil {
		opts.Trees = gitrepo.Resolver{}
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger
	paths := opts.Paths
	cfg := opts.Config

	if err := CheckNotRoot(); err != nil {
		logger.Warn("privilege check", "error", err)
	}

	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	if err := EnsureSecureDirectory(paths.RuntimeDir); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}

	lock := NewLockFile(paths.LockFile())
	if err := lock.Acquire(); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warn("failed to release lock", "error", err)
		}
	}()

	format, err := protocol.ParseFormat(cfg.Protocol.Format)
	if err != nil {
		return err
	}
	dec, err := protocol.NewDecoder(format, cfg.Protocol.BufferSize)
	if err != nil {
		return err
	}

	dcfg := DispatcherConfig{
		Heads:   opts.Heads,
		Trees:   opts.Trees,
		Filters: opts.Filters,
		Metrics: opts.Metrics,
		Logger:  logger,
	}
	if cfg.Index.Enabled {
		store, err := storage.NewSQLiteStore(paths.DatabaseFile())
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer store.Close()
		if r := store.Recovered(); r != nil {
			logger.Warn("repository index was corrupt; started a fresh one",
				"backup", r.Backup,
				"reason", r.Reason,
			)
		}
		dcfg.Index = store
		dcfg.Status = status.NewMirror(paths.StatusDir())
	}

	pipePath := paths.PipeFile()
	if err := removeStaleFIFO(pipePath, logger); err != nil {
		return err
	}
	if err := pipe.Create(pipePath); err != nil {
		return err
	}

	loop, err := NewLoop(LoopConfig{
		PipePath:     pipePath,
		Decoder:      dec,
		Handler:      NewDispatcher(dcfg),
		PollInterval: cfg.PollInterval(),
		Metrics:      opts.Metrics,
		Logger:       logger,
	})
	if err != nil {
		_ = os.Remove(pipePath)
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	signal.Ignore(syscall.SIGPIPE)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if addr := cfg.Daemon.MetricsAddr; addr != "" {
		go func() {
			if err := opts.Metrics.Serve(ctx, addr, logger); err != nil {
				logger.Warn("metrics listener failed", "addr", addr, "error", err)
			}
		}()
	}

	logger.Info("starting daemon", "version", opts.Version, "format", format, "index", cfg.Index.Enabled)
	logger.Info("command pipe", "path", pipePath)
	logger.Debug("debug logging enabled")
	for _, f := range opts.Filters.All() {
		logger.Debug("filter registered", "name", f.Name(), "version", f.Version(), "extensions", f.Extensions())
	}

	if err := loop.Run(ctx); err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// removeStaleFIFO unlinks a FIFO left behind by a daemon that died without
// cleaning up. Only call it while holding the lock.
func removeStaleFIFO(path string, logger *slog.Logger) error {
	if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	isFIFO, err := pipe.IsFIFO(path)
	if err != nil {
		return err
	}
	if !isFIFO {
		return fmt.Errorf("%s exists and is not a FIFO", path)
	}
	logger.Info("removing stale command pipe", "path", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale command pipe: %w", err)
	}
	return nil
}

// IsRunningWithPaths reports whether a live daemon holds the lock for paths
// and returns its PID when known.
func IsRunningWithPaths(paths *config.Paths) (int, bool) {
	pid, held, err := ReadHeldPID(paths.LockFile())
	if err != nil || !held {
		return 0, false
	}
	if pid > 0 && !isProcessAlive(pid) {
		return 0, false
	}
	return pid, true
}
