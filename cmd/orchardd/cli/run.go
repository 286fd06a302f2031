package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rvardiashvili/Orchard/internal/cache"
	"github.com/rvardiashvili/Orchard/internal/config"
	"github.com/rvardiashvili/Orchard/internal/control"
	"github.com/rvardiashvili/Orchard/internal/engine"
	orchardfuse "github.com/rvardiashvili/Orchard/internal/fuse"
	"github.com/rvardiashvili/Orchard/internal/logging"
	"github.com/rvardiashvili/Orchard/internal/remote"
	"github.com/rvardiashvili/Orchard/internal/store"
)

const shutdownGrace = 15 * time.Second

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Mount the filesystem and run the sync engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

// newAdapter selects the remote adapter implementation. The production
// client is an external collaborator; the built-in mock backs development
// and tests.
func newAdapter() (remote.Adapter, error) {
	driver := os.Getenv("ORCHARD_REMOTE_DRIVER")
	switch driver {
	case "", "mock":
		return remote.NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown remote driver %q", driver)
	}
}

// checkMountPoint refuses a non-empty directory that is not already an
// Orchard mount.
func checkMountPoint(path string) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// an existing stale mount reads as an error; let the FUSE layer
		// report it
		return nil
	}
	if len(entries) > 0 {
		// a live Orchard mount is listed with type fuse.orchard
		if data, err := os.ReadFile("/proc/self/mounts"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if f := strings.Fields(line); len(f) >= 3 && f[1] == path && f[2] == "fuse.orchard" {
					return nil
				}
			}
		}
		return fmt.Errorf("mount point %s is not empty", path)
	}
	return nil
}

// runDaemon owns the supervisor: store, cache, engine, control, and FUSE
// session start in order and shut down in reverse, unmounting before the
// store closes.
func runDaemon() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: ExitConfig, err: err}
	}

	if err := logging.Init(logging.Config{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		FilePath: cfg.LogFile,
	}); err != nil {
		return &exitError{code: ExitConfig, err: err}
	}
	defer logging.Sync()

	logging.Info("orchardd starting",
		logging.String("mount", cfg.MountPoint),
		logging.String("db", cfg.DBPath),
		logging.String("cache", cfg.CacheRoot))

	if err := checkMountPoint(cfg.MountPoint); err != nil {
		return &exitError{code: ExitMount, err: err}
	}

	st, err := store.Open(cfg.DBPath, store.WithRetryPolicy(store.RetryPolicy{
		Base:       time.Duration(cfg.RetryBaseMs) * time.Millisecond,
		Max:        time.Duration(cfg.RetryMaxMs) * time.Millisecond,
		MaxRetries: cfg.MaxRetries,
	}))
	if err != nil {
		return exitf(ExitConfig, "open state store: %v", err)
	}
	defer st.Close()

	contentCache, err := cache.New(cfg.CacheRoot, st, cache.Options{
		ChunkSize:          cfg.ChunkSizeBytes,
		SmallFileThreshold: cfg.SmallFileThresholdBytes,
		MaxBytes:           cfg.CacheMaxBytes,
	})
	if err != nil {
		return exitf(ExitConfig, "init cache: %v", err)
	}

	adapter, err := newAdapter()
	if err != nil {
		return &exitError{code: ExitConfig, err: err}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.New(st, contentCache, adapter, engine.Config{
		IOWorkers:          cfg.WorkerCountIO,
		MetaWorkers:        cfg.WorkerCountMeta,
		ConflictPolicy:     cfg.ConflictPolicy,
		ChunkSize:          cfg.ChunkSizeBytes,
		SmallFileThreshold: cfg.SmallFileThresholdBytes,
	})
	eng.Start(ctx)
	defer eng.Stop(shutdownGrace)

	if eng.AuthFailed() {
		return exitf(ExitAuth, "remote authentication failed")
	}

	ctrl := control.New(st, contentCache, eng)
	if err := ctrl.Start(cfg.ControlAddr); err != nil {
		return exitf(ExitConfig, "start control API: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		ctrl.Stop(sctx)
	}()

	fsys := orchardfuse.New(st, contentCache, orchardfuse.Config{
		ChunkSize:           cfg.ChunkSizeBytes,
		SmallFileThreshold:  cfg.SmallFileThresholdBytes,
		ChunkReadTimeout:    time.Duration(cfg.ChunkReadTimeoutMs) * time.Millisecond,
		ThumbnailerDenylist: cfg.ThumbnailerDenylist,
		ThumbnailerResponse: cfg.ThumbnailerResponse,
	})
	server, err := fsys.Mount(cfg.MountPoint)
	if err != nil {
		return exitf(ExitMount, "mount %s: %v", cfg.MountPoint, err)
	}

	logging.Info("mounted", logging.String("mount", cfg.MountPoint))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case s := <-sig:
		logging.Info("signal received; shutting down", logging.String("signal", s.String()))
	case <-done:
		logging.Warn("filesystem exited")
	}

	// unmount before the engine drains and the store closes
	if err := server.Unmount(); err != nil {
		logging.Warn("unmount failed", logging.Err(err))
	}
	return nil
}
