package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"backfs/internal/blob"
	"backfs/internal/config"
	"backfs/internal/fs"
	"backfs/internal/history"
	"backfs/internal/logging"
	"backfs/internal/overlay"
	"backfs/internal/snapshot"
)

var (
	logger = logging.GetLogger()
)

func main() {
	var (
		mountPoint string
		sourcePath string
		configPath string
		scratchDir string
		logFile    string
		maxSnaps   int
		verbose    bool
	)

	flags := pflag.NewFlagSet("backfs", pflag.ContinueOnError)
	flags.StringVar(&mountPoint, "mount", "", "mount point for the overlay filesystem")
	flags.StringVar(&sourcePath, "source", "", "source directory whose files are overlaid")
	flags.StringVar(&configPath, "config", "", "path to YAML config file (default: $"+config.EnvConfig+")")
	flags.StringVar(&scratchDir, "scratch", "", "directory for write blobs (overrides scratch_dir)")
	flags.StringVar(&logFile, "log-file", "", "append log output to this file instead of stdout")
	flags.IntVar(&maxSnaps, "max-snapshots", 0, "discard the oldest snapshot beyond this many (0 = unlimited)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: backfs --source DIR --mount DIR [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Signals: SIGUSR1 takes a snapshot, SIGUSR2 rolls back to the latest one,\n")
		fmt.Fprintf(os.Stderr, "SIGHUP resets to the latest one and keeps it.\n\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			logger.Error("Failed to open log file: %v", err)
			os.Exit(1)
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("Failed to load config: %v", err)
		os.Exit(1)
	}
	if scratchDir != "" {
		cfg.ScratchDir = scratchDir
	}

	// BACKFS_LOG_LEVEL wins over the config file, --verbose over both.
	if os.Getenv("BACKFS_LOG_LEVEL") == "" {
		logger.SetLevel(cfg.Level())
	}
	if verbose {
		logger.SetLevel(logging.LevelDebug)
	}

	logger.Info("Starting backfs...")
	logger.Debug("Mount point: %s", mountPoint)
	logger.Debug("Source path: %s", sourcePath)
	logger.Debug("Scratch directory: %s", cfg.ScratchDir)

	if mountPoint == "" || sourcePath == "" {
		logger.Error("Mount point and source path are required")
		flags.Usage()
		os.Exit(1)
	}

	cleanMount := filepath.Clean(mountPoint)
	cleanSource := filepath.Clean(sourcePath)

	logger.Info("Opening scratch store...")
	store, err := blob.Open(cfg.ScratchDir, cfg.BlobOptions())
	if err != nil {
		logger.Error("Failed to open scratch store: %v", err)
		os.Exit(1)
	}

	engine := overlay.NewEngine(store, history.NewArena())
	snapshots := snapshot.NewStack(maxSnaps)

	logger.Info("Creating overlay filesystem...")
	vfs, err := fs.NewBackFS(cleanSource, engine, snapshots)
	if err != nil {
		logger.Error("Failed to create overlay filesystem: %v", err)
		os.Exit(1)
	}

	logger.Debug("Setting up signal handlers...")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGHUP)

	if err := vfs.Mount(cleanMount); err != nil {
		logger.Error("Mount failed: %v", err)
		os.Exit(1)
	}
	logger.Info("Filesystem mounted and ready")

	go handleSignals(sigChan, vfs, cleanMount, func() {
		stats := store.Stats()
		logger.Info("Scratch store holds %d blobs (%d bytes, %d on disk), %d chunks",
			stats.Blobs, stats.Bytes, stats.StoredBytes, engine.Arena().Len())
	})

	vfs.Wait()
	logger.Info("Clean shutdown complete")
}

// controller is the part of the filesystem driven by signals.
type controller interface {
	Snapshot() (int, error)
	Rollback() error
	Reset() error
	Unmount(mountPoint string) error
}

// handleSignals applies snapshot signals to ctl until a termination signal
// unmounts it. A failed unmount leaves the loop running so a later signal
// can retry.
func handleSignals(sigs <-chan os.Signal, ctl controller, mountPoint string, beforeUnmount func()) {
	for sig := range sigs {
		switch sig {
		case syscall.SIGUSR1:
			if _, err := ctl.Snapshot(); err != nil {
				logger.Error("Snapshot failed: %v", err)
			}
		case syscall.SIGUSR2:
			if err := ctl.Rollback(); err != nil {
				logger.Error("Rollback failed: %v", err)
			}
		case syscall.SIGHUP:
			if err := ctl.Reset(); err != nil {
				logger.Error("Reset failed: %v", err)
			}
		default:
			logger.Info("Received signal %v", sig)
			if beforeUnmount != nil {
				beforeUnmount()
			}
			if err := ctl.Unmount(mountPoint); err != nil {
				logger.Error("Unmount error: %v, waiting for another signal", err)
				continue
			}
			return
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}
