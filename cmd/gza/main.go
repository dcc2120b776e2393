// Package main is the entry point for the gza CLI
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/gza/internal/config"
	"github.com/cloud-shuttle/gza/internal/console"
	"github.com/cloud-shuttle/gza/internal/db"
	"github.com/cloud-shuttle/gza/internal/events"
	"github.com/cloud-shuttle/gza/internal/logging"
	"github.com/cloud-shuttle/gza/internal/provider"
	"github.com/cloud-shuttle/gza/internal/workflow"
	"github.com/cloud-shuttle/gza/pkg/telemetry"
)

const version = "0.4.0"

// globalFlags are shared by every command
type globalFlags struct {
	projectDir string
	verbose    bool
	logFormat  string
}

// exitError carries a process exit code. A nil err means the failure was
// already reported on the console.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	var ee *exitError
	switch {
	case err == nil:
	case errors.As(err, &ee):
		if ee.err != nil {
			fmt.Fprintln(os.Stderr, "Error:", ee.err)
		}
		os.Exit(ee.code)
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var gf globalFlags

	rootCmd := &cobra.Command{
		Use:   "gza",
		Short: "Queue coding tasks and run them with AI agents in isolated worktrees",
		Long: `gza keeps a queue of coding tasks in a local SQLite database and runs each
one with an agent CLI (Claude Code, Codex or Gemini) inside its own git worktree.
Code tasks leave a commit on their own branch; explore, plan and review tasks
leave a report. Failed work is saved so a task can be resumed where it stopped.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&gf.projectDir, "project", "C", "", "Project directory (default: nearest directory with gza.toml)")
	rootCmd.PersistentFlags().BoolVarP(&gf.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&gf.logFormat, "log-format", "", "Log format: console or json (default from gza.toml)")

	rootCmd.AddCommand(
		initCmd(&gf),
		addCmd(&gf),
		importCmd(&gf),
		showCmd(&gf),
		statusCmd(&gf),
		statsCmd(&gf),
		historyCmd(&gf),
		searchCmd(&gf),
		groupsCmd(&gf),
		runCmd(&gf),
		workCmd(&gf),
		resumeCmd(&gf),
		retryCmd(&gf),
		improveCmd(&gf),
		mergeCmd(&gf),
		unmergedCmd(&gf),
		worktreeCmd(&gf),
		serveCmd(&gf),
	)
	return rootCmd
}

// findProjectDir locates the gza project root by searching upward for gza.toml
func findProjectDir(start string) (string, error) {
	dir := start
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(config.Path(dir)); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a gza project (no %s in %s or any parent); run 'gza init'", config.FileName, start)
		}
		dir = parent
	}
}

// app holds everything a command needs once the project is loaded
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *db.Store
	out      *console.Writer
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	bus      *events.Bus
	shutdown func(context.Context) error
}

// openApp loads .env files and gza.toml, then builds the logger, tracer and
// task store
func openApp(cmd *cobra.Command, gf *globalFlags) (*app, error) {
	projectDir, err := findProjectDir(gf.projectDir)
	if err != nil {
		return nil, err
	}
	home, _ := os.UserHomeDir()
	if err := config.LoadDotenv(projectDir, home); err != nil {
		return nil, err
	}
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, err
	}

	level, format := cfg.LogLevel, cfg.LogFormat
	if gf.verbose {
		level = "debug"
	}
	if gf.logFormat != "" {
		format = gf.logFormat
	}
	logger, err := logging.New(level, format)
	if err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}

	store, err := db.Open(cfg.DBPath(), db.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		out:      console.New(cmd.OutOrStdout()),
		registry: registry,
		metrics:  telemetry.NewMetrics(registry),
		bus:      events.NewBus(),
		shutdown: telemetry.Init(logger),
	}, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.shutdown(ctx); err != nil {
		a.logger.Debug("tracer shutdown", zap.Error(err))
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("closing database", zap.Error(err))
	}
	_ = logging.Sync(a.logger)
}

// backup snapshots the database once per hour before tasks run
func (a *app) backup(ctx context.Context) {
	path, written, err := a.store.BackupHourly(ctx, a.cfg.BackupDir(), time.Now())
	if err != nil {
		a.logger.Warn("database backup failed", zap.Error(err))
		return
	}
	if written {
		a.logger.Info("database backed up", zap.String("path", path))
	}
}

// newRunner wires the providers, metrics and event bus into a Runner
func (a *app) newRunner() *workflow.Runner {
	registry := provider.NewRegistry(
		provider.WithLogger(a.logger),
		provider.WithMetrics(a.metrics),
		provider.WithKeychainSync(a.cfg.Claude.FetchAuthTokenFromKeychain),
	)
	return workflow.NewRunner(a.cfg, a.store, registry,
		workflow.WithLogger(a.logger),
		workflow.WithConsole(a.out),
		workflow.WithMetrics(a.metrics),
		workflow.WithBus(a.bus),
	)
}

// withApp opens the project for the duration of fn
func withApp(gf *globalFlags, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd, gf)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}
