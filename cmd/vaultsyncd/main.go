package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/schaermu/vaultsyncd/internal/config"
	"github.com/schaermu/vaultsyncd/internal/control"
	"github.com/schaermu/vaultsyncd/internal/git"
	"github.com/schaermu/vaultsyncd/internal/ignore"
	"github.com/schaermu/vaultsyncd/internal/sync"
	"github.com/schaermu/vaultsyncd/internal/update"
	"github.com/schaermu/vaultsyncd/internal/watch"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vaultsyncd",
	Short: "Keep a local working directory synchronized with a Git remote",
	Long: `vaultsyncd watches a local working directory (for example a notes vault),
commits settled changes automatically, rebases them onto the remote branch
and pushes, unattended, for as long as it runs.

It runs as a long-lived daemon ('run') or performs a single sync cycle and
exits ('sync'), e.g. from a cron job or shell alias.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the synchronization daemon",
	Long: `Run starts the daemon: it bootstraps the working directory from the remote,
watches it for changes, commits and pushes settled edits, polls the remote
on an interval and checks for new releases of itself.

SIGHUP reloads the configuration; SIGINT/SIGTERM drain the current
operation and exit.`,
	RunE: runRun,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a single sync cycle and exit",
	Long: `Sync stages and commits any pending changes in the working directory,
rebases onto the remote branch and pushes, then exits. The working
directory must already be configured; the daemon does not need to run.`,
	RunE: runSync,
}

var checkUpdateCmd = &cobra.Command{
	Use:   "check-update",
	Short: "Check for a newer release and apply it",
	Long: `Check-update resolves the latest published release for this platform,
compares it against the running version and, if newer, replaces the
binary on disk. The new version takes effect on the next start.`,
	RunE: runCheckUpdate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("vaultsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/vaultsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "write logs to this file with rotation instead of stdout")

	// Add commands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(checkUpdateCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	ctx, cancel := setupSignalHandler()
	defer cancel()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		reload, err := runDaemon(ctx, hup, logger)
		if err != nil {
			logger.Error("daemon failed", "error", err)
			return err
		}
		if !reload {
			return nil
		}
		logger.Info("restarting engine with reloaded configuration")
	}
}

// runDaemon builds the full daemon wiring from configuration and drives the
// engine until shutdown. It reports reload=true when a SIGHUP asked for a
// configuration reload, in which case the caller rebuilds everything.
func runDaemon(ctx context.Context, hup <-chan os.Signal, logger *slog.Logger) (reload bool, err error) {
	cfg, err := loadConfig(logger)
	if err != nil {
		return false, fmt.Errorf("failed to load config: %w", err)
	}

	gitClient := newGitClient(cfg, logger)

	// An unusable working directory is the one error class that may stop
	// the process.
	logger.Info("preparing working directory", "workdir", cfg.Repo.Workdir)
	if err := gitClient.EnsureRepo(ctx, cfg.Repo.URL); err != nil {
		return false, fmt.Errorf("failed to prepare working directory: %w", err)
	}

	matcher := ignore.NewMatcher(cfg.Ignore.Globs, logger)

	var updater sync.Updater
	if cfg.SelfUpdate.Enabled {
		updater = update.New(cfg.SelfUpdate, version, logger)
	}

	engine := sync.NewEngine(cfg, gitClient, matcher, updater, logger)

	watcher, err := watch.New(cfg.Repo.Workdir, matcher, logger)
	if err != nil {
		return false, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return false, fmt.Errorf("failed to start watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if cfg.Control.Enabled {
		ctrl, err := control.NewServer(cfg.Control, engine, logger)
		if err != nil {
			return false, fmt.Errorf("failed to create control server: %w", err)
		}
		go func() {
			if err := ctrl.Start(runCtx); err != nil {
				logger.Error("control server failed", "error", err)
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(runCtx, watcher.Events())
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested, draining current operation")
		cancelRun()
		<-done
		return false, nil

	case <-hup:
		logger.Info("received SIGHUP, reloading configuration")
		cancelRun()
		<-done
		return true, nil

	case <-engine.RestartRequested():
		cancelRun()
		<-done
		_ = watcher.Close()
		return false, reexec(logger)

	case err := <-done:
		return false, err
	}
}

func runSync(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	gitClient := newGitClient(cfg, logger)
	if err := gitClient.EnsureRepo(ctx, cfg.Repo.URL); err != nil {
		return fmt.Errorf("failed to prepare working directory: %w", err)
	}

	matcher := ignore.NewMatcher(cfg.Ignore.Globs, logger)
	engine := sync.NewEngine(cfg, gitClient, matcher, nil, logger)

	out, err := engine.RunOnce(ctx)
	if err != nil {
		logger.Error("sync failed", "outcome", out.Kind.String(), "error", err)
		return err
	}

	logger.Info("sync completed", "outcome", out.Kind.String(), "summary", out.Summary)
	return nil
}

func runCheckUpdate(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	ctx, cancel := setupSignalHandler()
	defer cancel()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	updater := update.New(cfg.SelfUpdate, version, logger)
	applied, err := updater.Check(ctx)
	if err != nil {
		return fmt.Errorf("update check failed: %w", err)
	}

	if applied {
		logger.Info("binary updated, the new version takes effect on the next start")
	} else {
		logger.Info("no update applied")
	}
	return nil
}

// newGitClient builds the shell git client from configuration.
func newGitClient(cfg *config.Config, logger *slog.Logger) *git.ShellClient {
	return git.NewShellClient(git.Options{
		Executable:     cfg.Git.Executable,
		Workdir:        cfg.Repo.Workdir,
		Remote:         cfg.Repo.Remote,
		Branch:         cfg.Repo.Branch,
		AuthorName:     cfg.Git.AuthorName,
		AuthorEmail:    cfg.Git.AuthorEmail,
		SSHKeyFile:     cfg.Auth.SSHKeyFile,
		HTTPSTokenFile: cfg.Auth.HTTPSTokenFile,
		ExcludeGlobs:   cfg.Ignore.Globs,
	}, logger)
}

// reexec replaces the process image with the freshly updated binary.
func reexec(logger *slog.Logger) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate executable for restart: %w", err)
	}

	logger.Info("re-executing updated binary", "path", exe)
	if err := syscall.Exec(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("failed to re-exec %s: %w", exe, err)
	}
	return nil
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stdout
	if logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/vaultsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.Repo.URL,
		"branch", cfg.Repo.Branch,
		"workdir", cfg.Repo.Workdir,
		"auth", cfg.AuthMethod())

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
