package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/potato-launcher/instancesync/internal/config"
	"github.com/potato-launcher/instancesync/internal/download"
	"github.com/potato-launcher/instancesync/internal/manifest"
	"github.com/potato-launcher/instancesync/internal/metrics"
	"github.com/potato-launcher/instancesync/internal/state"
	"github.com/potato-launcher/instancesync/internal/sync"
	"github.com/potato-launcher/instancesync/internal/telemetry"
	"github.com/potato-launcher/instancesync/internal/vanilla"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile     string
	logLevel    string
	logFormat   string
	metricsAddr string

	// Session flags
	instanceNames []string
	dryRun        bool
	verifyAll     bool
	force         bool
)

// errOutOfSync is returned when a session finished but left instances incomplete
var errOutOfSync = errors.New("one or more instances are not in sync")

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "instancesync",
	Short: "Keep local Minecraft instances in sync with a distribution server",
	Long: `instancesync downloads the instance index from a distribution server and
brings every local instance directory in line with its manifest.

Files are verified by SHA-1, downloaded with adaptive concurrency and resumed
after interruption. A lockfile per instance records what is known to be
installed so unchanged files are not re-hashed on every run.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Synchronize instances with the distribution server",
	Long: `Sync fetches the index and instance manifests, plans the required changes
against the lockfile and local files, then downloads, verifies and installs
missing or outdated files and removes unlisted files from delete scopes.

Instances are independent: a failure in one does not stop the others.`,
	RunE: runSync,
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show what a sync would change without touching any file",
	RunE:  runPlan,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-hash every installed file and report instances needing repair",
	Long: `Verify ignores the size shortcut of the lockfile and hashes every installed
file. Nothing is changed; run "sync --verify" to repair what it reports.`,
	RunE: runVerify,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "instancesync %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/instancesync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.listen_addr)")

	for _, c := range []*cobra.Command{syncCmd, planCmd, verifyCmd} {
		c.Flags().StringSliceVar(&instanceNames, "instance", nil, "only sync the named instance (repeatable)")
	}

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().BoolVar(&verifyAll, "verify", false, "re-hash every installed file and repair mismatches")
	syncCmd.Flags().BoolVar(&force, "force", false, "ignore the lockfile and rebuild it from disk")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	return runSession(cmd, sync.Options{DryRun: dryRun, Verify: verifyAll, Force: force})
}

func runPlan(cmd *cobra.Command, args []string) error {
	return runSession(cmd, sync.Options{DryRun: true})
}

func runVerify(cmd *cobra.Command, args []string) error {
	return runSession(cmd, sync.Options{DryRun: true, Verify: true})
}

func runSession(cmd *cobra.Command, opts sync.Options) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	shutdownTracing, err := telemetry.Setup(ctx, "instancesync", version)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = shutdownTracing(flushCtx)
	}()

	token, err := cfg.ReadToken()
	if err != nil {
		return err
	}

	reg := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(reg)
	if addr := metricsListenAddr(cfg); addr != "" {
		srv := startMetricsServer(addr, reg, logger)
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			_ = srv.Shutdown(stopCtx)
		}()
	}

	engine := newEngine(cfg, token, recorder, logger)

	opts.Verify = opts.Verify || cfg.Sync.Verify
	opts.ParallelInstances = cfg.Sync.ParallelInstances
	opts.Instances = instanceNames
	opts.Download = cfg.DownloadOptions(token)
	opts.Sink = newProgressPrinter(cmd.ErrOrStderr())

	logger.Info("starting sync operation", "index", cfg.RedactedIndexURL(), "dry_run", opts.DryRun)
	reports, err := engine.StartIndex(ctx, cfg.Paths.InstancesDir, opts).Wait()
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	renderSummary(cmd.OutOrStdout(), reports)
	return sessionResult(reports, opts)
}

// newEngine wires the manifest source, version resolver and downloader
func newEngine(cfg *config.Config, token string, recorder metrics.Recorder, logger *slog.Logger) *sync.Engine {
	fs := afero.NewOsFs()

	src := manifest.NewHTTPClient(nil, cfg.Source.IndexURL, token)
	resolverOpts := []vanilla.Option{vanilla.WithLogger(logger)}
	if cfg.Source.VersionManifestURL != "" {
		resolverOpts = append(resolverOpts, vanilla.WithManifestURL(cfg.Source.VersionManifestURL))
	}
	resolver := vanilla.NewResolver(src, resolverOpts...)

	store := state.NewStore(fs, cfg.Paths.StateDir)
	downloader := download.New(fs, nil, logger, recorder)

	return sync.NewEngine(fs, store, downloader, recorder, logger).WithSource(src, resolver)
}

// sessionResult turns per-instance outcomes into the command's exit status.
// For verify, any instance with pending work counts as out of sync.
func sessionResult(reports []sync.InstanceReport, opts sync.Options) error {
	for _, r := range reports {
		if !r.OK() {
			return errOutOfSync
		}
		if opts.DryRun && opts.Verify && r.Plan != nil && (len(r.Plan.ToFetch) > 0 || len(r.Plan.ToDelete) > 0) {
			return errOutOfSync
		}
	}
	return nil
}

func metricsListenAddr(cfg *config.Config) string {
	if metricsAddr != "" {
		return metricsAddr
	}
	return cfg.Metrics.ListenAddr
}

func startMetricsServer(addr string, reg *prom.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HTTPHandler(reg))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv
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

	// Logs go to stderr; stdout carries the summary
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		var err error
		configPath, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"index", cfg.RedactedIndexURL(),
		"instances_dir", cfg.Paths.InstancesDir,
		"state_dir", cfg.Paths.StateDir)

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
