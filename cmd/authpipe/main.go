// Package main is the entry point for the authpipe decision service.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voronkovm/authpipe/internal/audit"
	"github.com/voronkovm/authpipe/internal/config"
	"github.com/voronkovm/authpipe/internal/health"
	"github.com/voronkovm/authpipe/internal/observability"
	"github.com/voronkovm/authpipe/internal/secrets"
	"github.com/voronkovm/authpipe/internal/server"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// reloadTimeout bounds building the replacement runtime on a
// configuration change.
const reloadTimeout = 30 * time.Second

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	listen      string
	adminListen string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer func() { _ = logger.Sync() }()

	validateConfig(cfg, flags.configPath, logger)
	app := initApplication(cfg, logger)

	run(app, flags, logger)
}

// parseFlags parses command line flags. Every flag falls back to its
// AUTHPIPE_* environment variable; override flags left empty defer to
// the configuration document.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("AUTHPIPE_CONFIG_PATH", "configs/authpipe.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", os.Getenv("AUTHPIPE_LOG_LEVEL"),
		"Log level override (debug, info, warn, error)")
	logFormat := flag.String("log-format", os.Getenv("AUTHPIPE_LOG_FORMAT"),
		"Log format override (json, console)")
	listen := flag.String("listen", os.Getenv("AUTHPIPE_LISTEN"),
		"Public listener address override")
	adminListen := flag.String("admin-listen", os.Getenv("AUTHPIPE_ADMIN_LISTEN"),
		"Admin listener address override")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		listen:      *listen,
		adminListen: *adminListen,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("authpipe version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// loadConfig loads the document and applies command line overrides.
func loadConfig(flags cliFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, flags)
	return cfg, nil
}

// applyOverrides applies non-empty command line overrides onto the
// document, so flags win over the file on every load and reload.
func applyOverrides(cfg *config.Config, flags cliFlags) {
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if flags.listen != "" {
		cfg.Server.Listen = flags.listen
	}
	if flags.adminListen != "" {
		cfg.Server.AdminListen = flags.adminListen
	}
}

// initLogger initializes the logger from the document's log section.
func initLogger(cfg *config.Config) observability.Logger {
	logger, err := observability.NewLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// validateConfig validates the loaded document.
func validateConfig(cfg *config.Config, configPath string, logger observability.Logger) {
	logger.Info("starting authpipe",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	logger.Info("configuration loaded",
		observability.Int("stores", len(cfg.Stores)),
		observability.Int("loaders", len(cfg.Loaders)),
		observability.Int("policies", len(cfg.Access.Policies)),
		observability.Int("routes", len(cfg.Routes)),
	)
}

// application holds all application components.
type application struct {
	server  *server.Server
	checker *health.Checker
	reloads *health.ReloadStatus
	metrics *observability.Metrics
	tracer  *observability.Tracer
	secrets secrets.Provider
	config  *config.Config
}

// initApplication initializes all application components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	ctx := context.Background()

	metrics := observability.NewMetrics("authpipe")
	metrics.InitVecMetrics()
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer := initTracer(cfg, logger)

	checker := health.NewChecker(version, health.WithCheckerLogger(logger))
	reloads := health.NewReloadStatus()
	checker.RegisterCheck("config_reload", reloads.Check)

	provider, err := config.NewSecretsProvider(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize secrets provider", observability.Error(err))
	}

	buildOpts := []config.BuildOption{
		config.WithBuildLogger(logger),
		config.WithBuildMetrics(metrics),
	}
	if provider != nil {
		buildOpts = append(buildOpts, config.WithSecretsProvider(provider))
	}

	rt, err := config.Build(ctx, cfg, buildOpts...)
	if err != nil {
		logger.Fatal("failed to build runtime", observability.Error(err))
	}
	if rt.Audit() != nil {
		rt.Audit().LogConfiguration(ctx, audit.ActionConfigLoad, audit.OutcomeSuccess)
	}

	srv, err := server.New(cfg, rt,
		server.WithServerLogger(logger),
		server.WithServerMetrics(metrics),
		server.WithServerTracer(tracer),
		server.WithServerChecker(checker),
		server.WithReloadStatus(reloads),
		server.WithBuildOptions(buildOpts...),
	)
	if err != nil {
		logger.Fatal("failed to create server", observability.Error(err))
	}

	return &application{
		server:  srv,
		checker: checker,
		reloads: reloads,
		metrics: metrics,
		tracer:  tracer,
		secrets: provider,
		config:  cfg,
	}
}

// initTracer initializes the tracer from the document's tracing
// section.
func initTracer(cfg *config.Config, logger observability.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}

	return tracer
}

// run starts the server and blocks until shutdown.
func run(app *application, flags cliFlags, logger observability.Logger) {
	if err := app.server.Start(context.Background()); err != nil {
		logger.Fatal("failed to start server", observability.Error(err))
	}

	watcher := startConfigWatcher(app, flags, logger)

	waitForShutdown(app, watcher, logger)
}

// startConfigWatcher starts the configuration watcher. The server
// keeps serving the last good runtime when a reload fails.
func startConfigWatcher(app *application, flags cliFlags, logger observability.Logger) *config.Watcher {
	watcher, err := config.NewWatcher(flags.configPath, func(newCfg *config.Config) {
		applyOverrides(newCfg, flags)

		reloadCtx, cancel := context.WithTimeout(context.Background(), reloadTimeout)
		defer cancel()

		if reloadErr := app.server.Reload(reloadCtx, newCfg); reloadErr != nil {
			logger.Error("failed to reload configuration", observability.Error(reloadErr))
		}
	}, config.WithWatcherLogger(logger))

	if err != nil {
		logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(context.Background()); err != nil {
		logger.Warn("failed to start config watcher", observability.Error(err))
	}

	return watcher
}

// waitForShutdown waits for a shutdown signal and performs graceful
// shutdown.
func waitForShutdown(app *application, watcher *config.Watcher, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	timeout := app.config.Server.ShutdownTimeout.Or(config.DefaultShutdownTimeout)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop server gracefully", observability.Error(err))
	}

	if app.secrets != nil {
		if err := app.secrets.Close(); err != nil {
			logger.Error("failed to close secrets provider", observability.Error(err))
		}
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("authpipe stopped")
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
