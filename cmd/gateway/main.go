// Package main is the entry point for the service gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/vyrodovalexey/svcgate/internal/config"
	"github.com/vyrodovalexey/svcgate/internal/gateway"
	"github.com/vyrodovalexey/svcgate/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(flag.CommandLine, os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	applyConfigLogLevel(logger, flags, cfg)

	app := initApplication(context.Background(), cfg, logger)
	runGateway(app, flags.configPath, logger)
}

// parseFlags parses command line flags. Unset flags fall back to the
// GATEWAY_* environment variables.
func parseFlags(fs *flag.FlagSet, args []string) cliFlags {
	configPath := fs.String("config", getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to configuration file")
	logLevel := fs.String("log-level", getEnvOrDefault("GATEWAY_LOG_LEVEL", ""),
		"Log level (debug, info, warn, error); overrides the configuration file")
	logFormat := fs.String("log-format", getEnvOrDefault("GATEWAY_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("svcgate version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(logConfig(flags))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func logConfig(flags cliFlags) observability.LogConfig {
	cfg := observability.DefaultLogConfig()
	if flags.logLevel != "" {
		cfg.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Format = flags.logFormat
	}
	return cfg
}

// applyConfigLogLevel switches to the configured level unless one was
// given on the command line or in the environment.
func applyConfigLogLevel(logger observability.Logger, flags cliFlags, cfg *config.GatewayConfig) {
	if flags.logLevel != "" || cfg.Logging.Level == "" {
		return
	}
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		logger.Warn("ignoring configured log level", observability.Error(err))
	}
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.GatewayConfig {
	logger.Info("starting svcgate",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	if err := config.ValidateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", observability.Error(err))
	}

	instances := 0
	for _, svc := range cfg.Services {
		instances += len(svc.Instances)
	}

	logger.Info("configuration loaded",
		observability.String("address", cfg.Server.Address),
		observability.Int("services", len(cfg.Services)),
		observability.Int("instances", instances),
		observability.Bool("auth", cfg.Auth.Enabled),
		observability.Bool("rate_limit", cfg.RateLimit.Enabled),
		observability.Bool("redis", cfg.Redis.Enabled()),
		observability.Bool("etcd", cfg.Discovery.Etcd.Enabled),
	)

	return cfg
}

// application holds all application components.
type application struct {
	gateway       *gateway.Gateway
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	config        *config.GatewayConfig
	metricsServer *http.Server
}

// initApplication initializes all application components.
func initApplication(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) *application {
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)
	metrics.SetBuildInfo(version, gitCommit, buildTime)

	tracer := initTracer(ctx, cfg, logger)

	gw, err := gateway.New(ctx, cfg,
		gateway.WithLogger(logger),
		gateway.WithMetrics(metrics),
		gateway.WithTracer(tracer),
	)
	if err != nil {
		logger.Fatal("failed to create gateway", observability.Error(err))
	}

	return &application{
		gateway: gw,
		metrics: metrics,
		tracer:  tracer,
		config:  cfg,
	}
}

// initTracer initializes the tracer.
func initTracer(ctx context.Context, cfg *config.GatewayConfig, logger observability.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(ctx, tracerConfig(cfg))
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}
	return tracer
}

func tracerConfig(cfg *config.GatewayConfig) observability.TracerConfig {
	tc := observability.TracerConfig{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
	}
	if tc.ServiceName == "" {
		tc.ServiceName = config.DefaultServiceName
	}
	return tc
}
