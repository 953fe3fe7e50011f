// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Command env-data-logger samples environmental sensors and ships the
// readings to InfluxDB, buffering them on disk while the store is unreachable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/soothill/env-data-logger/app"
	"github.com/soothill/env-data-logger/config"
	"github.com/soothill/env-data-logger/discovery"
	"github.com/soothill/env-data-logger/pkg/logger"
	"github.com/soothill/env-data-logger/storage"
)

const healthCheckTimeout = 5 * time.Second

// options holds the command line. Only flags given explicitly override
// the configuration file.
type options struct {
	configPath     string
	metricsPort    string
	healthCheck    bool
	validateConfig bool
	logLevel       string
	duration       time.Duration
	cacheFile      string
	flushLimit     int
	set            map[string]bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{set: make(map[string]bool)}
	fs := flag.NewFlagSet("env-data-logger", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.metricsPort, "metrics-port", "9090", "Port for Prometheus metrics endpoint (empty disables it)")
	fs.BoolVar(&opts.healthCheck, "health-check", false, "Perform health check and exit")
	fs.BoolVar(&opts.validateConfig, "validate-config", false, "Validate configuration file and exit")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.DurationVar(&opts.duration, "duration", 0, "Stop after this long (0 runs until signalled)")
	fs.StringVar(&opts.cacheFile, "cache-file", "", "Path of the on-disk reading buffer")
	fs.IntVar(&opts.flushLimit, "flush-limit", 0, "Maximum buffered readings sent per tick (0 means all)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})
	return opts, nil
}

// apply copies explicitly given flags onto cfg
func (o *options) apply(cfg *config.Config) {
	if o.set["log-level"] {
		cfg.Logging.Level = o.logLevel
	}
	if o.set["duration"] {
		cfg.Monitor.RunDuration = o.duration
	}
	if o.set["cache-file"] {
		cfg.Buffer.Path = o.cacheFile
	}
	if o.set["flush-limit"] {
		cfg.Monitor.FlushLimit = o.flushLimit
	}
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if opts.healthCheck {
		return performHealthCheck(opts.configPath, stdout, stderr)
	}

	if opts.validateConfig {
		return performConfigValidation(opts.configPath, stdout, stderr)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Initialize("error")
		logger.Error().Err(err).Str("path", opts.configPath).Msg("Failed to load configuration")
		return 1
	}

	logger.Initialize(cfg.Logging.Level)
	logger.Info().Msg("Starting Environment Data Logger")
	logger.Info().
		Dur("poll_interval", cfg.Monitor.PollInterval).
		Dur("run_duration", cfg.Monitor.RunDuration).
		Int("flush_limit", cfg.Monitor.FlushLimit).
		Str("buffer", cfg.Buffer.Path).
		Msg("Configuration loaded")

	application, err := app.New(cfg, opts.metricsPort, opts.configPath, app.WithConfigOverrides(opts.apply))
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create application")
		return 1
	}

	setupDebugSignalHandlers(application)

	if err := application.Run(context.Background()); err != nil {
		logger.Error().Err(err).Msg("Shutdown finished with errors")
		return 1
	}
	logger.Info().Msg("Stopped")
	return 0
}

// loadConfig loads the file, applies flag overrides and re-validates
func loadConfig(opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command line override: %w", err)
	}
	return cfg, nil
}

// performHealthCheck performs a health check and returns exit code
func performHealthCheck(configPath string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	url := cfg.InfluxDB.URL
	if url == "" {
		resolver := discovery.NewResolver(cfg.InfluxDB.Discovery.ServiceType, cfg.InfluxDB.Discovery.Domain)
		url, err = resolver.ResolveURL(ctx, cfg.InfluxDB.Discovery.Timeout)
		if err != nil {
			fmt.Fprintf(stderr, "Health check failed: could not discover InfluxDB: %v\n", err)
			return 1
		}
	}

	influxDB, err := storage.NewInfluxDBStorage(storage.InfluxDBOptions{
		URL:          url,
		Token:        cfg.InfluxDB.Token,
		Organization: cfg.InfluxDB.Organization,
		Bucket:       cfg.InfluxDB.Bucket,
		WriteTimeout: cfg.InfluxDB.WriteTimeout,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: could not create InfluxDB client: %v\n", err)
		return 1
	}
	defer func() { _ = influxDB.Close() }()

	if err := influxDB.Health(ctx); err != nil {
		fmt.Fprintf(stderr, "Health check failed: InfluxDB is unhealthy: %v\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "Health check passed: InfluxDB is healthy")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string, stdout, stderr io.Writer) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(stderr, "Error: %v\n\n", err)
		return 1
	}

	fmt.Fprintln(stdout, "\n✅ Configuration validation PASSED")
	fmt.Fprintln(stdout, "\nConfiguration summary:")
	if cfg.InfluxDB.URL != "" {
		fmt.Fprintf(stdout, "  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
	} else {
		fmt.Fprintf(stdout, "  InfluxDB URL: discovered via %s\n", cfg.InfluxDB.Discovery.ServiceType)
	}
	fmt.Fprintf(stdout, "  InfluxDB Organization: %s\n", cfg.InfluxDB.Organization)
	fmt.Fprintf(stdout, "  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
	fmt.Fprintf(stdout, "  Log Level: %s\n", cfg.Logging.Level)
	fmt.Fprintf(stdout, "  Poll Interval: %s\n", cfg.Monitor.PollInterval)
	if cfg.Monitor.RunDuration > 0 {
		fmt.Fprintf(stdout, "  Run Duration: %s\n", cfg.Monitor.RunDuration)
	} else {
		fmt.Fprintln(stdout, "  Run Duration: until signalled")
	}
	fmt.Fprintf(stdout, "  Flush Limit: %d\n", cfg.Monitor.FlushLimit)
	fmt.Fprintf(stdout, "  Buffer Path: %s\n", cfg.Buffer.Path)
	fmt.Fprintf(stdout, "  Connectivity Probe: %s\n", cfg.Network.ProbeAddress)

	sensors := []struct {
		name    string
		enabled bool
	}{
		{"SDS011", cfg.Sensors.SDS011.Enabled},
		{"Environment", cfg.Sensors.Environment.Enabled},
		{"PIR", cfg.Sensors.PIR.Enabled},
		{"Weather", cfg.Sensors.Weather.Enabled},
	}
	for _, s := range sensors {
		state := "Disabled"
		if s.enabled {
			state = "Enabled"
		}
		fmt.Fprintf(stdout, "  Sensor %s: %s\n", s.name, state)
	}

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Fprintln(stdout, "  Slack Notifications: Enabled")
	} else {
		fmt.Fprintln(stdout, "  Slack Notifications: Disabled")
	}

	fmt.Fprintln(stdout, "\nAll validation checks passed. Configuration is ready for use.")
	return 0
}
