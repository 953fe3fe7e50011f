// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app owns the process lifecycle: it builds every adapter, drives
// the poll loop until a stop is requested, then releases everything.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/soothill/env-data-logger/config"
	"github.com/soothill/env-data-logger/discovery"
	"github.com/soothill/env-data-logger/monitoring"
	"github.com/soothill/env-data-logger/netstatus"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/pkg/logger"
	"github.com/soothill/env-data-logger/pkg/metrics"
	"github.com/soothill/env-data-logger/pkg/slacknotifier"
	"github.com/soothill/env-data-logger/sensors"
	"github.com/soothill/env-data-logger/storage"
	"golang.org/x/time/rate"
)

const (
	signalChannelSize     = 1
	readinessCheckTimeout = 2 * time.Second
	startupHealthTimeout  = 5 * time.Second
	shutdownTimeout       = 5 * time.Second
)

// State is a lifecycle state
type State int32

// Lifecycle states, in the only order they are entered
const (
	StateInitializing State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// sinkWithHealth is what the app needs from the sink chain
type sinkWithHealth interface {
	interfaces.Sink
	interfaces.HealthChecker
}

// Option customises an App
type Option func(*App)

// WithConfigOverrides registers a function applied to every reloaded
// configuration, so command line flags keep precedence after SIGHUP.
func WithConfigOverrides(fn func(*config.Config)) Option {
	return func(a *App) {
		a.overrides = fn
	}
}

// App represents the main application
type App struct {
	cfg         *config.Config
	configPath  string
	metricsPort string
	runID       string
	overrides   func(*config.Config)

	server        *http.Server
	scheduler     *monitoring.Scheduler
	buffer        *storage.Buffer
	sink          sinkWithHealth
	breakerState  func() string
	conn          interfaces.ConnectivitySource
	sources       []interfaces.SensorSource
	notifier      *slacknotifier.Notifier
	configWatcher *config.Watcher
	configUpdates <-chan *config.Config

	state         atomic.Int32
	stopRequested atomic.Bool
	wake          chan struct{}
	startTime     time.Time
	runDuration   time.Duration
	now           func() time.Time
	wg            sync.WaitGroup
}

// New builds every component. Any error here is a startup failure and the
// process must not start polling. configPath may be empty to disable
// SIGHUP reloads.
func New(cfg *config.Config, metricsPort, configPath string, opts ...Option) (*App, error) {
	runID := uuid.NewString()
	logger.WithRunID(runID)
	metrics.LifecycleState.Set(float64(StateInitializing))

	sink, breaker, err := initializeSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize InfluxDB sink: %w", err)
	}

	buffer, err := storage.NewBuffer(cfg.Buffer.Path)
	if err != nil {
		_ = sink.Close()
		return nil, fmt.Errorf("failed to initialize buffer: %w", err)
	}

	sources, err := buildSources(cfg)
	if err != nil {
		_ = sink.Close()
		_ = buffer.Close()
		return nil, fmt.Errorf("failed to initialize sensors: %w", err)
	}

	notifier := slacknotifier.New(cfg.Notifications.SlackWebhookURL)
	notifier.SetFooter("env-data-logger run " + runID)
	if notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	conn := netstatus.NewChecker(netstatus.Options{
		ProbeAddress: cfg.Network.ProbeAddress,
		ProbeTimeout: cfg.Network.ProbeTimeout,
		Interface:    cfg.Network.Interface,
	})

	a := assemble(cfg, sink, buffer, conn, sources, notifier, opts...)
	a.runID = runID
	a.metricsPort = metricsPort
	a.configPath = configPath
	a.breakerState = breaker.State
	if metricsPort != "" {
		a.server = &http.Server{
			Addr:              "localhost:" + metricsPort,
			Handler:           a.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	if configPath != "" {
		a.configWatcher = config.NewWatcher(configPath)
		a.configUpdates = a.configWatcher.Updates()
	}

	logger.Info().
		Str("run_id", runID).
		Int("sources", len(sources)).
		Int("backlog", buffer.Len()).
		Str("buffer", buffer.Path()).
		Msg("Application initialized")

	return a, nil
}

// assemble wires already-built components into an App
func assemble(cfg *config.Config, sink sinkWithHealth, buffer *storage.Buffer, conn interfaces.ConnectivitySource,
	sources []interfaces.SensorSource, notifier *slacknotifier.Notifier, opts ...Option) *App {
	var alerter monitoring.Alerter
	if notifier != nil {
		alerter = slacknotifier.NewAlertAdapter(notifier)
	}

	a := &App{
		cfg:          cfg,
		buffer:       buffer,
		sink:         sink,
		breakerState: func() string { return "" },
		conn:         conn,
		sources:      sources,
		notifier:     notifier,
		wake:         make(chan struct{}, 1),
		runDuration:  cfg.Monitor.RunDuration,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.scheduler = monitoring.NewScheduler(schedulerConfig(cfg), conn, sink, buffer, sources, alerter)
	return a
}

// initializeSink resolves the InfluxDB endpoint and wraps the client in a
// circuit breaker. The store does not need to be reachable.
func initializeSink(cfg *config.Config) (sinkWithHealth, *storage.BreakerSink, error) {
	url := cfg.InfluxDB.URL
	if url == "" && cfg.InfluxDB.Discovery.Enabled {
		resolver := discovery.NewResolver(cfg.InfluxDB.Discovery.ServiceType, cfg.InfluxDB.Discovery.Domain)
		resolved, err := resolver.ResolveURL(context.Background(), cfg.InfluxDB.Discovery.Timeout)
		if err != nil {
			return nil, nil, fmt.Errorf("mDNS lookup of %s: %w", cfg.InfluxDB.Discovery.ServiceType, err)
		}
		logger.Info().Str("url", resolved).Msg("Resolved InfluxDB endpoint via mDNS")
		url = resolved
	}

	influxDB, err := storage.NewInfluxDBStorage(storage.InfluxDBOptions{
		URL:          url,
		Token:        cfg.InfluxDB.Token,
		Organization: cfg.InfluxDB.Organization,
		Bucket:       cfg.InfluxDB.Bucket,
		WriteTimeout: cfg.InfluxDB.WriteTimeout,
	})
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupHealthTimeout)
	defer cancel()
	if healthErr := influxDB.Health(ctx); healthErr != nil {
		logger.Warn().Err(healthErr).Msg("InfluxDB not reachable at startup, readings will be buffered")
	}

	breaker := storage.NewBreakerSink(influxDB,
		cfg.InfluxDB.CircuitBreaker.FailureThreshold,
		cfg.InfluxDB.CircuitBreaker.ResetTimeout)
	return breaker, breaker, nil
}

// buildSources creates the enabled sensor sources. Weather is registered
// first so its pressure reference reaches the environment sensor in the
// same tick.
func buildSources(cfg *config.Config) ([]interfaces.SensorSource, error) {
	var sources []interfaces.SensorSource
	s := cfg.Sensors

	if s.Weather.Enabled {
		weather, err := sensors.NewWeatherSource(sensors.WeatherOptions{
			APIKeyFile:  s.Weather.APIKeyFile,
			Location:    s.Weather.Location,
			Latitude:    s.Weather.Latitude,
			Longitude:   s.Weather.Longitude,
			CallsPerDay: s.Weather.CallsPerDay,
			BaseURL:     s.Weather.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		sources = append(sources, weather)
	}
	if s.Environment.Enabled {
		sources = append(sources, sensors.NewEnvironmentSource(sensors.EnvironmentOptions{
			DevicePath:              s.Environment.DevicePath,
			PeriodTicks:             s.Environment.PeriodTicks,
			TemperatureOffset:       s.Environment.TemperatureOffset,
			DefaultSeaLevelPressure: s.Environment.DefaultSeaLevelPressure,
		}))
	}
	if s.SDS011.Enabled {
		sources = append(sources, sensors.NewSDS011Source(sensors.SDS011Options{
			Device:      s.SDS011.Device,
			PeriodTicks: s.SDS011.PeriodTicks,
		}))
	}
	if s.PIR.Enabled {
		sources = append(sources, sensors.NewPIRSource(sensors.PIROptions{
			ValuePath:   s.PIR.ValuePath,
			PeriodTicks: s.PIR.PeriodTicks,
		}))
	}

	for _, src := range sources {
		logger.Info().Str("source", src.Name()).Msg("Sensor source registered")
	}
	return sources, nil
}

func schedulerConfig(cfg *config.Config) monitoring.SchedulerConfig {
	return monitoring.SchedulerConfig{
		PollInterval:         cfg.Monitor.PollInterval,
		FlushLimit:           cfg.Monitor.FlushLimit,
		BacklogWarnThreshold: cfg.Buffer.WarnThreshold,
		MinSignalDBm:         cfg.Network.MinSignalDBm,
		MinQualityPercent:    cfg.Network.MinQualityPercent,
	}
}

// State returns the current lifecycle state
func (a *App) State() State {
	return State(a.state.Load())
}

func (a *App) setState(s State) {
	a.state.Store(int32(s))
	metrics.LifecycleState.Set(float64(s))
	logger.Info().Str("state", s.String()).Msg("Lifecycle state changed")
}

// RequestStop asks the loop to drain. It only sets a flag and wakes the
// loop; cleanup happens on the loop goroutine.
func (a *App) RequestStop(reason string) {
	if a.stopRequested.CompareAndSwap(false, true) {
		logger.Info().Str("reason", reason).Msg("Stop requested")
	}
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Run polls until a stop is requested, ctx is cancelled or the configured
// run duration elapses, then drains. The returned error joins every
// cleanup failure.
func (a *App) Run(ctx context.Context) error {
	loopCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()

	a.startTime = a.now()
	a.setupSignalHandler(loopCtx)
	a.startMetricsServer()
	if a.configWatcher != nil {
		a.configWatcher.Start(loopCtx)
	}

	a.setState(StateRunning)
	a.scheduler.SetRunning(true)
	a.runMainLoop(loopCtx)

	a.setState(StateDraining)
	a.scheduler.SetRunning(false)
	stopBackground()
	err := a.drain()

	a.setState(StateStopped)
	return err
}

// runMainLoop runs ticks back to back with the poll interval between them
func (a *App) runMainLoop(ctx context.Context) {
	for {
		if reason := a.stopReason(ctx); reason != "" {
			logger.Info().Str("reason", reason).Msg("Leaving poll loop")
			return
		}

		a.applyPendingConfig()
		a.scheduler.Tick(ctx)

		timer := time.NewTimer(a.scheduler.Config().PollInterval)
		select {
		case <-ctx.Done():
		case <-a.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (a *App) stopReason(ctx context.Context) string {
	switch {
	case a.stopRequested.Load():
		return "stop requested"
	case ctx.Err() != nil:
		return "context cancelled"
	case a.runDuration > 0 && a.now().Sub(a.startTime) >= a.runDuration:
		return "run duration elapsed"
	}
	return ""
}

// applyPendingConfig applies a reloaded configuration, if one is waiting
func (a *App) applyPendingConfig() {
	select {
	case cfg := <-a.configUpdates:
		a.UpdateConfig(cfg)
	default:
	}
}

// UpdateConfig applies the reloadable parts of a new configuration.
// Adapter wiring (sink URL, sensors, buffer path) needs a restart.
func (a *App) UpdateConfig(newCfg *config.Config) {
	if a.overrides != nil {
		a.overrides(newCfg)
	}

	if err := logger.SetLevel(newCfg.Logging.Level); err != nil {
		logger.Warn().Err(err).Msg("Keeping current log level")
	}
	a.scheduler.ApplyConfig(schedulerConfig(newCfg))
	a.runDuration = newCfg.Monitor.RunDuration
	if a.notifier != nil {
		a.notifier.UpdateWebhookURL(newCfg.Notifications.SlackWebhookURL)
	}
	a.cfg = newCfg
	logger.Info().Msg("Application configuration updated")
}

// setupSignalHandler turns SIGINT/SIGTERM into a stop request
func (a *App) setupSignalHandler(ctx context.Context) {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.RequestStop(sig.String())
		case <-ctx.Done():
		}
	}()
}

// startMetricsServer starts the HTTP server for metrics and health checks
func (a *App) startMetricsServer() {
	if a.server == nil {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting metrics and health check server (localhost only)")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// drain releases every adapter. Each close runs even if an earlier one failed.
func (a *App) drain() error {
	logger.Info().Msg("Releasing adapters")
	var errs []error
	release := func(name string, c interfaces.Closeable) {
		if err := safeClose(c); err != nil {
			logger.Error().Err(err).Str("component", name).Msg("Cleanup failed")
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	for _, src := range a.sources {
		if c, ok := src.(interfaces.Closeable); ok {
			release(src.Name(), c)
		}
	}
	if c, ok := a.conn.(interfaces.Closeable); ok {
		release("connectivity", c)
	}
	release("sink", a.sink)
	release("buffer", a.buffer)

	if a.configWatcher != nil {
		a.configWatcher.Stop()
	}
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("HTTP server shutdown error")
			errs = append(errs, fmt.Errorf("http server: %w", err))
		} else {
			logger.Info().Msg("HTTP server stopped")
		}
		cancel()
	}

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()

	err := errors.Join(errs...)
	if err == nil {
		logger.Info().Int("backlog", a.buffer.Len()).Msg("All adapters released")
	}
	return err
}

// safeClose converts a panicking Close into an error
func safeClose(c interfaces.Closeable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during close: %v", r)
		}
	}()
	return c.Close()
}

// StateSnapshot is served on /state
type StateSnapshot struct {
	RunID     string               `json:"run_id"`
	Lifecycle string               `json:"lifecycle"`
	Poll      monitoring.PollState `json:"poll"`
	Breaker   string               `json:"breaker,omitempty"`
	Sources   []string             `json:"sources"`
}

// Snapshot returns the externally visible state
func (a *App) Snapshot() StateSnapshot {
	names := make([]string, 0, len(a.sources))
	for _, src := range a.sources {
		names = append(names, src.Name())
	}
	return StateSnapshot{
		RunID:     a.runID,
		Lifecycle: a.State().String(),
		Poll:      a.scheduler.State(),
		Breaker:   a.breakerState(),
		Sources:   names,
	}
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	snap := a.Snapshot()
	logger.Info().
		Str("run_id", snap.RunID).
		Str("lifecycle", snap.Lifecycle).
		Str("config", a.configPath).
		Str("metrics_port", a.metricsPort).
		Uint64("next_tick", snap.Poll.Tick).
		Time("start_time", snap.Poll.StartTime).
		Time("last_tick_at", snap.Poll.LastTickAt).
		Msg("Lifecycle state")

	logger.Info().
		Bool("connected", snap.Poll.Connected).
		Bool("sink_failing", snap.Poll.SinkFailing).
		Str("breaker", snap.Breaker).
		Int("backlog", snap.Poll.Backlog).
		Msg("Delivery state")

	for _, name := range snap.Sources {
		logger.Info().Str("source", name).Msg("Registered sensor source")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024)
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

// routes builds the HTTP handler for metrics, health and state
func (a *App) routes() http.Handler {
	metricsLimiter := rate.NewLimiter(10, 20)
	healthLimiter := rate.NewLimiter(10, 20)
	readyLimiter := rate.NewLimiter(10, 20)
	stateLimiter := rate.NewLimiter(5, 10)

	mux := http.NewServeMux()
	mux.Handle("/metrics", rateLimitMiddleware(metricsLimiter, promhttp.Handler().ServeHTTP))
	mux.HandleFunc("/health", rateLimitMiddleware(healthLimiter, healthCheckHandler))
	mux.HandleFunc("/ready", rateLimitMiddleware(readyLimiter, func(w http.ResponseWriter, r *http.Request) {
		readinessCheckHandler(w, r, a.sink)
	}))
	mux.HandleFunc("/state", rateLimitMiddleware(stateLimiter, a.stateHandler))
	return mux
}

// rateLimitMiddleware wraps an HTTP handler with rate limiting
func rateLimitMiddleware(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			logger.Warn().
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Msg("Rate limit exceeded")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// healthCheckHandler handles health check requests
func healthCheckHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("OK")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write health check response")
	}
}

// readinessCheckHandler reports whether the sink is reachable. The logger
// keeps buffering while not ready.
func readinessCheckHandler(w http.ResponseWriter, _ *http.Request, db interfaces.HealthChecker) {
	ctx, cancel := context.WithTimeout(context.Background(), readinessCheckTimeout)
	defer cancel()

	if err := db.Health(ctx); err != nil {
		logger.Warn().Err(err).Msg("Readiness check failed: InfluxDB unhealthy")
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, writeErr := w.Write([]byte("NOT READY: InfluxDB unhealthy")); writeErr != nil {
			logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, writeErr := w.Write([]byte("READY")); writeErr != nil {
		logger.Error().Err(writeErr).Msg("Failed to write readiness check response")
	}
}

func (a *App) stateHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.Snapshot()); err != nil {
		logger.Error().Err(err).Msg("Failed to write state response")
	}
}
