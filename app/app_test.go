// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/soothill/env-data-logger/config"
	"github.com/soothill/env-data-logger/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateInitializing: "initializing",
		StateRunning:      "running",
		StateDraining:     "draining",
		StateStopped:      "stopped",
		State(42):         "state(42)",
	}
	for s, want := range tests {
		assert.Equal(t, want, s.String())
	}
}

func TestRun_StopsAfterRunDuration(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.RunDuration = 50 * time.Millisecond
	sink := &fakeSink{}
	src := &fakeSource{name: "probe"}
	a := newTestApp(t, cfg, sink, &fakeConn{connected: true}, src)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after run duration")
	}

	assert.Equal(t, StateStopped, a.State())
	assert.Positive(t, sink.count(), "at least one tick should have written")
	assert.True(t, src.isClosed(), "source should be closed while draining")
	assert.True(t, sink.isClosed(), "sink should be closed while draining")
}

func TestRun_StopRequestDrains(t *testing.T) {
	cfg := testConfig(t)
	sink := &fakeSink{}
	a := newTestApp(t, cfg, sink, &fakeConn{connected: true}, &fakeSource{name: "probe"})

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	require.Eventually(t, func() bool { return sink.count() >= 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, a.State())

	a.RequestStop("test")
	a.RequestStop("test again")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after RequestStop")
	}
	assert.Equal(t, StateStopped, a.State())
	assert.False(t, a.scheduler.State().Running)
}

func TestRun_StopBeforeFirstTick(t *testing.T) {
	cfg := testConfig(t)
	sink := &fakeSink{}
	src := &fakeSource{name: "probe"}
	a := newTestApp(t, cfg, sink, &fakeConn{connected: true}, src)

	a.RequestStop("early")
	require.NoError(t, a.Run(context.Background()))

	assert.Zero(t, sink.count())
	assert.True(t, src.isClosed())
	assert.Equal(t, StateStopped, a.State())
}

func TestRun_ContextCancelled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.PollInterval = time.Hour
	sink := &fakeSink{}
	a := newTestApp(t, cfg, sink, &fakeConn{connected: true}, &fakeSource{name: "probe"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on context cancel during the inter-tick sleep")
	}
}

func TestRun_OfflineReadingsPersisted(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitor.RunDuration = 40 * time.Millisecond
	sink := &fakeSink{}
	a := newTestApp(t, cfg, sink, &fakeConn{connected: false}, &fakeSource{name: "probe"})

	require.NoError(t, a.Run(context.Background()))
	assert.Zero(t, sink.count(), "nothing is written while offline")

	reloaded, err := storage.NewBuffer(cfg.Buffer.Path)
	require.NoError(t, err)
	snap := reloaded.Snapshot()
	require.NotEmpty(t, snap)
	for i, r := range snap {
		assert.Equal(t, float64(i+1), r.Fields["value"], "buffered readings keep tick order")
	}
}

func TestRun_EveryCleanupAttempted(t *testing.T) {
	cfg := testConfig(t)
	sink := &fakeSink{closeErr: errClose}
	failing := &fakeSource{name: "failing", closeErr: errClose}
	panicking := &fakeSource{name: "panicking", panicOnClose: true}
	healthy := &fakeSource{name: "healthy"}
	a := newTestApp(t, cfg, sink, &fakeConn{connected: true}, failing, panicking, healthy)

	a.RequestStop("test")
	err := a.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, errClose)
	assert.Contains(t, err.Error(), "failing")
	assert.Contains(t, err.Error(), "panicking")
	assert.Contains(t, err.Error(), "sink")
	assert.True(t, failing.isClosed())
	assert.True(t, panicking.isClosed())
	assert.True(t, healthy.isClosed())
	assert.True(t, sink.isClosed())
	assert.Equal(t, StateStopped, a.State())
}

func TestUpdateConfig(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg, &fakeSink{}, &fakeConn{connected: true})
	a.overrides = func(c *config.Config) { c.Monitor.FlushLimit = 3 }

	next := *cfg
	next.Monitor.PollInterval = 2 * time.Second
	next.Monitor.FlushLimit = 50
	next.Monitor.RunDuration = time.Hour
	next.Buffer.WarnThreshold = 20
	next.Network.MinQualityPercent = 30

	updates := make(chan *config.Config, 1)
	updates <- &next
	a.configUpdates = updates
	a.applyPendingConfig()

	got := a.scheduler.Config()
	assert.Equal(t, 2*time.Second, got.PollInterval)
	assert.Equal(t, 3, got.FlushLimit, "overrides win over the reloaded file")
	assert.Equal(t, 20, got.BacklogWarnThreshold)
	assert.Equal(t, 30.0, got.MinQualityPercent)
	assert.Equal(t, time.Hour, a.runDuration)

	// Nothing pending is a no-op
	a.applyPendingConfig()
	assert.Equal(t, 2*time.Second, a.scheduler.Config().PollInterval)
}

func TestRoutes(t *testing.T) {
	cfg := testConfig(t)
	sink := &fakeSink{}
	a := newTestApp(t, cfg, sink, &fakeConn{connected: true}, &fakeSource{name: "probe"})
	a.runID = "run-123"
	handler := a.routes()

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	w := get("/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	w = get("/ready")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "READY", w.Body.String())

	sink.mu.Lock()
	sink.healthErr = errors.New("unreachable")
	sink.mu.Unlock()
	w = get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = get("/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "envlogger_lifecycle_state")

	w = get("/state")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var snap StateSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "run-123", snap.RunID)
	assert.Equal(t, "initializing", snap.Lifecycle)
	assert.Equal(t, []string{"probe"}, snap.Sources)
	assert.Equal(t, uint64(1), snap.Poll.Tick)
}

func TestRateLimitMiddleware_ExceedLimit(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 2)
	handler := rateLimitMiddleware(limiter, healthCheckHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestBuildSources_Order(t *testing.T) {
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "owm.key")
	require.NoError(t, os.WriteFile(keyFile, []byte("abc123\n"), 0600))

	cfg := testConfig(t)
	cfg.Sensors = config.SensorsConfig{
		SDS011:      config.SDS011Config{Enabled: true, Device: filepath.Join(dir, "tty")},
		Environment: config.EnvironmentConfig{Enabled: true, DevicePath: dir},
		PIR:         config.PIRConfig{Enabled: true, ValuePath: filepath.Join(dir, "value")},
		Weather:     config.WeatherConfig{Enabled: true, APIKeyFile: keyFile, Location: "Oxford,GB"},
	}

	sources, err := buildSources(cfg)
	require.NoError(t, err)

	names := make([]string, 0, len(sources))
	for _, s := range sources {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"openweather", "bme680", "sds011", "pir"}, names)
}

func TestBuildSources_MissingWeatherKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sensors.Weather = config.WeatherConfig{
		Enabled:    true,
		APIKeyFile: filepath.Join(t.TempDir(), "missing.key"),
		Location:   "Oxford,GB",
	}

	_, err := buildSources(cfg)
	require.Error(t, err)
}

func fullConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testConfig(t)
	cfg.InfluxDB = config.InfluxDBConfig{
		URL:          "http://127.0.0.1:1",
		Token:        "test-token",
		Organization: "test-org",
		Bucket:       "test-bucket",
		WriteTimeout: time.Second,
	}
	cfg.Network = config.NetworkConfig{ProbeAddress: "127.0.0.1:1", ProbeTimeout: 100 * time.Millisecond}
	cfg.Sensors.PIR = config.PIRConfig{Enabled: true, ValuePath: filepath.Join(t.TempDir(), "value"), PeriodTicks: 1}
	return cfg
}

func TestNew_UnreachableSinkStillStarts(t *testing.T) {
	cfg := fullConfig(t)

	a, err := New(cfg, "", "")
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, a.State())
	assert.NotEmpty(t, a.runID)
	assert.Equal(t, "closed", a.Snapshot().Breaker)

	a.RequestStop("test")
	require.NoError(t, a.Run(context.Background()))
	assert.Equal(t, StateStopped, a.State())
}

func TestNew_BufferDirectoryFailure(t *testing.T) {
	cfg := fullConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))
	cfg.Buffer.Path = filepath.Join(blocker, "sub", "buffer.json")

	_, err := New(cfg, "", "")
	require.Error(t, err)
}

func TestNew_InvalidSinkURL(t *testing.T) {
	cfg := fullConfig(t)
	cfg.InfluxDB.URL = ""

	_, err := New(cfg, "", "")
	require.Error(t, err)
}
