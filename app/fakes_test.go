// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/soothill/env-data-logger/config"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/storage"
	"github.com/stretchr/testify/require"
)

var errClose = errors.New("close failed")

type fakeSink struct {
	mu        sync.Mutex
	writes    []interfaces.Reading
	failWrite bool
	healthErr error
	closeErr  error
	closed    bool
}

func (s *fakeSink) Write(_ context.Context, r interfaces.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrite {
		return errors.New("sink down")
	}
	s.writes = append(s.writes, r)
	return nil
}

func (s *fakeSink) Health(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.writes)
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeConn struct {
	connected bool
}

func (c *fakeConn) IsConnected(context.Context) bool { return c.connected }

func (c *fakeConn) LinkQuality(context.Context) interfaces.LinkQuality {
	return interfaces.LinkQuality{}
}

// fakeSource emits one reading every tick and records Close
type fakeSource struct {
	name         string
	closeErr     error
	panicOnClose bool

	mu     sync.Mutex
	reads  int
	closed bool
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Read(_ context.Context, _ uint64) (*interfaces.Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return &interfaces.Reading{
		Measurement: s.name,
		Fields:      map[string]float64{"value": float64(s.reads)},
		Tags:        map[string]string{"sensor": s.name},
	}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if s.panicOnClose {
		panic("close exploded")
	}
	return s.closeErr
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Monitor: config.MonitorConfig{
			PollInterval: 10 * time.Millisecond,
			FlushLimit:   100,
		},
		Buffer: config.BufferConfig{
			Path:          filepath.Join(t.TempDir(), "buffer.json"),
			WarnThreshold: 1000,
		},
		Logging: config.LoggingConfig{Level: "info"},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, sink *fakeSink, conn *fakeConn, sources ...interfaces.SensorSource) *App {
	t.Helper()
	buffer, err := storage.NewBuffer(cfg.Buffer.Path)
	require.NoError(t, err)
	return assemble(cfg, sink, buffer, conn, sources, nil)
}
