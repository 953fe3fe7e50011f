// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/storage"
)

var errWriteFailed = errors.New("write failed")

type fakeConn struct {
	connected bool
	lq        interfaces.LinkQuality
	panics    bool
}

func (c *fakeConn) IsConnected(context.Context) bool {
	if c.panics {
		panic("probe exploded")
	}
	return c.connected
}

func (c *fakeConn) LinkQuality(context.Context) interfaces.LinkQuality { return c.lq }

// fakeSink records writes; fail decides per reading whether to fail
type fakeSink struct {
	mu      sync.Mutex
	written []interfaces.Reading
	fail    func(r interfaces.Reading) error
	panics  bool
}

func (s *fakeSink) Write(_ context.Context, r interfaces.Reading) error {
	if s.panics {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		if err := s.fail(r); err != nil {
			return err
		}
	}
	s.written = append(s.written, r)
	return nil
}

func (s *fakeSink) Close() error { return nil }

func (s *fakeSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.written))
	for i, r := range s.written {
		out[i] = r.Tags["id"]
	}
	return out
}

// fakeSource emits one reading per tick tagged with its name and the tick
type fakeSource struct {
	name   string
	period uint64
	err    error
	panics bool
	reads  int
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Read(_ context.Context, tick uint64) (*interfaces.Reading, error) {
	f.reads++
	if f.panics {
		panic("driver exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.period > 1 && tick%f.period != 0 {
		return nil, nil
	}
	return &interfaces.Reading{
		Measurement: f.name,
		Fields:      map[string]float64{"tick": float64(tick)},
		Tags:        map[string]string{"id": id(f.name, tick)},
	}, nil
}

func id(name string, tick uint64) string {
	return name + "@" + strconv.FormatUint(tick, 10)
}

// refSource publishes a reference after each read
type refSource struct {
	fakeSource
	value float64
}

func (r *refSource) References() map[string]float64 {
	return map[string]float64{interfaces.RefSeaLevelPressure: r.value}
}

// calSource records the references it was calibrated with
type calSource struct {
	fakeSource
	got []map[string]float64
}

func (c *calSource) Calibrate(refs map[string]float64) {
	c.got = append(c.got, refs)
}

type fakeAlerter struct {
	failures   int
	recoveries []int
	warnings   []int
}

func (a *fakeAlerter) SendSinkFailure(context.Context, error) error {
	a.failures++
	return nil
}

func (a *fakeAlerter) SendSinkRecovery(_ context.Context, flushed int) error {
	a.recoveries = append(a.recoveries, flushed)
	return nil
}

func (a *fakeAlerter) SendBacklogWarning(_ context.Context, backlog, _ int) error {
	a.warnings = append(a.warnings, backlog)
	return nil
}

func newBuffer(t *testing.T) *storage.Buffer {
	t.Helper()
	b, err := storage.NewBuffer(filepath.Join(t.TempDir(), "buffer.json"))
	if err != nil {
		t.Fatalf("NewBuffer() error = %v", err)
	}
	return b
}

func bufferIDs(b *storage.Buffer) []string {
	var out []string
	for _, r := range b.Snapshot() {
		out = append(out, r.Tags["id"])
	}
	return out
}
