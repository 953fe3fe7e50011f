// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring drives the sampling loop: one tick at a time it checks
// connectivity, samples every due sensor, and routes each reading either to
// the sink (after draining the backlog) or to the durable buffer.
package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/pkg/logger"
	"github.com/soothill/env-data-logger/pkg/metrics"
)

const alertTimeout = 5 * time.Second

// Backlog is the durable queue readings fall back to
type Backlog interface {
	Append(reading interfaces.Reading)
	Flush(ctx context.Context, maxItems int, sink interfaces.Sink) (int, error)
	IsEmpty() bool
	Len() int
}

// Alerter receives delivery state transitions
type Alerter interface {
	SendSinkFailure(ctx context.Context, err error) error
	SendSinkRecovery(ctx context.Context, flushed int) error
	SendBacklogWarning(ctx context.Context, backlog, threshold int) error
}

// SchedulerConfig holds the settings that may change on reload
type SchedulerConfig struct {
	PollInterval         time.Duration
	FlushLimit           int
	BacklogWarnThreshold int
	MinSignalDBm         float64
	MinQualityPercent    float64
}

// PollState is a point-in-time view of the scheduler
type PollState struct {
	Tick        uint64    `json:"tick"`
	StartTime   time.Time `json:"start_time"`
	Running     bool      `json:"running"`
	LastTickAt  time.Time `json:"last_tick_at,omitzero"`
	Connected   bool      `json:"connected"`
	SinkFailing bool      `json:"sink_failing"`
	Backlog     int       `json:"backlog"`
}

// Scheduler runs poll ticks. Tick must not be called concurrently; State
// and ApplyConfig are safe from other goroutines.
type Scheduler struct {
	conn    interfaces.ConnectivitySource
	sink    interfaces.Sink
	buffer  Backlog
	sources []interfaces.SensorSource
	alerter Alerter

	mu         sync.RWMutex
	cfg        SchedulerConfig
	tick       uint64
	startTime  time.Time
	running    bool
	lastTickAt time.Time
	connected  bool

	// Written only from Tick; sinkFailing writes also take mu
	sinkFailing         bool
	refs                map[string]float64
	backlogWarned       bool
	flushedSinceFailure int
}

// NewScheduler creates a scheduler whose first tick is 1. Sources are
// sampled in the order given. alerter may be nil.
func NewScheduler(cfg SchedulerConfig, conn interfaces.ConnectivitySource, sink interfaces.Sink,
	buffer Backlog, sources []interfaces.SensorSource, alerter Alerter) *Scheduler {
	return &Scheduler{
		conn:      conn,
		sink:      &safeSink{sink: sink},
		buffer:    buffer,
		sources:   sources,
		alerter:   alerter,
		cfg:       cfg,
		tick:      1,
		startTime: time.Now(),
		refs:      make(map[string]float64),
	}
}

// Config returns the active configuration
func (s *Scheduler) Config() SchedulerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyConfig replaces the reloadable settings. It takes effect on the next tick.
func (s *Scheduler) ApplyConfig(cfg SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	logger.Info().
		Dur("poll_interval", cfg.PollInterval).
		Int("flush_limit", cfg.FlushLimit).
		Int("backlog_warn_threshold", cfg.BacklogWarnThreshold).
		Msg("Scheduler configuration updated")
}

// SetRunning records whether the lifecycle loop is active
func (s *Scheduler) SetRunning(running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = running
}

// State returns a snapshot of the scheduler state. Tick is the number of
// the next tick to run.
func (s *Scheduler) State() PollState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return PollState{
		Tick:        s.tick,
		StartTime:   s.startTime,
		Running:     s.running,
		LastTickAt:  s.lastTickAt,
		Connected:   s.connected,
		SinkFailing: s.sinkFailing,
		Backlog:     s.buffer.Len(),
	}
}

// Tick runs one poll cycle. Adapter errors and panics are logged and never
// returned.
func (s *Scheduler) Tick(ctx context.Context) {
	started := time.Now()

	s.mu.RLock()
	n := s.tick
	cfg := s.cfg
	s.mu.RUnlock()

	log := logger.With().Uint64("tick", n).Logger()

	connected := s.isConnected(ctx)
	s.checkLinkQuality(ctx, cfg)
	log.Debug().Bool("connected", connected).Msg("Tick started")

	for _, src := range s.sources {
		reading, err := s.sample(ctx, src, n)
		if err != nil {
			metrics.SourceErrors.WithLabelValues(src.Name()).Inc()
			log.Warn().Err(err).Str("source", src.Name()).Msg("Sensor read failed, no reading this tick")
			continue
		}
		if reading == nil {
			continue
		}

		if err := reading.Validate(); err != nil {
			metrics.SourceErrors.WithLabelValues(src.Name()).Inc()
			log.Error().Err(err).Str("source", src.Name()).Msg("Dropping invalid reading")
			continue
		}
		if reading.Time.IsZero() {
			reading.Time = time.Now()
		}

		recordReading(*reading)
		s.deliver(ctx, connected, cfg, *reading)
	}

	s.checkBacklog(ctx, cfg)

	s.mu.Lock()
	s.tick++
	s.lastTickAt = time.Now()
	s.connected = connected
	s.mu.Unlock()

	metrics.TicksTotal.Inc()
	metrics.TickDuration.Observe(time.Since(started).Seconds())
}

// sample calibrates and reads one source, turning panics into errors.
// References published by the source are collected even if the read fails.
func (s *Scheduler) sample(ctx context.Context, src interfaces.SensorSource, tick uint64) (reading *interfaces.Reading, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			reading = nil
			err = apperrors.NewSensorError(src.Name(), "read", fmt.Errorf("%w: %v", apperrors.ErrAdapterPanic, rec))
		}
	}()

	if c, ok := src.(interfaces.Calibrator); ok {
		refs := make(map[string]float64, len(s.refs))
		for k, v := range s.refs {
			refs[k] = v
		}
		c.Calibrate(refs)
	}

	reading, err = src.Read(ctx, tick)

	if p, ok := src.(interfaces.ReferenceProvider); ok {
		for k, v := range p.References() {
			s.refs[k] = v
		}
	}

	return reading, err
}

// deliver sends a reading, draining the backlog first so older readings
// land before newer ones. Any failure buffers the new reading.
func (s *Scheduler) deliver(ctx context.Context, connected bool, cfg SchedulerConfig, reading interfaces.Reading) {
	if !connected {
		s.buffer.Append(reading)
		logger.Debug().Str("measurement", reading.Measurement).Int("backlog", s.buffer.Len()).
			Msg("Offline, reading buffered")
		return
	}

	flushed, err := s.buffer.Flush(ctx, cfg.FlushLimit, s.sink)
	s.flushedSinceFailure += flushed
	if err != nil {
		s.onSinkFailure(ctx, err)
		s.buffer.Append(reading)
		logger.Info().Str("measurement", reading.Measurement).Int("backlog", s.buffer.Len()).
			Msg("Backlog flush failed, reading buffered")
		return
	}

	if err := s.sink.Write(ctx, reading); err != nil {
		s.onSinkFailure(ctx, err)
		s.buffer.Append(reading)
		logger.Info().Err(err).Str("measurement", reading.Measurement).Int("backlog", s.buffer.Len()).
			Msg("Write failed, reading buffered")
		return
	}

	logger.Debug().Str("measurement", reading.Measurement).Msg("Reading written")
	s.onSinkSuccess(ctx)
}

func (s *Scheduler) onSinkFailure(ctx context.Context, err error) {
	if s.sinkFailing {
		return
	}
	s.flushedSinceFailure = 0
	s.setSinkFailing(true)
	logger.Error().Err(err).Msg("Sink writes failing, buffering readings")
	s.alert(ctx, "sink failure", func(actx context.Context) error {
		return s.alerter.SendSinkFailure(actx, err)
	})
}

func (s *Scheduler) onSinkSuccess(ctx context.Context) {
	if !s.sinkFailing || !s.buffer.IsEmpty() {
		return
	}
	s.setSinkFailing(false)
	flushed := s.flushedSinceFailure
	logger.Info().Int("flushed", flushed).Msg("Sink writes recovered, backlog drained")
	s.alert(ctx, "sink recovery", func(actx context.Context) error {
		return s.alerter.SendSinkRecovery(actx, flushed)
	})
}

func (s *Scheduler) setSinkFailing(v bool) {
	s.mu.Lock()
	s.sinkFailing = v
	s.mu.Unlock()
}

func (s *Scheduler) checkBacklog(ctx context.Context, cfg SchedulerConfig) {
	backlog := s.buffer.Len()
	if backlog == 0 {
		s.backlogWarned = false
		return
	}
	if cfg.BacklogWarnThreshold <= 0 || backlog < cfg.BacklogWarnThreshold || s.backlogWarned {
		return
	}
	s.backlogWarned = true
	logger.Warn().Int("backlog", backlog).Int("threshold", cfg.BacklogWarnThreshold).Msg("Backlog above warning threshold")
	s.alert(ctx, "backlog warning", func(actx context.Context) error {
		return s.alerter.SendBacklogWarning(actx, backlog, cfg.BacklogWarnThreshold)
	})
}

func (s *Scheduler) alert(ctx context.Context, kind string, send func(context.Context) error) {
	if s.alerter == nil {
		return
	}
	actx, cancel := context.WithTimeout(ctx, alertTimeout)
	defer cancel()
	if err := send(actx); err != nil {
		logger.Warn().Err(err).Str("alert", kind).Msg("Failed to send alert")
	}
}

func (s *Scheduler) isConnected(ctx context.Context) (connected bool) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Connectivity check panicked, treating as offline")
			connected = false
		}
	}()
	return s.conn.IsConnected(ctx)
}

// checkLinkQuality logs a weak link. It never affects delivery.
func (s *Scheduler) checkLinkQuality(ctx context.Context, cfg SchedulerConfig) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("Link quality check panicked")
		}
	}()

	lq := s.conn.LinkQuality(ctx)
	if lq.HasSignal && cfg.MinSignalDBm != 0 && lq.SignalDBm < cfg.MinSignalDBm {
		logger.Warn().Float64("signal_dbm", lq.SignalDBm).Float64("min_signal_dbm", cfg.MinSignalDBm).
			Msg("Wireless signal below threshold")
	}
	if lq.HasQuality && cfg.MinQualityPercent > 0 && lq.QualityPercent < cfg.MinQualityPercent {
		logger.Warn().Float64("quality_percent", lq.QualityPercent).Float64("min_quality_percent", cfg.MinQualityPercent).
			Msg("Wireless link quality below threshold")
	}
}

func recordReading(r interfaces.Reading) {
	metrics.ReadingsTotal.WithLabelValues(r.Measurement).Inc()
	for field, v := range r.Fields {
		metrics.LastValue.WithLabelValues(r.Measurement, field).Set(v)
	}
}

// safeSink converts sink panics into errors so a misbehaving sink cannot
// take down the loop or leave the buffer mid-flush.
type safeSink struct {
	sink interfaces.Sink
}

func (s *safeSink) Write(ctx context.Context, r interfaces.Reading) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperrors.NewStorageError("write", r.Measurement, fmt.Errorf("%w: %v", apperrors.ErrAdapterPanic, rec))
		}
	}()
	return s.sink.Write(ctx, r)
}

func (s *safeSink) Close() error {
	return s.sink.Close()
}
