// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the environment data logger.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TicksTotal tracks the number of poll ticks executed
	TicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "envlogger_ticks_total",
		Help: "Total number of poll ticks executed",
	})

	// TickDuration tracks how long a single tick takes, excluding the inter-tick sleep
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "envlogger_tick_duration_seconds",
		Help:    "Duration of a poll tick in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// ReadingsTotal tracks readings produced per measurement
	ReadingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envlogger_readings_total",
		Help: "Total number of readings produced by sensor sources",
	}, []string{"measurement"})

	// SourceErrors tracks failed reads per source
	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "envlogger_source_errors_total",
		Help: "Total number of failed sensor source reads",
	}, []string{"source"})

	// SinkWritesTotal tracks successful writes to the sink (direct and flushed)
	SinkWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "envlogger_sink_writes_total",
		Help: "Total number of readings written to the sink",
	})

	// SinkWriteErrors tracks failed writes to the sink
	SinkWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "envlogger_sink_write_errors_total",
		Help: "Total number of failed sink writes",
	})

	// BufferBacklog tracks the number of readings waiting in the durable buffer
	BufferBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "envlogger_buffer_backlog",
		Help: "Number of readings held in the durable buffer",
	})

	// BufferAppendsTotal tracks readings diverted to the durable buffer
	BufferAppendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "envlogger_buffer_appends_total",
		Help: "Total number of readings appended to the durable buffer",
	})

	// BufferFlushedTotal tracks buffered readings delivered by flush
	BufferFlushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "envlogger_buffer_flushed_total",
		Help: "Total number of buffered readings flushed to the sink",
	})

	// BufferPersistErrors tracks failed saves of the buffer file
	BufferPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "envlogger_buffer_persist_errors_total",
		Help: "Total number of failed durable buffer saves",
	})

	// NetworkConnected is 1 when the reachability probe succeeded on the last tick
	NetworkConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "envlogger_network_connected",
		Help: "Whether the network was reachable on the last tick (1 or 0)",
	})

	// WifiSignalLevel tracks the wireless signal level in dBm
	WifiSignalLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "envlogger_wifi_signal_dbm",
		Help: "Wireless signal level in dBm",
	})

	// WifiLinkQuality tracks the wireless link quality in percent
	WifiLinkQuality = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "envlogger_wifi_link_quality_percent",
		Help: "Wireless link quality in percent",
	})

	// LastValue tracks the most recent value of every field per measurement
	LastValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "envlogger_last_value",
		Help: "Most recent value of a reading field",
	}, []string{"measurement", "field"})

	// LifecycleState is the current lifecycle state:
	// 0 initializing, 1 running, 2 draining, 3 stopped
	LifecycleState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "envlogger_lifecycle_state",
		Help: "Lifecycle state of the logger (0 initializing, 1 running, 2 draining, 3 stopped)",
	})

	// BreakerOpen is 1 while the sink circuit breaker rejects writes
	BreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "envlogger_sink_breaker_open",
		Help: "1 when the sink circuit breaker is open",
	})
)
