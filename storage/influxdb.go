// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage provides the durable reading buffer and the InfluxDB sink.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/pkg/logger"
	"github.com/soothill/env-data-logger/pkg/metrics"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxFluxStringLength = 1000
)

// InfluxDBOptions holds the connection settings for InfluxDBStorage
type InfluxDBOptions struct {
	URL          string
	Token        string
	Organization string
	Bucket       string
	WriteTimeout time.Duration
}

// InfluxDBStorage writes readings to InfluxDB synchronously, one point per call
type InfluxDBStorage struct {
	client       influxdb2.Client
	writeAPI     api.WriteAPIBlocking
	url          string
	org          string
	bucket       string
	writeTimeout time.Duration
}

// NewInfluxDBStorage creates a client for the given server. The server does
// not need to be reachable; write failures surface on Write.
func NewInfluxDBStorage(opts InfluxDBOptions) (*InfluxDBStorage, error) {
	if opts.URL == "" {
		return nil, apperrors.NewConfigError("influxdb.url", "", errors.New("url is required"))
	}
	parsed, err := url.Parse(opts.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, apperrors.NewConfigError("influxdb.url", opts.URL, errors.New("must be an absolute http(s) URL"))
	}
	if opts.Token == "" {
		return nil, apperrors.NewConfigError("influxdb.token", "", errors.New("token is required"))
	}
	if opts.Organization == "" {
		return nil, apperrors.NewConfigError("influxdb.organization", "", errors.New("organization is required"))
	}
	if opts.Bucket == "" {
		return nil, apperrors.NewConfigError("influxdb.bucket", "", errors.New("bucket is required"))
	}

	timeout := opts.WriteTimeout
	if timeout <= 0 {
		timeout = defaultWriteTimeout
	}

	options := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(timeout.Seconds() + 1)).
		SetPrecision(time.Second)
	client := influxdb2.NewClientWithOptions(opts.URL, opts.Token, options)

	logger.Info().
		Str("url", opts.URL).
		Str("org", opts.Organization).
		Str("bucket", opts.Bucket).
		Dur("write_timeout", timeout).
		Msg("InfluxDB sink configured")

	return &InfluxDBStorage{
		client:       client,
		writeAPI:     client.WriteAPIBlocking(opts.Organization, opts.Bucket),
		url:          opts.URL,
		org:          opts.Organization,
		bucket:       opts.Bucket,
		writeTimeout: timeout,
	}, nil
}

// Write sends one reading and returns once the server has accepted or
// rejected it.
func (s *InfluxDBStorage) Write(ctx context.Context, reading interfaces.Reading) error {
	if err := reading.Validate(); err != nil {
		return apperrors.NewStorageError("write", reading.Measurement, err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()

	metrics.SinkWritesTotal.Inc()
	if err := s.writeAPI.WritePoint(writeCtx, readingToPoint(reading)); err != nil {
		metrics.SinkWriteErrors.Inc()
		return apperrors.NewStorageError("write", reading.Measurement, err)
	}

	logger.Debug().Str("measurement", reading.Measurement).Int("fields", len(reading.Fields)).Msg("Wrote reading to InfluxDB")
	return nil
}

// readingToPoint converts a reading to an InfluxDB point. Readings without a
// timestamp are stamped with the current time.
func readingToPoint(reading interfaces.Reading) *write.Point {
	ts := reading.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	fields := make(map[string]interface{}, len(reading.Fields))
	for k, v := range reading.Fields {
		fields[k] = v
	}

	return influxdb2.NewPoint(reading.Measurement, reading.Tags, fields, ts)
}

// Health checks the server's health endpoint
func (s *InfluxDBStorage) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return apperrors.NewNetworkError("health", s.url, err)
	}
	if health.Status != "pass" {
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return apperrors.NewNetworkError("health", s.url, fmt.Errorf("status %s: %s", health.Status, message))
	}
	return nil
}

// Close releases the HTTP client
func (s *InfluxDBStorage) Close() error {
	logger.Info().Msg("Closing InfluxDB connection")
	s.client.Close()
	return nil
}

// QueryLatest returns the newest value of every field of a measurement
// within the lookback window, optionally filtered by the sensor tag.
func (s *InfluxDBStorage) QueryLatest(ctx context.Context, measurement, sensor string, lookback time.Duration) (*interfaces.Reading, error) {
	if measurement == "" {
		return nil, fmt.Errorf("measurement cannot be empty")
	}
	if lookback <= 0 {
		lookback = time.Hour
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "from(bucket: \"%s\")\n", sanitizeFluxString(s.bucket))
	fmt.Fprintf(&sb, "  |> range(start: -%ds)\n", int64(lookback.Seconds()))
	fmt.Fprintf(&sb, "  |> filter(fn: (r) => r._measurement == \"%s\")\n", sanitizeFluxString(measurement))
	if sensor != "" {
		fmt.Fprintf(&sb, "  |> filter(fn: (r) => r.sensor == \"%s\")\n", sanitizeFluxString(sensor))
	}
	sb.WriteString("  |> last()\n")

	result, err := s.client.QueryAPI(s.org).Query(ctx, sb.String())
	if err != nil {
		return nil, apperrors.NewStorageError("query", measurement, err)
	}
	defer func() {
		_ = result.Close()
	}()

	reading := &interfaces.Reading{
		Measurement: measurement,
		Fields:      map[string]float64{},
		Tags:        map[string]string{},
	}
	for result.Next() {
		record := result.Record()
		if record.Time().After(reading.Time) {
			reading.Time = record.Time()
		}
		if val, ok := record.Value().(float64); ok {
			reading.Fields[record.Field()] = val
		}
		for k, v := range record.Values() {
			if strings.HasPrefix(k, "_") || k == "result" || k == "table" {
				continue
			}
			if str, ok := v.(string); ok {
				reading.Tags[k] = str
			}
		}
	}
	if result.Err() != nil {
		return nil, apperrors.NewStorageError("query", measurement, result.Err())
	}

	return reading, nil
}

// sanitizeFluxString escapes a value for use inside a Flux string literal.
// Input is truncated to maxFluxStringLength bytes and NUL bytes are dropped.
func sanitizeFluxString(s string) string {
	if len(s) > maxFluxStringLength {
		s = s[:maxFluxStringLength]
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			sb.WriteString(`\\`)
		case '"':
			sb.WriteString(`\"`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case 0:
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
