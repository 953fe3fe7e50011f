// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/pkg/logger"
	"github.com/soothill/env-data-logger/pkg/metrics"
)

// BreakerSink wraps a sink with a circuit breaker. While the breaker is open
// writes fail immediately with ErrCircuitBreakerOpen instead of waiting on
// the write timeout.
type BreakerSink struct {
	sink interfaces.Sink
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerSink trips after failureThreshold consecutive failures and
// allows a single probe write once resetTimeout has elapsed.
func NewBreakerSink(sink interfaces.Sink, failureThreshold uint32, resetTimeout time.Duration) *BreakerSink {
	if failureThreshold == 0 {
		failureThreshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "influxdb",
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failureThreshold
		},
		// Rejected readings say nothing about sink health
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, interfaces.ErrInvalidReading)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
			if to == gobreaker.StateOpen {
				metrics.BreakerOpen.Set(1)
			} else {
				metrics.BreakerOpen.Set(0)
			}
		},
	}

	return &BreakerSink{
		sink: sink,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

// Write forwards the reading through the breaker
func (b *BreakerSink) Write(ctx context.Context, reading interfaces.Reading) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.sink.Write(ctx, reading)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", apperrors.ErrCircuitBreakerOpen, err)
	}
	return err
}

// State returns the breaker state name
func (b *BreakerSink) State() string {
	return b.cb.State().String()
}

// Health delegates to the wrapped sink when it supports health checks
func (b *BreakerSink) Health(ctx context.Context) error {
	if hc, ok := b.sink.(interfaces.HealthChecker); ok {
		return hc.Health(ctx)
	}
	return nil
}

// Close closes the wrapped sink
func (b *BreakerSink) Close() error {
	return b.sink.Close()
}
