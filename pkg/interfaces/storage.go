// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines abstract interfaces for core system components.
// This package promotes loose coupling and testability by allowing
// dependency injection and easy mocking in tests.
package interfaces

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidReading is returned by Reading.Validate for readings that cannot be stored.
var ErrInvalidReading = errors.New("invalid reading")

// Reading is one sensor observation destined for the time-series store.
type Reading struct {
	Measurement string             `json:"measurement"`
	Fields      map[string]float64 `json:"fields"`
	Tags        map[string]string  `json:"tags"`
	Time        time.Time          `json:"time,omitzero"`
}

// Validate checks that the reading has a measurement name and at least one finite field.
func (r Reading) Validate() error {
	if r.Measurement == "" {
		return fmt.Errorf("%w: measurement is empty", ErrInvalidReading)
	}
	if len(r.Fields) == 0 {
		return fmt.Errorf("%w: %s has no fields", ErrInvalidReading, r.Measurement)
	}
	for name, v := range r.Fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s field %q is not finite", ErrInvalidReading, r.Measurement, name)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate a reading held elsewhere.
func (r Reading) Clone() Reading {
	c := Reading{Measurement: r.Measurement, Time: r.Time}
	if r.Fields != nil {
		c.Fields = make(map[string]float64, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	if r.Tags != nil {
		c.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			c.Tags[k] = v
		}
	}
	return c
}

// Sink durably writes readings to the destination store.
// A nil error from Write is the only proof of delivery.
type Sink interface {
	// Write stores a single reading
	Write(ctx context.Context, reading Reading) error

	// Close releases the connection to the store
	Close() error
}

// HealthChecker is implemented by sinks that can report backend health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Closeable is implemented by adapters that hold resources which must be
// released during shutdown.
type Closeable interface {
	Close() error
}
