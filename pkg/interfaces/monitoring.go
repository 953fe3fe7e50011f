// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
)

// SensorSource produces at most one reading per tick.
type SensorSource interface {
	// Name identifies the source in logs and metrics
	Name() string

	// Read returns the reading for the given tick, or nil when the source
	// is not due or has nothing new. I/O failures are returned as errors.
	Read(ctx context.Context, tick uint64) (*Reading, error)
}

// ReferenceProvider is implemented by sources that publish values other
// sources calibrate against, e.g. a sea-level pressure from a weather service.
type ReferenceProvider interface {
	References() map[string]float64
}

// Calibrator is implemented by sources that accept reference values before
// each read. The map may be empty; implementations keep their defaults then.
type Calibrator interface {
	Calibrate(refs map[string]float64)
}

// Reference names shared between providers and calibrators.
const (
	RefSeaLevelPressure = "sea_level_pressure_hpa"
)
