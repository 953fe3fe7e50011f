// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sensors

import (
	"context"
	"fmt"
	"os"
	"strings"

	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/pkg/logger"
)

// MeasurementMotion is the series written by the PIR source
const MeasurementMotion = "motion"

// PIROptions configures a PIRSource
type PIROptions struct {
	ValuePath   string
	PeriodTicks int
}

// PIRSource watches a GPIO input wired to a passive infrared detector and
// reports motion edges.
type PIRSource struct {
	path    string
	cadence Cadence
	primed  bool
	last    bool
}

// NewPIRSource creates the source. The first due read only records the
// initial pin level.
func NewPIRSource(opts PIROptions) *PIRSource {
	path := opts.ValuePath
	if path == "" {
		path = "/sys/class/gpio/gpio4/value"
	}
	return &PIRSource{path: path, cadence: Cadence{Period: opts.PeriodTicks}}
}

// Name returns the source name
func (s *PIRSource) Name() string {
	return "pir"
}

// Read returns motion=1 when motion starts, motion=0 when it ends, and nil
// while the level is unchanged.
func (s *PIRSource) Read(_ context.Context, tick uint64) (*interfaces.Reading, error) {
	if !s.cadence.Due(tick) {
		return nil, nil
	}

	level, err := s.readLevel()
	if err != nil {
		return nil, apperrors.NewSensorError(s.Name(), "read", err)
	}

	if !s.primed {
		s.primed = true
		s.last = level
		logger.Debug().Bool("level", level).Msg("PIR initial level")
		return nil, nil
	}
	if level == s.last {
		return nil, nil
	}
	s.last = level

	motion := 0.0
	if level {
		motion = 1
		logger.Info().Uint64("tick", tick).Msg("Motion detected")
	} else {
		logger.Info().Uint64("tick", tick).Msg("Motion ended")
	}

	return &interfaces.Reading{
		Measurement: MeasurementMotion,
		Fields:      map[string]float64{"motion": motion},
		Tags:        map[string]string{"sensor": "pir"},
	}, nil
}

func (s *PIRSource) readLevel() (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return false, err
	}
	switch v := strings.TrimSpace(string(data)); v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("unexpected GPIO value %q", v)
	}
}
