// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sensors

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/pkg/logger"
)

const (
	// MeasurementEnvironment is the series written by the environment source
	MeasurementEnvironment = "temperature_humidity_pressure"

	defaultIIODevice        = "/sys/bus/iio/devices/iio:device0"
	defaultSeaLevelPressure = 1015.0

	iioTemperature = "in_temp_input"             // milli degrees Celsius
	iioHumidity    = "in_humidityrelative_input" // milli percent
	iioPressure    = "in_pressure_input"         // kilopascal
	iioGas         = "in_resistance_input"       // ohm
)

// EnvironmentOptions configures an EnvironmentSource
type EnvironmentOptions struct {
	DevicePath              string
	PeriodTicks             int
	TemperatureOffset       float64
	DefaultSeaLevelPressure float64
}

// EnvironmentSource reads a BME680/BME280 class sensor through the Linux
// IIO sysfs interface.
type EnvironmentSource struct {
	dir         string
	cadence     Cadence
	tempOffset  float64
	seaLevelHPa float64
	temperature runningMean
	humidity    runningMean
	pressure    runningMean
}

// NewEnvironmentSource creates the source
func NewEnvironmentSource(opts EnvironmentOptions) *EnvironmentSource {
	dir := opts.DevicePath
	if dir == "" {
		dir = defaultIIODevice
	}
	slp := opts.DefaultSeaLevelPressure
	if slp <= 0 {
		slp = defaultSeaLevelPressure
	}
	return &EnvironmentSource{
		dir:         dir,
		cadence:     Cadence{Period: opts.PeriodTicks},
		tempOffset:  opts.TemperatureOffset,
		seaLevelHPa: slp,
	}
}

// Name returns the source name
func (s *EnvironmentSource) Name() string {
	return "bme680"
}

// Calibrate takes the current sea-level pressure used for the altitude
// estimate. Without a reference the last known value is kept.
func (s *EnvironmentSource) Calibrate(refs map[string]float64) {
	if v, ok := refs[interfaces.RefSeaLevelPressure]; ok && v > 0 {
		s.seaLevelHPa = v
	}
}

// SeaLevelPressure returns the reference currently in use, in hPa
func (s *EnvironmentSource) SeaLevelPressure() float64 {
	return s.seaLevelHPa
}

// Read samples temperature, humidity, pressure and gas resistance
func (s *EnvironmentSource) Read(_ context.Context, tick uint64) (*interfaces.Reading, error) {
	if !s.cadence.Due(tick) {
		return nil, nil
	}

	rawTemp, err := s.readAttr(iioTemperature)
	if err != nil {
		return nil, err
	}
	humidity, err := s.readAttr(iioHumidity)
	if err != nil {
		return nil, err
	}
	pressureKPa, err := s.readAttr(iioPressure)
	if err != nil {
		return nil, err
	}

	tempC := rawTemp/1000 + s.tempOffset
	tempF := tempC*1.8 + 32
	humidity /= 1000
	pressure := pressureKPa * 10
	altitude := altitudeMeters(pressure, s.seaLevelHPa)

	fields := map[string]float64{
		"temperature":     tempF,
		"temperature_ave": s.temperature.add(tempF),
		"humidity":        humidity,
		"humidity_ave":    s.humidity.add(humidity),
		"pressure":        pressure,
		"pressure_ave":    s.pressure.add(pressure),
		"altitude":        altitude,
	}

	// Gas resistance is only present on BME680 parts
	if gas, err := s.readAttr(iioGas); err == nil {
		fields["gas"] = gas
	} else if !errors.Is(err, os.ErrNotExist) {
		logger.Debug().Err(err).Msg("Gas resistance unavailable")
	}

	logger.Info().
		Uint64("tick", tick).
		Float64("temperature_c", tempC).
		Float64("temperature_f", tempF).
		Float64("humidity", humidity).
		Float64("pressure_hpa", pressure).
		Float64("altitude_m", altitude).
		Float64("sea_level_hpa", s.seaLevelHPa).
		Msg("Environment sample")

	return &interfaces.Reading{
		Measurement: MeasurementEnvironment,
		Fields:      fields,
		Tags:        map[string]string{"sensor": "bme680"},
	}, nil
}

func (s *EnvironmentSource) readAttr(name string) (float64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return 0, apperrors.NewSensorError(s.Name(), "read "+name, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, apperrors.NewSensorError(s.Name(), "parse "+name, err)
	}
	return v, nil
}

// altitudeMeters uses the international barometric formula
func altitudeMeters(pressureHPa, seaLevelHPa float64) float64 {
	if pressureHPa <= 0 || seaLevelHPa <= 0 {
		return 0
	}
	return 44330 * (1 - math.Pow(pressureHPa/seaLevelHPa, 0.1903))
}
