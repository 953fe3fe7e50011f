// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package sensors

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	apperrors "github.com/soothill/env-data-logger/pkg/errors"
	"github.com/soothill/env-data-logger/pkg/interfaces"
	"github.com/soothill/env-data-logger/pkg/logger"
)

const (
	sds011FrameLen  = 10
	sds011Header    = 0xAA
	sds011Command   = 0xC0
	sds011Tail      = 0xAB
	sds011MaxResync = 3 * sds011FrameLen

	// MeasurementParticulate is the series written by the SDS011 source
	MeasurementParticulate = "particulate_matter"
)

var errBadFrame = errors.New("bad SDS011 frame")

// SDS011Options configures an SDS011Source
type SDS011Options struct {
	Device      string
	PeriodTicks int
}

// SDS011Source reads PM2.5 and PM10 concentrations from a Nova SDS011
// particulate sensor in its default active reporting mode.
type SDS011Source struct {
	device  string
	cadence Cadence
	open    func(path string) (io.ReadCloser, error)
	port    io.ReadCloser
	pmSmall runningMean
	pmLarge runningMean
}

// NewSDS011Source creates the source. The serial device is opened on the
// first due tick and reopened after a read error.
func NewSDS011Source(opts SDS011Options) *SDS011Source {
	device := opts.Device
	if device == "" {
		device = "/dev/ttyUSB0"
	}
	return &SDS011Source{
		device:  device,
		cadence: Cadence{Period: opts.PeriodTicks},
		open:    openSerial,
	}
}

// Name returns the source name
func (s *SDS011Source) Name() string {
	return "sds011"
}

// Read returns one particulate reading when due
func (s *SDS011Source) Read(_ context.Context, tick uint64) (*interfaces.Reading, error) {
	if !s.cadence.Due(tick) {
		return nil, nil
	}

	if s.port == nil {
		port, err := s.open(s.device)
		if err != nil {
			return nil, apperrors.NewSensorError(s.Name(), "open "+s.device, err)
		}
		s.port = port
	}

	frame, err := readSDS011Frame(s.port)
	if err != nil {
		_ = s.port.Close()
		s.port = nil
		return nil, apperrors.NewSensorError(s.Name(), "read", err)
	}

	pmSmall, pmLarge, err := decodeSDS011Frame(frame)
	if err != nil {
		return nil, apperrors.NewSensorError(s.Name(), "decode", err)
	}

	aveSmall := s.pmSmall.add(pmSmall)
	aveLarge := s.pmLarge.add(pmLarge)

	logger.Info().
		Uint64("tick", tick).
		Float64("pm2.5", pmSmall).
		Float64("pm10", pmLarge).
		Float64("pm2.5_ave", aveSmall).
		Float64("pm10_ave", aveLarge).
		Msg("SDS011 sample")

	return &interfaces.Reading{
		Measurement: MeasurementParticulate,
		Fields: map[string]float64{
			"pm2.5":     pmSmall,
			"pm10":      pmLarge,
			"pm2.5_ave": aveSmall,
			"pm10_ave":  aveLarge,
		},
		Tags: map[string]string{"sensor": "sds011"},
	}, nil
}

// Close releases the serial device
func (s *SDS011Source) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// readSDS011Frame skips bytes until a frame header and returns the full
// frame. It gives up after sds011MaxResync bytes without a header.
func readSDS011Frame(r io.Reader) ([]byte, error) {
	frame := make([]byte, sds011FrameLen)
	for skipped := 0; ; skipped++ {
		if skipped > sds011MaxResync {
			return nil, fmt.Errorf("%w: no header in %d bytes", errBadFrame, skipped)
		}
		if _, err := io.ReadFull(r, frame[:1]); err != nil {
			return nil, err
		}
		if frame[0] == sds011Header {
			break
		}
	}
	if _, err := io.ReadFull(r, frame[1:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// decodeSDS011Frame validates a frame and returns PM2.5 and PM10 in µg/m³
func decodeSDS011Frame(frame []byte) (float64, float64, error) {
	if len(frame) != sds011FrameLen {
		return 0, 0, fmt.Errorf("%w: length %d", errBadFrame, len(frame))
	}
	if frame[0] != sds011Header || frame[1] != sds011Command || frame[9] != sds011Tail {
		return 0, 0, fmt.Errorf("%w: % x", errBadFrame, frame)
	}

	var sum byte
	for _, b := range frame[2:8] {
		sum += b
	}
	if sum != frame[8] {
		return 0, 0, fmt.Errorf("%w: checksum %#02x, want %#02x", errBadFrame, frame[8], sum)
	}

	pmSmall := float64(binary.LittleEndian.Uint16(frame[2:4])) / 10
	pmLarge := float64(binary.LittleEndian.Uint16(frame[4:6])) / 10
	return pmSmall, pmLarge, nil
}
