// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/soothill/env-data-logger/pkg/interfaces"
)

var errSinkDown = errors.New("sink down")

// recordingSink records delivered readings and fails according to failOn
type recordingSink struct {
	mu      sync.Mutex
	written []interfaces.Reading
	calls   int
	failOn  func(call int, r interfaces.Reading) error
	closed  bool
}

func (s *recordingSink) Write(_ context.Context, r interfaces.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failOn != nil {
		if err := s.failOn(s.calls, r); err != nil {
			return err
		}
	}
	s.written = append(s.written, r)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) measurements() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.written))
	for i, r := range s.written {
		out[i] = r.Measurement
	}
	return out
}

func reading(measurement string) interfaces.Reading {
	return interfaces.Reading{
		Measurement: measurement,
		Fields:      map[string]float64{"value": 1},
		Tags:        map[string]string{"sensor": "test"},
	}
}
