// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package sensors provides the sensor sources sampled by the poll scheduler.
package sensors

// Cadence decides which ticks a source samples on
type Cadence struct {
	Period int
}

// Due reports whether the source should sample on tick. A period of zero
// or less samples every tick.
func (c Cadence) Due(tick uint64) bool {
	if c.Period <= 1 {
		return true
	}
	return tick%uint64(c.Period) == 0
}

// runningMean is the average of every sample since the process started
type runningMean struct {
	count int
	total float64
}

func (m *runningMean) add(v float64) float64 {
	m.count++
	m.total += v
	return m.total / float64(m.count)
}
