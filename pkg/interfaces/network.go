// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
)

// LinkQuality describes the wireless link. Either value may be absent.
type LinkQuality struct {
	SignalDBm      float64
	HasSignal      bool
	QualityPercent float64
	HasQuality     bool
}

// ConnectivitySource reports network reachability. The answer is advisory;
// the sink write result is what decides whether a reading was delivered.
type ConnectivitySource interface {
	IsConnected(ctx context.Context) bool
	LinkQuality(ctx context.Context) LinkQuality
}
