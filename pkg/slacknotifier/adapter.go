// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package slacknotifier

import (
	"context"
	"fmt"

	"github.com/soothill/env-data-logger/pkg/interfaces"
)

// AlertAdapter turns pipeline events into Slack alerts
type AlertAdapter struct {
	notifier interfaces.Notifier
}

// NewAlertAdapter wraps any notifier
func NewAlertAdapter(notifier interfaces.Notifier) *AlertAdapter {
	return &AlertAdapter{notifier: notifier}
}

// SendSinkFailure reports that writes to the time-series store started failing
func (a *AlertAdapter) SendSinkFailure(ctx context.Context, err error) error {
	return a.notifier.SendAlert(ctx, "danger", "⚠️ InfluxDB Write Failure",
		fmt.Sprintf("Writing readings failed: %v\nReadings are buffered on disk until writes succeed again.", err))
}

// SendSinkRecovery reports that the backlog has been delivered
func (a *AlertAdapter) SendSinkRecovery(ctx context.Context, flushed int) error {
	return a.notifier.SendAlert(ctx, "good", "✅ InfluxDB Writes Restored",
		fmt.Sprintf("Writes are succeeding again. %d buffered readings were delivered and the backlog is empty.", flushed))
}

// SendBacklogWarning reports a backlog above the warning threshold
func (a *AlertAdapter) SendBacklogWarning(ctx context.Context, backlog, threshold int) error {
	return a.notifier.SendAlert(ctx, "warning", "⚠️ Reading Backlog High",
		fmt.Sprintf("%d readings are waiting in the local buffer (threshold %d).\nThe store may be unreachable for an extended period.",
			backlog, threshold))
}

// IsEnabled returns whether the underlying notifier sends anything
func (a *AlertAdapter) IsEnabled() bool {
	return a.notifier.IsEnabled()
}
