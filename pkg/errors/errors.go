// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the environment data logger.
//
// Adapter failures are wrapped in these types at the scheduler boundary so
// that logs carry the failing source or operation, and callers can inspect
// them with errors.As and errors.Is.
//
// # Example Usage
//
//	err := errors.NewSensorError("sds011", "read frame", io.ErrUnexpectedEOF)
//	if errors.IsSensorError(err) {
//	    logger.Warn().Err(err).Msg("Sensor read failed")
//	}
//
//	var se *errors.SensorError
//	if errors.As(err, &se) {
//	    logger.Warn().Str("source", se.Source).Msg("Skipping source this tick")
//	}
package errors

import (
	"errors"
	"fmt"
)

// SensorError represents a failure while reading a sensor source.
type SensorError struct {
	Source string // Source name (e.g., "sds011", "openweather")
	Op     string // Operation being performed (e.g., "read frame", "fetch conditions")
	Err    error  // Underlying error
}

func (e *SensorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sensor %s %s: %v", e.Source, e.Op, e.Err)
	}
	return fmt.Sprintf("sensor %s %s failed", e.Source, e.Op)
}

func (e *SensorError) Unwrap() error {
	return e.Err
}

// NewSensorError creates a new sensor error.
func NewSensorError(source, op string, err error) *SensorError {
	return &SensorError{Source: source, Op: op, Err: err}
}

// IsSensorError checks if an error is a SensorError.
func IsSensorError(err error) bool {
	var se *SensorError
	return errors.As(err, &se)
}

// StorageError represents an error during buffer or sink operations.
type StorageError struct {
	Op          string // Operation being performed (e.g., "write", "save buffer", "load buffer")
	Measurement string // Measurement involved in the operation (if applicable)
	Err         error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.Measurement != "" {
		return fmt.Sprintf("storage %s (measurement=%s): %v", e.Op, e.Measurement, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op, measurement string, err error) *StorageError {
	return &StorageError{Op: op, Measurement: measurement, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// NetworkError represents a network-related error.
type NetworkError struct {
	Op   string // Operation being performed (e.g., "probe", "mDNS browse")
	Addr string // Network address (if applicable)
	Err  error  // Underlying error
}

func (e *NetworkError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("network %s (%s): %v", e.Op, e.Addr, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("network %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network %s failed", e.Op)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error.
func NewNetworkError(op, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

// IsNetworkError checks if an error is a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// Sentinel errors for common conditions
var (
	// ErrSinkUnavailable indicates the destination store rejected or could not take a write
	ErrSinkUnavailable = errors.New("sink unavailable")

	// ErrCircuitBreakerOpen indicates writes are short-circuited after repeated sink failures
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotSupported indicates the platform lacks a capability (e.g. wireless stats)
	ErrNotSupported = errors.New("not supported")

	// ErrAdapterPanic indicates an adapter panicked and the panic was recovered
	ErrAdapterPanic = errors.New("adapter panic")
)
