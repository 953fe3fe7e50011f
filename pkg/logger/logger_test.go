// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", "debug", zerolog.DebugLevel, false},
		{"info", "info", zerolog.InfoLevel, false},
		{"empty is info", "", zerolog.InfoLevel, false},
		{"warn", "warn", zerolog.WarnLevel, false},
		{"warning", "warning", zerolog.WarnLevel, false},
		{"error", "error", zerolog.ErrorLevel, false},
		{"critical maps to fatal", "CRITICAL", zerolog.FatalLevel, false},
		{"panic", "panic", zerolog.PanicLevel, false},
		{"uppercase", "DEBUG", zerolog.DebugLevel, false},
		{"mixed case", "WaRn", zerolog.WarnLevel, false},
		{"invalid defaults to info", "verbose", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, err := ParseLevel(tt.level)
			if level != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.level, level, tt.expected)
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.level, err, tt.wantErr)
			}
		})
	}
}

func TestSetOutput(t *testing.T) {
	var buf bytes.Buffer
	Initialize("info")
	SetOutput(&buf)

	Info().Msg("test message")

	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("SetOutput() should redirect output, got: %s", buf.String())
	}
}

func TestLogLevelFiltering(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		logLevel    string
		shouldLog   bool
	}{
		{"info logs at info level", "info", "info", true},
		{"debug filtered at info level", "info", "debug", false},
		{"warn logs at info level", "info", "warn", true},
		{"debug logs at debug level", "debug", "debug", true},
		{"info filtered at error level", "error", "info", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			Initialize(tt.configLevel)
			SetOutput(&buf)

			message := "filtered message"
			switch tt.logLevel {
			case "debug":
				Debug().Msg(message)
			case "info":
				Info().Msg(message)
			case "warn":
				Warn().Msg(message)
			case "error":
				Error().Msg(message)
			}

			hasMessage := strings.Contains(buf.String(), message)
			if hasMessage != tt.shouldLog {
				t.Errorf("logged=%v at %s with config %s, want %v", hasMessage, tt.logLevel, tt.configLevel, tt.shouldLog)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer
	Initialize("info")
	SetOutput(&buf)

	Debug().Msg("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("debug message logged at info level")
	}

	if err := SetLevel("debug"); err != nil {
		t.Fatalf("SetLevel() error = %v", err)
	}
	Debug().Msg("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Errorf("debug message not logged after SetLevel(debug): %s", buf.String())
	}

	if err := SetLevel("loud"); err == nil {
		t.Error("SetLevel() should reject unknown level")
	}
}

func TestWithRunID(t *testing.T) {
	var buf bytes.Buffer
	Initialize("info")
	SetOutput(&buf)
	WithRunID("run-1234")

	Info().Msg("tagged")

	if !strings.Contains(buf.String(), "run-1234") {
		t.Errorf("run id missing from output: %s", buf.String())
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	Initialize("info")
	SetOutput(&buf)

	Info().
		Str("measurement", "weather").
		Int("backlog", 42).
		Bool("online", true).
		Msg("test with fields")

	for _, field := range []string{"test with fields", "measurement", "weather", "backlog", "42", "online"} {
		if !strings.Contains(buf.String(), field) {
			t.Errorf("Output should contain %q, got: %s", field, buf.String())
		}
	}
}
