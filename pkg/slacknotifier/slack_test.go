// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package slacknotifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/soothill/env-data-logger/pkg/errors"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		webhookURL  string
		wantEnabled bool
	}{
		{"with webhook URL", "https://hooks.slack.com/services/test", true},
		{"empty webhook URL", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			notifier := New(tt.webhookURL)
			if notifier.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", notifier.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestNotifier_UpdateWebhookURL(t *testing.T) {
	notifier := New("")
	notifier.UpdateWebhookURL("https://hooks.slack.com/services/new")
	if !notifier.IsEnabled() {
		t.Error("notifier should be enabled after setting a URL")
	}
	notifier.UpdateWebhookURL("")
	if notifier.IsEnabled() {
		t.Error("notifier should be disabled after clearing the URL")
	}
}

func TestNotifier_SendMessage(t *testing.T) {
	var got Message
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST request, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("Expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	if err := New(server.URL).SendMessage(context.Background(), "Test message"); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if got.Text != "Test message" {
		t.Errorf("payload text = %q, want %q", got.Text, "Test message")
	}
}

func TestNotifier_Disabled(t *testing.T) {
	notifier := New("")
	ctx := context.Background()

	if err := notifier.SendMessage(ctx, "Test message"); err != nil {
		t.Errorf("SendMessage() with disabled notifier error = %v", err)
	}
	if err := notifier.SendAlert(ctx, "danger", "t", "m"); err != nil {
		t.Errorf("SendAlert() with disabled notifier error = %v", err)
	}
}

func TestNotifier_SendAlert(t *testing.T) {
	tests := []struct {
		name      string
		severity  string
		wantColor string
	}{
		{"danger alert", "danger", "danger"},
		{"warning alert", "warning", "warning"},
		{"success alert", "good", "good"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Message
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			notifier := New(server.URL)
			notifier.SetFooter("Env Data Logger (pi-garden)")
			if err := notifier.SendAlert(context.Background(), tt.severity, "Title", "Body"); err != nil {
				t.Fatalf("SendAlert() error = %v", err)
			}

			if len(got.Attachments) != 1 {
				t.Fatalf("payload has %d attachments, want 1", len(got.Attachments))
			}
			a := got.Attachments[0]
			if a.Color != tt.wantColor || a.Title != "Title" || a.Text != "Body" {
				t.Errorf("attachment = %+v", a)
			}
			if a.Footer != "Env Data Logger (pi-garden)" {
				t.Errorf("footer = %q", a.Footer)
			}
		})
	}
}

func TestNotifier_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := New(server.URL).SendMessage(context.Background(), "Test message")
	if !apperrors.IsNotificationError(err) {
		t.Errorf("SendMessage() error = %v, want NotificationError", err)
	}
}

func TestNotifier_ContextTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := New(server.URL).SendMessage(ctx, "Test message"); err == nil {
		t.Error("Expected timeout error")
	}
}

func TestSeverityToColor(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"danger", "danger"},
		{"error", "danger"},
		{"warning", "warning"},
		{"warn", "warning"},
		{"good", "good"},
		{"success", "good"},
		{"info", "#808080"},
		{"", "#808080"},
	}

	for _, tt := range tests {
		t.Run(tt.severity, func(t *testing.T) {
			if got := severityToColor(tt.severity); got != tt.want {
				t.Errorf("severityToColor(%q) = %q, want %q", tt.severity, got, tt.want)
			}
		})
	}
}
