// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package slacknotifier sends alerts to Slack via Incoming Webhooks.
//
// A Notifier created with an empty webhook URL is disabled and every send is
// a no-op, so callers never need to check IsEnabled before sending.
//
//	notifier := slacknotifier.New("https://hooks.slack.com/services/...")
//	alerts := slacknotifier.NewAlertAdapter(notifier)
//	_ = alerts.SendSinkFailure(ctx, err)
package slacknotifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/soothill/env-data-logger/pkg/errors"
)

const defaultFooter = "Env Data Logger"

// Notifier sends notifications to Slack via webhook
type Notifier struct {
	mu         sync.RWMutex
	webhookURL string
	footer     string
	client     *http.Client
}

// Message is a Slack webhook payload
type Message struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a colour-coded Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// New creates a new Slack notifier
func New(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		footer:     defaultFooter,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetFooter changes the footer shown under alerts, e.g. to add the host name
func (s *Notifier) SetFooter(footer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.footer = footer
}

// IsEnabled returns whether Slack notifications are enabled
func (s *Notifier) IsEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webhookURL != ""
}

// UpdateWebhookURL replaces the webhook URL; an empty URL disables the notifier.
func (s *Notifier) UpdateWebhookURL(webhookURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhookURL = webhookURL
}

// SendMessage sends a plain text message
func (s *Notifier) SendMessage(ctx context.Context, message string) error {
	return s.sendPayload(ctx, "message", Message{Text: message})
}

// SendAlert sends a formatted alert
func (s *Notifier) SendAlert(ctx context.Context, severity, title, message string) error {
	s.mu.RLock()
	footer := s.footer
	s.mu.RUnlock()

	payload := Message{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}

	return s.sendPayload(ctx, "alert", payload)
}

func (s *Notifier) sendPayload(ctx context.Context, kind string, payload Message) error {
	s.mu.RLock()
	webhookURL := s.webhookURL
	s.mu.RUnlock()

	if webhookURL == "" {
		return nil
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewNotificationError(kind, fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return apperrors.NewNotificationError(kind, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.NewNotificationError(kind, fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewNotificationError(kind, fmt.Errorf("slack webhook returned status %d", resp.StatusCode))
	}

	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}
