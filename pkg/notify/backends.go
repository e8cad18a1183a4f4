package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// LogBackend writes alerts to a structured logger.
type LogBackend struct {
	Logger *slog.Logger
}

func (b LogBackend) Deliver(ctx context.Context, alert Alert) error {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelInfo
	switch alert.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	args := []any{"subject", alert.Subject, "severity", alert.Severity}
	for k, v := range alert.Fields {
		args = append(args, k, v)
	}
	logger.Log(ctx, level, "operator alert: "+alert.Message, args...)
	return nil
}

// WebhookBackend posts alerts as JSON to an HTTP endpoint.
type WebhookBackend struct {
	url    string
	client *http.Client
}

// NewWebhookBackend creates a webhook backend with a 5s timeout.
func NewWebhookBackend(url string) *WebhookBackend {
	return &WebhookBackend{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (b *WebhookBackend) Deliver(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}
