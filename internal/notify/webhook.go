package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vastrel/credpool/internal/alerts"
)

// WebhookNotifier posts severity-tagged JSON to a configured endpoint
// (Slack-compatible incoming webhook or similar).
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookPayload struct {
	Channel  string `json:"channel"`
	Text     string `json:"text"`
	Severity string `json:"severity"`
}

func (n *WebhookNotifier) Send(ctx context.Context, channel, message string, severity alerts.Severity) error {
	body, err := json.Marshal(webhookPayload{
		Channel:  channel,
		Text:     message,
		Severity: string(severity),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
