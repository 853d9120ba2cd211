package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DiscordRenderer posts terminal indicators to a Discord webhook.
type DiscordRenderer struct {
	WebhookURL string
	Client     *http.Client
}

// NewDiscordRenderer creates a renderer with a traced HTTP client.
func NewDiscordRenderer(webhookURL string) *DiscordRenderer {
	return &DiscordRenderer{
		WebhookURL: webhookURL,
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   10 * time.Second,
		},
	}
}

func (d *DiscordRenderer) Name() string { return "discord" }

// Render sends terminal indicators only; ongoing updates would flood the channel.
func (d *DiscordRenderer) Render(ctx context.Context, ind Indicator) error {
	if ind.Kind != IndicatorTerminal {
		return nil
	}

	return d.notify(ctx, content(ind))
}

func (d *DiscordRenderer) notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return fmt.Errorf("webhook URL is not set")
	}

	payload := map[string]string{"content": content}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status %d", resp.StatusCode)
	}

	return nil
}

func content(ind Indicator) string {
	var b strings.Builder

	b.WriteString(ind.Title)

	if ind.Text != "" {
		b.WriteString("\n")
		b.WriteString(ind.Text)
	}

	if len(ind.Actions) > 0 {
		actions := make([]string, 0, len(ind.Actions))
		for _, a := range ind.Actions {
			actions = append(actions, string(a))
		}

		fmt.Fprintf(&b, "\nActions for `%s`: %s", ind.RequestID, strings.Join(actions, ", "))
	}

	return b.String()
}
