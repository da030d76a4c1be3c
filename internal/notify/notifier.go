// Package notify delivers scaling events to chat channels. Delivery is
// best-effort: failures are logged and swallowed, never escalated to the
// reconciliation loop.
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

// EventType classifies a notification.
type EventType string

const (
	EventScaleUp      EventType = "scale-up"
	EventScaleDown    EventType = "scale-down"
	EventDrainBlocked EventType = "drain-blocked"
	EventCycleError   EventType = "cycle-error"
)

// Event is one scaling occurrence worth telling humans about.
type Event struct {
	Type    EventType
	Message string
}

// defaultChannel receives bot-token deliveries.
const defaultChannel = "#cluster-autoscaler"

// slackPostMessageURL is the bot-token chat endpoint.
const slackPostMessageURL = "https://slack.com/api/chat.postMessage"

// Config configures the notifier. Empty fields disable the respective
// channel; with both empty every Notify call is a no-op.
type Config struct {
	// WebhookURL is an incoming-webhook endpoint for broadcast delivery.
	WebhookURL string

	// BotToken enables direct bot delivery to Channel.
	BotToken string

	// Channel is the bot delivery target. Default: defaultChannel.
	Channel string

	// APIURL overrides the bot chat endpoint (used by tests).
	APIURL string
}

// Notifier posts events to the configured channels.
type Notifier struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a Notifier.
func New(cfg Config, logger *slog.Logger) *Notifier {
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	if cfg.APIURL == "" {
		cfg.APIURL = slackPostMessageURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Enabled reports whether any delivery channel is configured.
func (n *Notifier) Enabled() bool {
	return n.cfg.WebhookURL != "" || n.cfg.BotToken != ""
}

// Notify delivers one event to every configured channel. Errors are
// logged and swallowed; the caller's cycle outcome never depends on
// delivery.
func (n *Notifier) Notify(ctx context.Context, event Event) {
	if !n.Enabled() {
		return
	}

	text := fmt.Sprintf("[%s] %s", event.Type, event.Message)

	if n.cfg.WebhookURL != "" {
		if err := n.postWebhook(ctx, text); err != nil {
			n.logger.Warn("webhook notification failed",
				"event", string(event.Type),
				"error", err,
			)
		}
	}
	if n.cfg.BotToken != "" {
		if err := n.postBotMessage(ctx, text); err != nil {
			n.logger.Warn("bot notification failed",
				"event", string(event.Type),
				"channel", n.cfg.Channel,
				"error", err,
			)
		}
	}
}

func (n *Notifier) postWebhook(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (n *Notifier) postBotMessage(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"channel": n.cfg.Channel,
		"text":    text,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.cfg.BotToken)

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("chat API returned status %d", resp.StatusCode)
	}

	var apiResp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return err
	}
	if !apiResp.OK {
		return fmt.Errorf("chat API rejected message: %s", apiResp.Error)
	}
	return nil
}
