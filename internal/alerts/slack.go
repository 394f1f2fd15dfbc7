package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// SlackChannel sends alerts to Slack via an incoming webhook.
type SlackChannel struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload is a Slack incoming-webhook message.
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"` // Fallback text
}

// SlackBlock is a Slack Block Kit block.
type SlackBlock struct {
	Type   string            `json:"type"`
	Text   *SlackTextObject  `json:"text,omitempty"`
	Fields []SlackTextObject `json:"fields,omitempty"`
}

// SlackTextObject is a text object in Slack.
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackChannel creates a new Slack alert channel.
func NewSlackChannel(webhookURL, channel string, logger *zap.Logger) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (s *SlackChannel) Name() string { return "slack" }

// Send posts one alert to Slack.
func (s *SlackChannel) Send(ctx context.Context, alert Alert) error {
	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Governor Alerts",
		Blocks:   s.formatAlert(alert),
		Text:     fmt.Sprintf("[%s] %s", alert.Severity, alert.Message), // Fallback text
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func (s *SlackChannel) formatAlert(alert Alert) []SlackBlock {
	header := map[Severity]string{
		SeverityInfo:     "Usage Notice",
		SeverityWarning:  "⚠️ Budget Warning",
		SeverityCritical: "🚨 Budget Breach",
	}[alert.Severity]
	if header == "" {
		header = "Usage Alert"
	}

	fields := []SlackTextObject{
		{Type: "mrkdwn", Text: fmt.Sprintf("*Scope:*\n`%s`", alert.Scope)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Metric:*\n`%s`", alert.Metric)},
		{Type: "mrkdwn", Text: fmt.Sprintf("*Observed:*\n%.2f", alert.Observed)},
	}
	if alert.Limit > 0 {
		fields = append(fields, SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("*Limit:*\n%.2f", alert.Limit)})
	}
	if alert.Baseline > 0 {
		fields = append(fields, SlackTextObject{Type: "mrkdwn", Text: fmt.Sprintf("*Baseline:*\n%.2f", alert.Baseline)})
	}

	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  header,
				Emoji: true,
			},
		},
		{
			Type: "section",
			Text: &SlackTextObject{Type: "mrkdwn", Text: alert.Message},
		},
		{
			Type:   "section",
			Fields: fields,
		},
		{
			Type: "context",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: alert.Timestamp.Format(time.RFC3339)},
			},
		},
	}
}
