package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// WebhookChannel sends alerts to a generic webhook with an HMAC signature.
type WebhookChannel struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

// WebhookPayload is the body sent to generic webhooks.
type WebhookPayload struct {
	Severity  string  `json:"severity"`
	Scope     string  `json:"scope"`
	Metric    string  `json:"metric"`
	Observed  float64 `json:"observed"`
	Limit     float64 `json:"limit,omitempty"`
	Baseline  float64 `json:"baseline,omitempty"`
	Message   string  `json:"message"`
	Timestamp string  `json:"timestamp"`
}

// NewWebhookChannel creates a new generic webhook alert channel.
func NewWebhookChannel(url, secret string, logger *zap.Logger) *WebhookChannel {
	return &WebhookChannel{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (w *WebhookChannel) Name() string { return "webhook" }

// Send posts one alert to the configured webhook.
func (w *WebhookChannel) Send(ctx context.Context, alert Alert) error {
	payload := WebhookPayload{
		Severity:  string(alert.Severity),
		Scope:     alert.Scope,
		Metric:    alert.Metric,
		Observed:  alert.Observed,
		Limit:     alert.Limit,
		Baseline:  alert.Baseline,
		Message:   alert.Message,
		Timestamp: alert.Timestamp.Format(time.RFC3339),
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Governor-Alerts/1.0")

	if w.secret != "" {
		req.Header.Set("X-Governor-Signature", w.sign(jsonData))
		req.Header.Set("X-Governor-Scope", alert.Scope)
		req.Header.Set("X-Governor-Timestamp", payload.Timestamp)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook alert sent",
		zap.String("scope", alert.Scope),
		zap.String("metric", alert.Metric),
		zap.Int("status_code", resp.StatusCode),
	)

	return nil
}

// sign creates an HMAC-SHA256 signature of the payload.
func (w *WebhookChannel) sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(w.secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies an HMAC signature. Not used by the channel
// itself; provided for services receiving these webhooks.
func VerifySignature(payload []byte, signature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}
