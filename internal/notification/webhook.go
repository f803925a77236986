package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	applog "cryptobot/internal/logger"

	"github.com/rs/zerolog"
)

// WebhookNotifier POSTs trade alerts as JSON to an HTTP endpoint, for
// example a chat integration or an incident pipeline.
type WebhookNotifier struct {
	url    string
	source string
	client *http.Client
	logger zerolog.Logger
}

// webhookPayload is the body sent for every alert. Order fields are omitted
// for alerts not tied to an order.
type webhookPayload struct {
	Source  string `json:"source"`
	Level   Level  `json:"level"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Symbol  string `json:"symbol,omitempty"`
	Side    string `json:"side,omitempty"`
	OrderID string `json:"order_id,omitempty"`
	SentAt  string `json:"sent_at"`
}

// NewWebhookNotifier posts to url. source identifies this bot instance in the
// payload, typically the run id.
func NewWebhookNotifier(url, source string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		source: source,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: applog.Component(logger, "webhook"),
	}
}

func (w *WebhookNotifier) Send(ctx context.Context, alert Alert) error {
	payload := webhookPayload{
		Source:  w.source,
		Level:   alert.Level,
		Title:   alert.Title,
		Message: alert.Message,
		Symbol:  alert.Symbol,
		Side:    alert.Side,
		OrderID: alert.OrderID,
		SentAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: unexpected status %d", resp.StatusCode)
	}

	w.logger.Debug().Str("title", alert.Title).Str("order_id", alert.OrderID).Msg("alert sent")
	return nil
}
