package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// LogSink writes alerts to the structured log at a level matching their
// severity.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a log-based sink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{log: logger.With().Str("component", "alert_log").Logger()}
}

// Send implements Sink.
func (l *LogSink) Send(ctx context.Context, alert Alert) error {
	var event *zerolog.Event
	switch alert.Severity {
	case SeverityCritical:
		event = l.log.Error()
	case SeverityWarning:
		event = l.log.Warn()
	default:
		event = l.log.Info()
	}
	for k, v := range alert.Metadata {
		event = event.Interface(k, v)
	}
	event.
		Str("severity", string(alert.Severity)).
		Str("title", alert.Title).
		Bool("escalated", alert.Escalated).
		Msg(alert.Message)
	return nil
}

// WebhookSink POSTs alerts as JSON. Delivery is fire-and-forget on a
// goroutine with its own timeout so a slow endpoint never blocks the
// trading cycle.
type WebhookSink struct {
	url     string
	timeout time.Duration
	client  *http.Client
	log     zerolog.Logger
}

// NewWebhookSink builds a webhook sink.
func NewWebhookSink(url string, timeout time.Duration, logger zerolog.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &WebhookSink{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		log:     logger.With().Str("component", "alert_webhook").Logger(),
	}
}

type webhookPayload struct {
	Severity  string                 `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Escalated bool                   `json:"escalated,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Send implements Sink. The POST happens asynchronously; errors are
// logged, not returned.
func (w *WebhookSink) Send(_ context.Context, alert Alert) error {
	if w.url == "" {
		return nil
	}
	body, err := json.Marshal(webhookPayload{
		Severity:  string(alert.Severity),
		Title:     alert.Title,
		Message:   alert.Message,
		Timestamp: alert.Timestamp,
		Escalated: alert.Escalated,
		Metadata:  alert.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encoding alert payload: %w", err)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			w.log.Error().Err(err).Msg("Building webhook request failed")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := w.client.Do(req)
		if err != nil {
			w.log.Warn().Err(err).Str("title", alert.Title).Msg("Webhook delivery failed")
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			w.log.Warn().Int("status", resp.StatusCode).Str("title", alert.Title).Msg("Webhook rejected alert")
		}
	}()
	return nil
}
