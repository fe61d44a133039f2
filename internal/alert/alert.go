// Package alert notifies operators about weather provider account problems
// (quota exhausted, key disabled, access denied). Delivery is fire-and-forget:
// a failing sink never fails the request that raised the alert.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/postal-weather-service/internal/observability"
)

// Kind identifies the provider account problem.
type Kind string

const (
	KindQuotaExceeded Kind = "quota_exceeded"
	KindKeyDisabled   Kind = "key_disabled"
	KindAccessDenied  Kind = "access_denied"
)

// Title is the headline used in log lines and webhook payloads.
func (k Kind) Title() string {
	switch k {
	case KindQuotaExceeded:
		return "WEATHER API QUOTA EXCEEDED"
	case KindKeyDisabled:
		return "WEATHER API KEY DISABLED"
	case KindAccessDenied:
		return "WEATHER API ACCESS DENIED"
	default:
		return "WEATHER API ALERT"
	}
}

// Alert carries what an operator needs to act on a provider account error.
type Alert struct {
	Kind       Kind      `json:"kind"`
	PostalCode string    `json:"postal_code"`
	ErrorCode  int       `json:"error_code"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail"`
	Time       time.Time `json:"time"`
}

// Alerter delivers alerts. Implementations must not block the caller for long.
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// LogAlerter writes alerts as error-level log entries and counts them.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlerter{logger: logger}
}

func (l *LogAlerter) Alert(ctx context.Context, a Alert) {
	observability.ProviderAlertsTotal.WithLabelValues(string(a.Kind)).Inc()
	observability.LoggerFrom(ctx, l.logger).Error(a.Kind.Title(),
		zap.String("alert_kind", string(a.Kind)),
		zap.String("postal_code", a.PostalCode),
		zap.Int("error_code", a.ErrorCode),
		zap.String("alert_message", a.Message),
		zap.String("error_detail", a.Detail),
		zap.Time("alert_time", a.Time),
	)
}

// WebhookAlerter POSTs each alert as JSON to a fixed URL in a background goroutine.
type WebhookAlerter struct {
	url    string
	client *http.Client
	logger *zap.Logger
	onDone func(error)
}

// NewWebhookAlerter creates a webhook sink. timeout bounds each delivery.
func NewWebhookAlerter(url string, timeout time.Duration, logger *zap.Logger) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookAlerter{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Alert starts delivery and returns immediately. The request context is not
// used for delivery since it ends with the request.
func (w *WebhookAlerter) Alert(_ context.Context, a Alert) {
	go func() {
		err := w.deliver(context.Background(), a)
		if err != nil {
			w.logger.Warn("alert webhook delivery failed",
				zap.String("alert_kind", string(a.Kind)),
				zap.Error(err))
		}
		if w.onDone != nil {
			w.onDone(err)
		}
	}()
}

func (w *WebhookAlerter) deliver(ctx context.Context, a Alert) error {
	body, err := json.Marshal(struct {
		Title string `json:"title"`
		Alert
	}{Title: a.Kind.Title(), Alert: a})
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post alert: HTTP %d", resp.StatusCode)
	}
	return nil
}

// Multi fans an alert out to every sink in order.
type Multi []Alerter

func (m Multi) Alert(ctx context.Context, a Alert) {
	for _, sink := range m {
		if sink != nil {
			sink.Alert(ctx, a)
		}
	}
}
