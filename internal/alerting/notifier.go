package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrDelivery marks a notification that did not reach its transport.
var ErrDelivery = errors.New("notification delivery failed")

// DeliveryError carries the channel that failed.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s via %s: %v", ErrDelivery, e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is matches ErrDelivery.
func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// Violation is the side of the band a spread fell out of.
type Violation string

const (
	AboveMax Violation = "above_max"
	BelowMin Violation = "below_min"
)

// Notification carries the alert context.
type Notification struct {
	Family        string
	PairID        string
	DomesticCode  string
	ForeignCode   string
	SpreadPct     decimal.Decimal
	Violation     Violation
	Min           decimal.Decimal
	Max           decimal.Decimal
	DomesticPrice decimal.Decimal
	ForeignPrice  decimal.Decimal
	SampleTS      time.Time
	FiredAt       time.Time
	AdditionalMsg string
}

// Notifier defines the alert transport.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// WebhookNotifier posts {"text": ...} to a generic webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookNotifier constructs a webhook notifier.
func NewWebhookNotifier(url string, timeout time.Duration, logger zerolog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

// Notify posts the rendered alert; any non-2xx status is a delivery failure.
func (n *WebhookNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{"text": renderMessage(note)})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: "webhook", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Channel: "webhook", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	n.logger.Info().Str("pair_id", note.PairID).
		Str("violation", string(note.Violation)).
		Msg("alert delivered (webhook)")
	return nil
}

// TelegramNotifier pushes alerts through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify calls sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return &DeliveryError{Channel: "telegram", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{Channel: "telegram", Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return &DeliveryError{Channel: "telegram", Err: errors.New("ok=false")}
		}
	}

	n.logger.Info().Str("pair_id", note.PairID).
		Str("violation", string(note.Violation)).
		Msg("alert delivered (telegram)")
	return nil
}

// MultiNotifier fans out to several channels; it succeeds if any channel delivers.
type MultiNotifier []Notifier

// Notify delivers to every channel and joins the failures.
func (m MultiNotifier) Notify(ctx context.Context, note Notification) error {
	if len(m) == 0 {
		return &DeliveryError{Channel: "none", Err: errors.New("no channels configured")}
	}
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m) {
		return errors.Join(errs...)
	}
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[Spread Alert - %s]\n", titleCase(note.Family)))
	builder.WriteString(fmt.Sprintf("Pair: %s (%s vs %s)\n", note.PairID, note.DomesticCode, note.ForeignCode))
	builder.WriteString(fmt.Sprintf("Spread: %s%%\n", note.SpreadPct.StringFixed(2)))
	switch note.Violation {
	case AboveMax:
		builder.WriteString(fmt.Sprintf("Status: above max %s%%\n", note.Max.StringFixed(2)))
	case BelowMin:
		builder.WriteString(fmt.Sprintf("Status: below min %s%%\n", note.Min.StringFixed(2)))
	}
	builder.WriteString(fmt.Sprintf("Domestic: %s\n", note.DomesticPrice.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Foreign (converted): %s\n", note.ForeignPrice.StringFixed(2)))
	if !note.SampleTS.IsZero() {
		builder.WriteString(fmt.Sprintf("Sample: %s\n", note.SampleTS.Format("2006-01-02 15:04")))
	}
	if !note.FiredAt.IsZero() {
		builder.WriteString(fmt.Sprintf("Time: %s\n", note.FiredAt.Format("2006-01-02 15:04:05")))
	}
	if note.AdditionalMsg != "" {
		builder.WriteString(note.AdditionalMsg)
	}
	return builder.String()
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var (
	_ Notifier = (*WebhookNotifier)(nil)
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = MultiNotifier(nil)
)
