// Package mailer delivers outbound quotation emails.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/quote-desk/internal/resilience"
)

// Message is one outbound quotation email. IdempotencyKey is stable across
// retries of the same send; CorrelationID identifies one attempt for tracing.
type Message struct {
	CaseID         string    `json:"case_id"`
	DraftID        string    `json:"draft_id"`
	VersionID      string    `json:"version_id"`
	VersionNumber  int       `json:"version_number"`
	From           string    `json:"from,omitempty"`
	To             []string  `json:"to"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
	CorrelationID  string    `json:"correlation_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	SentAt         time.Time `json:"sent_at"`
}

// Mailer delivers a message.
type Mailer interface {
	Deliver(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct{}

// NewLogMailer creates a LogMailer.
func NewLogMailer() *LogMailer { return &LogMailer{} }

// Deliver logs msg.
func (LogMailer) Deliver(_ context.Context, msg Message) error {
	zap.L().Info("mailer: quotation delivered to log",
		zap.String("case_id", msg.CaseID),
		zap.String("draft_id", msg.DraftID),
		zap.Int("version_number", msg.VersionNumber),
		zap.Strings("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("correlation_id", msg.CorrelationID),
	)
	return nil
}

// WebhookMailer posts messages as JSON to an outbound mail relay.
type WebhookMailer struct {
	url    string
	from   string
	client *http.Client
}

// WebhookOption configures a WebhookMailer.
type WebhookOption func(*WebhookMailer)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) WebhookOption {
	return func(m *WebhookMailer) {
		m.client = hc
	}
}

// WithFrom sets the sender used when a message has none.
func WithFrom(from string) WebhookOption {
	return func(m *WebhookMailer) {
		m.from = from
	}
}

// NewWebhookMailer creates a WebhookMailer posting to url. Per-call timeouts
// come from the caller's context.
func NewWebhookMailer(url string, opts ...WebhookOption) *WebhookMailer {
	m := &WebhookMailer{
		url:    url,
		client: &http.Client{},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Deliver posts msg to the relay. The Idempotency-Key header lets the relay
// drop a delivery it has already accepted.
func (m *WebhookMailer) Deliver(ctx context.Context, msg Message) error {
	if len(msg.To) == 0 {
		return eris.New("mailer: message has no recipients")
	}
	if msg.From == "" {
		msg.From = m.from
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return eris.Wrap(err, "mailer: marshal message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "mailer: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	key := msg.IdempotencyKey
	if key == "" {
		key = msg.CorrelationID
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "mailer: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("mailer: webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) || resp.StatusCode >= 500 {
			return resilience.NewTransientError(err, resp.StatusCode)
		}
		return err
	}

	zap.L().Info("mailer: quotation delivered",
		zap.String("case_id", msg.CaseID),
		zap.String("correlation_id", msg.CorrelationID),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}
