// Package webhook delivers the completion notification. Delivery is
// best-effort: failures are logged and never surface to the client.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// CompletionEvent is the payload posted when a session completes.
type CompletionEvent struct {
	Event         string            `json:"event"`
	SessionID     string            `json:"sessionId"`
	Platform      string            `json:"platform"`
	ExtractedData map[string]string `json:"extractedData"`
	CompletedAt   string            `json:"completedAt"`
	Trust         any               `json:"trust,omitempty"`
}

// Notifier posts signed completion events to a configured endpoint.
// A Notifier with an empty URL is a no-op.
type Notifier struct {
	url    string
	secret string
	client *http.Client
}

// NewNotifier creates a notifier. Empty url disables delivery.
func NewNotifier(url, secret string) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a destination is configured.
func (n *Notifier) Enabled() bool {
	return n.url != ""
}

// NotifyCompleted posts the session.completed event. When a shared
// secret is configured the request carries an X-Webhook-Signature
// header: hex HMAC-SHA256 of the body under the secret.
func (n *Notifier) NotifyCompleted(ctx context.Context, sessionID, platform string, extracted map[string]string, completedAt time.Time, trust any) {
	if !n.Enabled() {
		return
	}

	if extracted == nil {
		extracted = map[string]string{}
	}
	event := CompletionEvent{
		Event:         "session.completed",
		SessionID:     sessionID,
		Platform:      platform,
		ExtractedData: extracted,
		CompletedAt:   completedAt.UTC().Format(time.RFC3339),
		Trust:         trust,
	}

	if err := n.post(ctx, event); err != nil {
		slog.Error("webhook delivery failed", "session_id", sessionID, "error", err)
		return
	}
	slog.Info("webhook delivered", "session_id", sessionID, "event", event.Event)
}

func (n *Notifier) post(ctx context.Context, event CompletionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(n.secret, body))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 signature of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
