package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook POSTs row batches as a JSON envelope to a URL. It performs one
// attempt per WriteRows call; the publisher owns retry and backoff.
type Webhook struct {
	url    string
	client *http.Client
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithWebhookClient sets a custom HTTP client.
func WithWebhookClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// NewWebhook creates a Webhook sink targeting the given URL.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

func (w *Webhook) WriteRows(ctx context.Context, connectionID string, rows []Row) error {
	body, err := json.Marshal(envelope{ConnectionID: connectionID, Rows: rows})
	if err != nil {
		return fmt.Errorf("sink: marshal webhook body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sink: new webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sink: webhook post: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink: webhook status %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) Close() error { return nil }
