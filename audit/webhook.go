package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// webhookEvent is the JSON payload POSTed to the external endpoint.
type webhookEvent struct {
	Event      string `json:"event"`
	Seq        uint64 `json:"seq"`
	EntryID    string `json:"entry_id"`
	ActorID    string `json:"actor_id,omitempty"`
	Entity     string `json:"entity"`
	EntityID   string `json:"entity_id"`
	RemoteAddr string `json:"remote_addr,omitempty"`
	Timestamp  string `json:"timestamp"`
	Hash       string `json:"hash"`
}

// WebhookSink POSTs each entry to an external HTTP endpoint with one retry
// on 5xx or transport errors.
type WebhookSink struct {
	url        string
	authHeader string // "Header: Value", e.g. "Authorization: Bearer xxx"
	client     *http.Client
	retryDelay time.Duration
}

// NewWebhookSink returns a sink posting to url.
func NewWebhookSink(url, authHeader string) *WebhookSink {
	return &WebhookSink{
		url:        url,
		authHeader: authHeader,
		client:     &http.Client{Timeout: 10 * time.Second},
		retryDelay: time.Second,
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

// Deliver sends e. 4xx responses are not retried.
func (w *WebhookSink) Deliver(ctx context.Context, e *Entry) error {
	body, err := json.Marshal(webhookEvent{
		Event:      e.Action,
		Seq:        e.Seq,
		EntryID:    e.ID,
		ActorID:    e.ActorID,
		Entity:     e.Entity,
		EntityID:   e.EntityID,
		RemoteAddr: e.ClientAddress,
		Timestamp:  e.CreatedAt.UTC().Format(time.RFC3339),
		Hash:       e.HashChainCurr,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook event: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(w.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "IronGuard-Audit-Webhook/1.0")
		if w.authHeader != "" {
			parts := strings.SplitN(w.authHeader, ":", 2)
			if len(parts) == 2 {
				req.Header.Set(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
			}
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("webhook server error: %d", resp.StatusCode)
			continue
		default:
			return fmt.Errorf("webhook client error: %d", resp.StatusCode)
		}
	}
	return lastErr
}
